package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPoolProcessesAllTasks(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	pool, err := New(Config{Workers: 3, QueueSize: 16}, func(ctx context.Context, task *Task) error {
		mu.Lock()
		seen[task.ID] = true
		mu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	const n = 10
	for i := 0; i < n; i++ {
		if err := pool.Submit(context.Background(), &Task{ID: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case res := <-pool.Results():
			if res.Err != nil {
				t.Fatalf("task %s failed: %v", res.TaskID, res.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	pool.Stop()

	if len(seen) != n {
		t.Fatalf("processed %d tasks, want %d", len(seen), n)
	}

	stats := pool.Stats()
	if stats.Submitted != n || stats.Completed != n || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPoolReportsFailuresWithoutStopping(t *testing.T) {
	pool, err := New(Config{Workers: 2, QueueSize: 8}, func(ctx context.Context, task *Task) error {
		if task.ID == "bad" {
			return errors.New("boom")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	for _, id := range []string{"ok1", "bad", "ok2"} {
		if err := pool.Submit(context.Background(), &Task{ID: id}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	var failed, succeeded int
	for i := 0; i < 3; i++ {
		res := <-pool.Results()
		if res.Err != nil {
			failed++
			if res.TaskID != "bad" {
				t.Fatalf("wrong task failed: %s", res.TaskID)
			}
		} else {
			succeeded++
		}
	}
	pool.Stop()

	if failed != 1 || succeeded != 2 {
		t.Fatalf("failed=%d succeeded=%d", failed, succeeded)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) error {
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()
	pool.Stop()

	if err := pool.Submit(context.Background(), &Task{ID: "late"}); err == nil {
		t.Fatal("submit after stop must fail")
	}
}

func TestSubmitFullQueue(t *testing.T) {
	block := make(chan struct{})
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) error {
		<-block
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	// First task occupies the worker, second fills the queue; the queue is
	// eventually full and a submit must fail rather than block the trigger.
	var sawFull bool
	for i := 0; i < 4; i++ {
		if err := pool.Submit(context.Background(), &Task{ID: fmt.Sprintf("t%d", i)}); err != nil {
			sawFull = true
			break
		}
	}
	close(block)
	pool.Stop()

	if !sawFull {
		t.Fatal("expected a queue-full submit error")
	}
}

type runKeyType struct{}

func TestWorkerRunsWithSubmitContext(t *testing.T) {
	got := make(chan any, 1)
	pool, err := New(Config{Workers: 1, QueueSize: 4}, func(ctx context.Context, task *Task) error {
		got <- ctx.Value(runKeyType{})
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	ctx := context.WithValue(context.Background(), runKeyType{}, "run-42")
	if err := pool.Submit(ctx, &Task{ID: "t"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case v := <-got:
		if v != "run-42" {
			t.Fatalf("worker context value = %v, want run-42", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the worker")
	}
	pool.Stop()
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Fatal("expected error for nil worker func")
	}
}
