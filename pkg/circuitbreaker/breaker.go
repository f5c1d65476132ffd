// Package circuitbreaker wraps sony/gobreaker with logging and defaults
// tuned for a single outbound mail relay.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen indicates the breaker rejected the call without attempting it.
var ErrOpen = errors.New("circuit open")

// Config holds breaker configuration.
type Config struct {
	// Name identifies the breaker.
	Name string
	// MaxRequests is the number of probe requests allowed half-open.
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts while closed.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker while request volume is low.
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests have been seen.
	FailureRatio float64
	// MinRequests is the volume floor for the ratio check.
	MinRequests uint32
}

// DefaultConfig returns defaults suitable for a mail relay: trip fast on a
// clearly broken session, probe again after half a minute.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to State)

// Breaker guards calls to one external dependency.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	name     string
	logger   *zap.Logger
	onChange StateChangeFunc

	mu    sync.RWMutex
	state State
}

// New creates a breaker. onChange may be nil.
func New(cfg Config, logger *zap.Logger, onChange StateChangeFunc) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		name:     cfg.Name,
		logger:   logger,
		onChange: onChange,
		state:    StateClosed,
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.stateChanged(mapState(from), mapState(to))
		},
	})

	return b
}

// Execute runs fn through the breaker. A rejected call returns ErrOpen
// without touching the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrOpen
		}
		return nil, err
	}
	return result, nil
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Breaker) stateChanged(from, to State) {
	b.mu.Lock()
	b.state = to
	b.mu.Unlock()

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
