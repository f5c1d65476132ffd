// Package mailer implements the outbound delivery channel: a single cached
// SMTP session reused across sends, invalidated on failure so the next call
// rebuilds it.
package mailer

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	mail "github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// Config holds the relay configuration. Secure transport is derived from the
// port, matching common relay conventions.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	ConnectTimeout  time.Duration
	GreetingTimeout time.Duration
	SocketTimeout   time.Duration
}

// DefaultConfig returns relay defaults for a submission port setup.
func DefaultConfig() Config {
	return Config{
		Host:            "smtp.gmail.com",
		Port:            587,
		ConnectTimeout:  10 * time.Second,
		GreetingTimeout: 10 * time.Second,
		SocketTimeout:   10 * time.Second,
	}
}

// Secure reports whether implicit TLS is used. True iff the port is 465.
func (c Config) Secure() bool { return c.Port == 465 }

// Configured reports whether credentials are present. Their absence is a
// hard configuration error surfaced on every channel operation.
func (c Config) Configured() bool { return c.Username != "" && c.Password != "" }

// FromAddress is the envelope sender, defaulting to the relay username.
func (c Config) FromAddress() string {
	if c.From != "" {
		return c.From
	}
	return c.Username
}

// Message is one notification to deliver.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Receipt identifies a successfully submitted message.
type Receipt struct {
	MessageID string
	To        string
}

var emailRx = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Channel owns the one reusable relay session. The cached client is the only
// shared mutable state in the engine; all access is serialized by the mutex,
// and no lock is held across unrelated work.
type Channel struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	client    *mail.Client
	connected bool
}

// NewChannel creates a channel. Construction never dials; the session is
// established lazily on first use.
func NewChannel(cfg Config, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{cfg: cfg, logger: logger}
}

// Configured reports whether the channel has credentials.
func (ch *Channel) Configured() bool { return ch.cfg.Configured() }

// Host returns the relay host.
func (ch *Channel) Host() string { return ch.cfg.Host }

// Port returns the relay port.
func (ch *Channel) Port() int { return ch.cfg.Port }

// Send delivers one message over the cached session. Any transport failure
// discards the session so the next call reconnects.
func (ch *Channel) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if !ch.cfg.Configured() {
		return nil, channelErr(KindNotConfigured, nil)
	}
	if !emailRx.MatchString(msg.To) {
		return nil, channelErr(KindInvalidRecipient, fmt.Errorf("malformed address %q", msg.To))
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := ch.ensureSessionLocked(ctx); err != nil {
		ch.invalidateLocked()
		return nil, Classify(err)
	}

	id := fmt.Sprintf("%s@%s", uuid.New(), ch.cfg.Host)
	m, err := ch.buildMessage(msg, id)
	if err != nil {
		return nil, Classify(err)
	}

	if err := ch.client.Send(m); err != nil {
		ch.invalidateLocked()
		cerr := Classify(err)
		ch.logger.Warn("send failed, session discarded",
			zap.String("to", msg.To),
			zap.String("kind", string(cerr.Kind)),
			zap.Error(err),
		)
		return nil, cerr
	}

	ch.logger.Info("notification sent",
		zap.String("to", msg.To),
		zap.String("message_id", id),
	)
	return &Receipt{MessageID: id, To: msg.To}, nil
}

// Verify tests the channel without sending: it establishes (or reuses) the
// session and reports the classified outcome.
func (ch *Channel) Verify(ctx context.Context) error {
	if !ch.cfg.Configured() {
		return channelErr(KindNotConfigured, nil)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := ch.ensureSessionLocked(ctx); err != nil {
		ch.invalidateLocked()
		return Classify(err)
	}
	return nil
}

// Invalidate discards the cached session; the next operation reconnects.
func (ch *Channel) Invalidate() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.invalidateLocked()
}

func (ch *Channel) invalidateLocked() {
	if ch.client != nil && ch.connected {
		_ = ch.client.Close()
	}
	ch.client = nil
	ch.connected = false
}

func (ch *Channel) ensureSessionLocked(ctx context.Context) error {
	if ch.connected && ch.client != nil {
		return nil
	}

	opts := []mail.Option{
		mail.WithPort(ch.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(ch.cfg.Username),
		mail.WithPassword(ch.cfg.Password),
		mail.WithTimeout(ch.cfg.SocketTimeout),
	}
	if ch.cfg.Secure() {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(ch.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}

	// Dial covers connect plus server greeting.
	dialCtx, cancel := context.WithTimeout(ctx, ch.cfg.ConnectTimeout+ch.cfg.GreetingTimeout)
	defer cancel()

	if err := client.DialWithContext(dialCtx); err != nil {
		return err
	}

	ch.client = client
	ch.connected = true
	ch.logger.Debug("relay session established",
		zap.String("host", ch.cfg.Host),
		zap.Int("port", ch.cfg.Port),
		zap.Bool("secure", ch.cfg.Secure()),
	)
	return nil
}

func (ch *Channel) buildMessage(msg *Message, id string) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat("Digital Prescription System", ch.cfg.FromAddress()); err != nil {
		return nil, err
	}
	if err := m.To(msg.To); err != nil {
		return nil, channelErr(KindInvalidRecipient, err)
	}
	if err := m.ReplyTo(ch.cfg.FromAddress()); err != nil {
		return nil, err
	}
	m.Subject(msg.Subject)
	m.SetMessageIDWithValue(id)
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}
	return m, nil
}
