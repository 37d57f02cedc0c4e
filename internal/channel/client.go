// Package channel maintains live per-room subscriptions to the chat server.
//
// A Client hands out one Channel per room. Each Channel is driven by a single
// goroutine that dials, authenticates, subscribes and then relays messages,
// reconnecting with exponential backoff on transport failures:
//
//	c := channel.NewClient(sessionState, cfg)
//	ch := c.Join(42)
//	for m := range ch.Messages() {
//		...
//	}
package channel

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/christopherjohns/chatsync/internal/backoff"
	"github.com/christopherjohns/chatsync/internal/metrics"
	"github.com/christopherjohns/chatsync/internal/session"
)

// TokenSource supplies the session credential and notifies on changes.
// *session.State satisfies it.
type TokenSource interface {
	Token() (string, bool)
	Subscribe(fn session.Observer) (unsubscribe func())
}

// Config controls connection behavior for every channel of a Client.
type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	// MaxAttempts bounds consecutive failed reconnects. Zero retries forever.
	MaxAttempts int            `yaml:"max_attempts"`
	Backoff     backoff.Policy `yaml:"backoff"`
	// BufferSize is the capacity of the Messages and States streams.
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns the defaults used for unset fields.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		SendTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		Backoff:          backoff.Default(),
		BufferSize:       64,
	}
}

// Validate reports configuration that cannot run.
func (c Config) Validate() error {
	switch {
	case c.HandshakeTimeout <= 0:
		return errors.New("channel: handshake_timeout must be positive")
	case c.SendTimeout <= 0:
		return errors.New("channel: send_timeout must be positive")
	case c.WriteTimeout <= 0:
		return errors.New("channel: write_timeout must be positive")
	case c.MaxAttempts < 0:
		return errors.New("channel: max_attempts must not be negative")
	case c.BufferSize <= 0:
		return errors.New("channel: buffer_size must be positive")
	}
	return c.Backoff.Validate()
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = d.Backoff
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records channel behavior into m.
func WithMetrics(m *metrics.Channel) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDialer replaces the WebSocket dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client owns the channels for one session. At most one live channel exists
// per room.
type Client struct {
	tokens  TokenSource
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Channel

	mu       sync.Mutex
	channels map[int64]*Channel
}

// NewClient creates a Client. Zero-valued Config fields take their defaults.
func NewClient(tokens TokenSource, cfg Config, opts ...Option) *Client {
	c := &Client{
		tokens:   tokens,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		channels: make(map[int64]*Channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &WebSocketDialer{URL: c.cfg.URL}
	}
	c.logger = c.logger.With("component", "channel")
	return c
}

// Join returns the room's channel, starting one if none is live. The handle
// is returned immediately; progress is reported on its States stream.
// Without a session token the returned channel is already Closed with
// ErrAuthRequired and nothing is dialed.
func (c *Client) Join(roomID int64) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[roomID]; ok {
		if !ch.leaving.Load() && !ch.closed() {
			return ch
		}
		// Never run two channels for one room.
		<-ch.Done()
		delete(c.channels, roomID)
	}

	ch := newChannel(roomID, c.tokens, c.cfg, c.dialer, c.logger, c.metrics)
	c.channels[roomID] = ch
	ch.start()
	go c.forget(ch)
	return ch
}

// Leave closes the room's channel if there is one.
func (c *Client) Leave(roomID int64) {
	c.mu.Lock()
	ch := c.channels[roomID]
	c.mu.Unlock()
	if ch != nil {
		ch.Leave()
	}
}

// Close leaves every room.
func (c *Client) Close() {
	c.mu.Lock()
	chans := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch.Leave()
		}()
	}
	wg.Wait()
}

func (c *Client) forget(ch *Channel) {
	<-ch.Done()
	c.mu.Lock()
	if c.channels[ch.roomID] == ch {
		delete(c.channels, ch.roomID)
	}
	c.mu.Unlock()
}
