package sessionws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"livenote/internal/metrics"
	"livenote/internal/ports"
)

var ErrChannelClosed = errors.New("session channel is closed")

// Conn is the subset of *websocket.Conn the channel uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens one transport connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Config controls the session websocket.
type Config struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// SendAttempts is the per-message write budget before TRANSPORT_DEGRADED.
	SendAttempts int
	RetryDelay   time.Duration
	// BacklogLimit bounds queued outbound messages; beyond it the oldest audio is dropped.
	BacklogLimit int

	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	// DrainTimeout bounds how long Close waits for queued audio before ending the session.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.BacklogLimit <= 0 {
		c.BacklogLimit = 300
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 10 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 8
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 3 * time.Second
	}
	return c
}

// Provider implements ports.ChannelOpener over a websocket backend.
type Provider struct {
	cfg     Config
	dial    DialFunc
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) {
		p.metrics = m
	}
}

// WithDialer replaces the websocket dialer, mainly for tests.
func WithDialer(dial DialFunc) Option {
	return func(p *Provider) {
		if dial != nil {
			p.dial = dial
		}
	}
}

func NewProvider(cfg Config, opts ...Option) *Provider {
	p := &Provider{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}
	p.dial = p.dialWebsocket
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open dials the backend and announces the session. The channel's lifetime is
// independent of ctx, which only bounds the initial dial.
func (p *Provider) Open(ctx context.Context, sessionID string, meta ports.SessionMetadata) (ports.SessionChannel, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("open session channel: empty session id")
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session channel: %w", err)
	}

	ch := newChannel(p.cfg, sessionID, meta, p.dial, p.logger.With("session_id", sessionID), p.metrics)
	if err := ch.announce(conn, false); err != nil {
		_ = conn.Close()
		ch.cancel()
		return nil, fmt.Errorf("open session channel: %w", err)
	}
	ch.attach(conn)
	ch.run()
	return ch, nil
}

func (p *Provider) dialWebsocket(ctx context.Context) (Conn, error) {
	if strings.TrimSpace(p.cfg.URL) == "" {
		return nil, errors.New("session backend URL is not configured")
	}

	headers := http.Header{}
	if p.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = p.cfg.HandshakeTimeout

	conn, resp, err := dialer.DialContext(ctx, toWebsocketURL(p.cfg.URL), headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session backend: %w", err)
	}
	return conn, nil
}

func toWebsocketURL(base string) string {
	base = strings.TrimSpace(base)
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func (c *channel) startMessage(resume bool) ([]byte, error) {
	c.connMu.Lock()
	paused := c.paused
	c.connMu.Unlock()

	return json.Marshal(controlMessage{
		Type:       MessageStartSession,
		SessionID:  c.sessionID,
		Template:   string(c.meta.Template),
		SampleRate: c.meta.SampleRate,
		Channels:   c.meta.Channels,
		Encoding:   c.meta.Encoding,
		Resume:     resume,
		Paused:     paused,
	})
}
