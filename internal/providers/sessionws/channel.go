package sessionws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"livenote/internal/domain"
	"livenote/internal/metrics"
	"livenote/internal/ports"
)

// outbound is one queued message. Audio and control share the queue so the
// backend sees them in the order they were issued.
type outbound struct {
	audio       bool
	key         frameKey
	messageType int
	payload     []byte
}

type channel struct {
	cfg       Config
	sessionID string
	meta      ports.SessionMetadata
	dial      DialFunc
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	events  chan domain.ChannelEvent
	signals chan domain.ChannelSignal

	// sendMu keeps Close from finishing while a Send is still signalling.
	sendMu  sync.RWMutex
	queueMu sync.Mutex
	queue   []*outbound
	closed  bool
	wake    chan struct{}

	connMu    sync.Mutex
	conn      Conn
	gen       uint64
	connReady chan struct{}
	paused    bool

	writeMu   sync.Mutex
	reconnect chan uint64

	// degraded is owned by the write loop.
	degraded bool

	lostCh    chan struct{}
	drained   chan struct{}
	drainOnce sync.Once

	wg      sync.WaitGroup
	readers sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func newChannel(cfg Config, sessionID string, meta ports.SessionMetadata, dial DialFunc, logger *slog.Logger, m *metrics.Metrics) *channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &channel{
		cfg:       cfg,
		sessionID: sessionID,
		meta:      meta,
		dial:      dial,
		logger:    logger,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan domain.ChannelEvent, 256),
		signals:   make(chan domain.ChannelSignal, 64),
		wake:      make(chan struct{}, 1),
		connReady: make(chan struct{}),
		reconnect: make(chan uint64, 1),
		lostCh:    make(chan struct{}),
		drained:   make(chan struct{}),
	}
}

func (c *channel) run() {
	c.wg.Add(2)
	go c.writeLoop()
	go c.superviseLoop()
}

func (c *channel) Events() <-chan domain.ChannelEvent {
	return c.events
}

func (c *channel) Signals() <-chan domain.ChannelSignal {
	return c.signals
}

func (c *channel) Backlog() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// Send queues a chunk. When the backlog limit is reached the oldest queued audio is
// dropped and reported with a chunk_dropped signal.
func (c *channel) Send(chunk domain.AudioChunk) {
	item := &outbound{
		audio:       true,
		key:         frameKey{epoch: chunk.Epoch, sequence: chunk.Sequence},
		messageType: websocket.BinaryMessage,
		payload:     EncodeAudioFrame(chunk),
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	c.queueMu.Lock()
	if c.closed {
		c.queueMu.Unlock()
		c.logger.Warn("audio chunk after channel close", "epoch", chunk.Epoch, "sequence", chunk.Sequence)
		return
	}
	var dropped *outbound
	if len(c.queue) >= c.cfg.BacklogLimit {
		for i, queued := range c.queue {
			if queued.audio {
				dropped = queued
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
	}
	c.queue = append(c.queue, item)
	backlog := len(c.queue)
	c.queueMu.Unlock()

	c.metrics.SetBacklog(backlog)
	if dropped != nil {
		c.metrics.RecordChunkDropped()
		c.logger.Warn("backlog limit reached, dropped oldest audio chunk",
			"epoch", dropped.key.epoch, "sequence", dropped.key.sequence, "backlog", backlog)
		c.signal(domain.ChannelSignal{
			Kind:     domain.ChannelSignalChunkDropped,
			Epoch:    dropped.key.epoch,
			Sequence: dropped.key.sequence,
			Backlog:  backlog,
		})
	}
	c.notifyWriter()
}

// Control queues a pause or resume message behind any pending audio and returns once
// it is queued. Queued controls survive reconnects and are written in order.
func (c *channel) Control(ctx context.Context, kind domain.ControlKind) error {
	var messageType string
	switch kind {
	case domain.ControlPause:
		messageType = MessagePauseSession
	case domain.ControlResume:
		messageType = MessageResumeSession
	default:
		return fmt.Errorf("unsupported control %q", kind)
	}

	payload, err := json.Marshal(controlMessage{Type: messageType, SessionID: c.sessionID})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	item := &outbound{messageType: websocket.TextMessage, payload: payload}

	c.queueMu.Lock()
	select {
	case <-c.lostCh:
		c.queueMu.Unlock()
		return fmt.Errorf("%s: %w", messageType, ErrChannelClosed)
	default:
	}
	if c.closed {
		c.queueMu.Unlock()
		return ErrChannelClosed
	}
	c.connMu.Lock()
	c.paused = kind == domain.ControlPause
	c.connMu.Unlock()
	c.queue = append(c.queue, item)
	backlog := len(c.queue)
	c.queueMu.Unlock()
	c.metrics.SetBacklog(backlog)
	c.notifyWriter()
	return nil
}

// Close drains queued audio for up to DrainTimeout, sends END_SESSION once, and
// releases the transport. Repeated calls return the first result.
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.queueMu.Lock()
		c.closed = true
		c.queueMu.Unlock()
		c.sendMu.Unlock()
		c.notifyWriter()

		select {
		case <-c.drained:
		case <-c.lostCh:
		case <-time.After(c.cfg.DrainTimeout):
			c.logger.Warn("closing with undelivered audio", "backlog", c.Backlog())
		}

		c.cancel()
		c.wg.Wait()

		c.connMu.Lock()
		conn := c.conn
		c.conn = nil
		c.connMu.Unlock()

		if conn != nil {
			c.closeErr = c.sendEnd(conn)
			_ = conn.Close()
		} else {
			c.logger.Warn("no live connection to announce session end")
		}

		c.readers.Wait()
		c.metrics.SetBacklog(0)
		close(c.events)
		close(c.signals)
	})
	return c.closeErr
}

func (c *channel) sendEnd(conn Conn) error {
	payload, err := json.Marshal(controlMessage{Type: MessageEndSession, SessionID: c.sessionID})
	if err != nil {
		return err
	}
	if err := c.write(conn, websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to send end of session: %w", err)
	}
	_ = c.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
	return nil
}

func (c *channel) announce(conn Conn, resume bool) error {
	payload, err := c.startMessage(resume)
	if err != nil {
		return err
	}
	if err := c.write(conn, websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to announce session: %w", err)
	}
	return nil
}

func (c *channel) write(conn Conn, messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(messageType, payload)
}

// attach installs a freshly announced connection and starts its reader.
func (c *channel) attach(conn Conn) {
	c.connMu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	close(c.connReady)
	c.readers.Add(1)
	c.connMu.Unlock()

	go c.readLoop(conn, gen)
}

// connectionLost retires connection gen and asks the supervisor to reconnect.
func (c *channel) connectionLost(gen uint64, cause error) {
	c.connMu.Lock()
	if c.conn == nil || c.gen != gen {
		c.connMu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.connReady = make(chan struct{})
	c.connMu.Unlock()

	_ = conn.Close()
	if c.ctx.Err() != nil {
		return
	}
	c.logger.Warn("session transport dropped", "error", cause)
	select {
	case c.reconnect <- gen:
	default:
	}
}

func (c *channel) waitConn() (Conn, uint64, bool) {
	for {
		c.connMu.Lock()
		conn, gen, ready := c.conn, c.gen, c.connReady
		c.connMu.Unlock()
		if conn != nil {
			return conn, gen, true
		}

		select {
		case <-ready:
		case <-c.lostCh:
			return nil, 0, false
		case <-c.ctx.Done():
			return nil, 0, false
		}
	}
}

func (c *channel) writeLoop() {
	defer c.wg.Done()

	attempts := 0
	for {
		item, closed := c.peek()
		if item == nil {
			if closed {
				c.drainOnce.Do(func() { close(c.drained) })
			}
			select {
			case <-c.wake:
				continue
			case <-c.ctx.Done():
				return
			}
		}

		conn, gen, ok := c.waitConn()
		if !ok {
			return
		}

		err := c.write(conn, item.messageType, item.payload)
		if err == nil {
			attempts = 0
			c.pop(item)
			if item.audio {
				c.metrics.RecordChunkSent()
			}
			if c.degraded {
				c.degraded = false
				c.signal(domain.ChannelSignal{Kind: domain.ChannelSignalRecovered, Backlog: c.Backlog()})
			}
			continue
		}

		attempts++
		c.metrics.RecordChunkRetry()
		c.logger.Debug("outbound write failed", "attempt", attempts, "epoch", item.key.epoch, "sequence", item.key.sequence, "error", err)
		if attempts < c.cfg.SendAttempts {
			select {
			case <-time.After(c.cfg.RetryDelay):
				continue
			case <-c.ctx.Done():
				return
			}
		}

		attempts = 0
		if !c.degraded {
			c.degraded = true
			c.signal(domain.ChannelSignal{
				Kind:     domain.ChannelSignalDegraded,
				Epoch:    item.key.epoch,
				Sequence: item.key.sequence,
				Backlog:  c.Backlog(),
				Err:      err,
			})
		}
		c.connectionLost(gen, err)
	}
}

func (c *channel) peek() (*outbound, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return nil, c.closed
	}
	return c.queue[0], c.closed
}

// pop removes item if it is still at the head; Send may have dropped it meanwhile.
func (c *channel) pop(item *outbound) {
	c.queueMu.Lock()
	if len(c.queue) > 0 && c.queue[0] == item {
		c.queue[0] = nil
		c.queue = c.queue[1:]
	}
	backlog := len(c.queue)
	c.queueMu.Unlock()
	c.metrics.SetBacklog(backlog)
}

func (c *channel) notifyWriter() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *channel) superviseLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case gen := <-c.reconnect:
			c.signal(domain.ChannelSignal{Kind: domain.ChannelSignalReconnecting, Backlog: c.Backlog()})
			if err := c.redial(); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.logger.Error("session transport lost", "generation", gen, "error", err)
				close(c.lostCh)
				c.signal(domain.ChannelSignal{Kind: domain.ChannelSignalLost, Backlog: c.Backlog(), Err: err})
				return
			}
			c.logger.Info("session transport reconnected", "backlog", c.Backlog())
			c.signal(domain.ChannelSignal{Kind: domain.ChannelSignalReconnected, Backlog: c.Backlog()})
		}
	}
}

// redial reconnects with exponential backoff and re-announces the same session id.
func (c *channel) redial() error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectInitial
	policy.MaxInterval = c.cfg.ReconnectMax
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.ReconnectAttempts)), c.ctx)
	return backoff.RetryNotify(func() error {
		conn, err := c.dial(c.ctx)
		if err != nil {
			return err
		}
		if err := c.announce(conn, true); err != nil {
			_ = conn.Close()
			return err
		}
		c.attach(conn)
		return nil
	}, b, func(err error, wait time.Duration) {
		c.logger.Warn("reconnect attempt failed", "error", err, "retry_in", wait)
	})
}

func (c *channel) readLoop(conn Conn, gen uint64) {
	defer c.readers.Done()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil || isNormalClose(err) && c.isClosed() {
				return
			}
			c.connectionLost(gen, fmt.Errorf("failed to read session event: %w", err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, ok, err := decodeInbound(payload)
		if err != nil {
			var backendErr backendError
			if errors.As(err, &backendErr) {
				c.logger.Warn("session backend reported an error", "message", backendErr.message)
			} else {
				c.logger.Warn("dropping malformed session event", "error", err)
			}
			continue
		}
		if !ok {
			continue
		}
		event.ReceivedAt = time.Now()

		select {
		case c.events <- event:
		case <-c.ctx.Done():
			c.metrics.RecordLateEvent()
			c.logger.Warn("discarding session event received after close", "kind", event.Kind, "segment_id", event.Segment.ID, "alert_id", event.Alert.ID)
			return
		}
	}
}

func (c *channel) isClosed() bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.closed
}

func (c *channel) signal(s domain.ChannelSignal) {
	c.metrics.RecordChannelSignal(string(s.Kind))
	select {
	case c.signals <- s:
	case <-c.ctx.Done():
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
