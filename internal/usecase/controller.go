package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"livenote/internal/audio"
	"livenote/internal/domain"
	"livenote/internal/metrics"
	"livenote/internal/note"
	"livenote/internal/ports"
	"livenote/internal/risk"
	"livenote/internal/rules"
	"livenote/internal/transcript"
)

var (
	ErrNoActiveSession   = errors.New("no active session")
	ErrSessionActive     = errors.New("a session is already recording")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrSessionEnded      = errors.New("session has ended")
	ErrUnknownSegment    = errors.New("unknown transcript segment")
)

const defaultEventDrainTimeout = 3 * time.Second

// Config controls live session behavior.
type Config struct {
	Audio         ports.AudioConfig
	ChunkInterval time.Duration
	Template      domain.TemplateKind
	Encoding      string
	Rules         *rules.Table
	// EventDrainTimeout bounds how long End waits for buffered inbound events.
	EventDrainTimeout time.Duration
}

// SessionController owns the live session lifecycle and is the sole writer of its state.
type SessionController struct {
	audio     ports.AudioCapture
	opener    ports.ChannelOpener
	quality   ports.NoteQualityService
	events    ports.EventSink
	finalizer sessionFinalizer
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	newID     func() string

	// opMu serializes lifecycle commands; mu guards current.
	opMu    sync.Mutex
	mu      sync.Mutex
	current *activeSession
}

type Option func(*SessionController)

func WithLogger(logger *slog.Logger) Option {
	return func(c *SessionController) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *SessionController) {
		c.metrics = m
	}
}

// WithSessionIDs overrides client-side session id generation.
func WithSessionIDs(next func() string) Option {
	return func(c *SessionController) {
		if next != nil {
			c.newID = next
		}
	}
}

func NewSessionController(
	capture ports.AudioCapture,
	opener ports.ChannelOpener,
	quality ports.NoteQualityService,
	archive ports.SessionArchive,
	events ports.EventSink,
	cfg Config,
	opts ...Option,
) *SessionController {
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = audio.DefaultChunkInterval
	}
	if !cfg.Template.Valid() {
		cfg.Template = domain.TemplateSOAP
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "pcm_s16le"
	}
	if cfg.Rules == nil {
		cfg.Rules = rules.Default()
	}
	if cfg.EventDrainTimeout <= 0 {
		cfg.EventDrainTimeout = defaultEventDrainTimeout
	}

	c := &SessionController{
		audio:     capture,
		opener:    opener,
		quality:   quality,
		events:    events,
		finalizer: newSessionFinalizer(archive, events),
		cfg:       cfg,
		logger:    slog.Default(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens a fresh session channel and capture and transitions to RECORDING.
// An empty template selects the configured default. On failure the controller stays IDLE.
func (c *SessionController) Start(ctx context.Context, template domain.TemplateKind) (domain.Status, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if template == "" {
		template = c.cfg.Template
	}

	if previous := c.getCurrentOrNil(); previous != nil {
		switch previous.getState() {
		case domain.SessionStateRecording, domain.SessionStatePaused:
			return domain.Status{}, ErrSessionActive
		case domain.SessionStateError:
			c.stopCapture(previous)
			c.releaseSession(previous)
			previous.cancel()
		}
		c.setCurrent(nil)
	}

	notes, err := note.NewAssembler(template, c.cfg.Rules, c.quality)
	if err != nil {
		return domain.Status{}, err
	}

	id := c.newID()
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	channel, err := c.opener.Open(ctx, id, ports.SessionMetadata{
		Template:   template,
		SampleRate: c.cfg.Audio.SampleRate,
		Channels:   c.cfg.Audio.Channels,
		Encoding:   c.cfg.Encoding,
	})
	if err != nil {
		cancel()
		c.events.SessionError(domain.ErrorCodeStartup, fmt.Sprintf("failed to open session channel: %v", err))
		return domain.Status{}, fmt.Errorf("open session channel: %w", err)
	}

	audioSession, err := c.audio.Start(sessionCtx, c.cfg.Audio)
	if err != nil {
		_ = channel.Close()
		cancel()
		c.events.SessionError(domain.ErrorCodeStartup, fmt.Sprintf("failed to start audio capture: %v", err))
		return domain.Status{}, fmt.Errorf("start audio capture: %w", err)
	}

	active := &activeSession{
		id:          id,
		startedAt:   time.Now(),
		ctx:         sessionCtx,
		cancel:      cancel,
		channel:     channel,
		store:       transcript.NewStore(),
		notes:       notes,
		monitor:     risk.NewMonitor(c.cfg.Rules),
		state:       domain.SessionStateRecording,
		eventsDone:  make(chan struct{}),
		signalsDone: make(chan struct{}),
	}
	c.setCurrent(active)

	go c.consumeChannelEvents(active)
	go c.consumeChannelSignals(active)
	c.startCapture(active, audioSession, 0, 0)

	c.logger.Info("session started", "session_id", id, "template", template)
	c.emitState(domain.SessionStateRecording, domain.SessionReasonSessionStarted)
	return c.Status(), nil
}

// Pause stops capture, flushing the partial chunk, and tells the backend. The channel
// stays open and in-flight events keep arriving.
func (c *SessionController) Pause(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	active, err := c.getCurrent()
	if err != nil {
		return err
	}
	if state := active.getState(); state != domain.SessionStateRecording {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, state)
	}

	c.stopCapture(active)
	if !active.transition(domain.SessionStateRecording, domain.SessionStatePaused) {
		return fmt.Errorf("%w: session failed while pausing", ErrInvalidTransition)
	}
	c.emitState(domain.SessionStatePaused, domain.SessionReasonSessionPaused)

	if err := active.channel.Control(ctx, domain.ControlPause); err != nil {
		c.logger.Warn("pause control message not queued", "session_id", active.id, "error", err)
	}
	return nil
}

// Resume restarts capture in a new chunk sequence space and returns to RECORDING.
func (c *SessionController) Resume(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	active, err := c.getCurrent()
	if err != nil {
		return err
	}
	if state := active.getState(); state != domain.SessionStatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, state)
	}

	if err := active.channel.Control(ctx, domain.ControlResume); err != nil {
		c.logger.Warn("resume control message not queued", "session_id", active.id, "error", err)
	}

	// Capture lives as long as the session, not this call.
	audioSession, err := c.audio.Start(active.ctx, c.cfg.Audio)
	if err != nil {
		if active.transition(domain.SessionStatePaused, domain.SessionStateError) {
			c.events.SessionError(domain.ErrorCodeCaptureFailure, fmt.Sprintf("failed to reacquire audio: %v", err))
			c.emitState(domain.SessionStateError, domain.SessionReasonCaptureFailed)
		}
		return fmt.Errorf("%w: %v", audio.ErrCaptureFailed, err)
	}

	active.stateMu.Lock()
	if active.state != domain.SessionStatePaused {
		active.stateMu.Unlock()
		_ = audioSession.Stop()
		return fmt.Errorf("%w: session failed while resuming", ErrInvalidTransition)
	}
	active.epoch++
	epoch, offset := active.epoch, active.offsetMs
	active.state = domain.SessionStateRecording
	active.stateMu.Unlock()

	c.startCapture(active, audioSession, epoch, offset)
	c.emitState(domain.SessionStateRecording, domain.SessionReasonSessionResumed)
	return nil
}

// End stops capture, closes the channel (sending end-of-session once) and transitions to
// ENDED. It is safe from any state: IDLE is a no-op and repeated calls return the same export.
func (c *SessionController) End(ctx context.Context) (domain.SessionExport, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	active := c.getCurrentOrNil()
	if active == nil {
		return domain.SessionExport{}, nil
	}
	if export, ok := active.exported(); ok {
		return export, nil
	}

	previous := active.getState()
	c.stopCapture(active)
	c.releaseSession(active)

	active.stateMu.Lock()
	active.state = domain.SessionStateEnded
	active.endedAt = time.Now()
	active.stateMu.Unlock()

	reason := domain.SessionReasonSessionEnded
	if previous == domain.SessionStateError {
		reason = domain.SessionReasonEndedAfterError
	}
	export, reason := c.finalizer.Finalize(ctx, active, reason)

	active.stateMu.Lock()
	active.export = &export
	active.stateMu.Unlock()
	active.cancel()

	c.metrics.RecordSessionEnded(export.EndedAt.Sub(export.StartedAt).Seconds())
	c.logger.Info("session ended",
		"session_id", active.id,
		"segments", len(export.Segments),
		"alerts", len(export.Alerts),
		"reason", reason,
	)
	c.emitState(domain.SessionStateEnded, reason)
	return export, nil
}

// Seek pairs an audio offset with the nearest stored segment. It never changes state.
func (c *SessionController) Seek(timestampMs int64) (domain.SeekResult, error) {
	active, err := c.getCurrent()
	if err != nil {
		return domain.SeekResult{}, err
	}
	segment, found := active.store.Nearest(timestampMs)
	return domain.SeekResult{RequestedMs: timestampMs, Segment: segment, Found: found}, nil
}

// Status returns the current runtime status.
func (c *SessionController) Status() domain.Status {
	active := c.getCurrentOrNil()
	if active == nil {
		return domain.Status{State: domain.SessionStateIdle}
	}

	active.stateMu.Lock()
	state, degraded := active.state, active.degraded
	active.stateMu.Unlock()

	return domain.Status{
		SessionID:     active.id,
		State:         state,
		Template:      active.notes.Template(),
		StartedAt:     active.startedAt,
		Active:        state == domain.SessionStateRecording || state == domain.SessionStatePaused,
		Degraded:      degraded,
		Backlog:       active.channel.Backlog(),
		PendingAlerts: len(active.monitor.Pending()),
	}
}

func (c *SessionController) startCapture(active *activeSession, source ports.AudioSession, epoch uint32, baseOffsetMs int64) {
	chunker := audio.NewChunker(source, audio.ChunkerConfig{
		Interval:       c.cfg.ChunkInterval,
		BytesPerSecond: c.cfg.Audio.BytesPerSecond(),
		Epoch:          epoch,
		BaseOffsetMs:   baseOffsetMs,
	})
	span := &captureSpan{chunker: chunker, pumpDone: make(chan struct{})}

	active.stateMu.Lock()
	active.span = span
	active.stateMu.Unlock()

	onFailure := func(err error) {
		c.fail(active, domain.ErrorCodeCaptureFailure, domain.SessionReasonCaptureFailed, err.Error())
	}
	go pumpAudioChunks(chunker, active.channel, c.metrics, onFailure, span.pumpDone)
}

// stopCapture flushes and waits for the current span, remembering where it ended.
func (c *SessionController) stopCapture(active *activeSession) {
	span := active.takeSpan()
	if span == nil {
		return
	}
	if err := span.chunker.Stop(); err != nil {
		c.logger.Debug("audio source stop reported an error", "session_id", active.id, "error", err)
	}
	<-span.pumpDone

	active.stateMu.Lock()
	active.offsetMs = span.chunker.EndOffsetMs()
	active.stateMu.Unlock()
}

// releaseSession closes the channel and waits, bounded, for its consumers to drain.
func (c *SessionController) releaseSession(active *activeSession) {
	if err := active.channel.Close(); err != nil {
		c.logger.Warn("session channel close failed", "session_id", active.id, "error", err)
	}

	timer := time.NewTimer(c.cfg.EventDrainTimeout)
	defer timer.Stop()
	for _, done := range []chan struct{}{active.eventsDone, active.signalsDone} {
		select {
		case <-done:
		case <-timer.C:
			c.logger.Warn("session consumers still draining", "session_id", active.id)
			return
		}
	}
}

// fail moves a non-terminal session to ERROR and halts chunk production. The channel
// and every read model stay intact.
func (c *SessionController) fail(active *activeSession, code domain.ErrorCode, reason domain.SessionStateReason, detail string) {
	active.stateMu.Lock()
	if active.state.Terminal() {
		active.stateMu.Unlock()
		return
	}
	active.state = domain.SessionStateError
	span := active.span
	active.stateMu.Unlock()

	c.logger.Error("session failed", "session_id", active.id, "code", code, "detail", detail)
	c.events.SessionError(code, detail)
	c.emitState(domain.SessionStateError, reason)

	if span != nil {
		_ = span.chunker.Stop()
	}
}

func (c *SessionController) emitState(state domain.SessionState, reason domain.SessionStateReason) {
	c.metrics.RecordStateTransition(string(state), string(reason))
	c.events.SessionStateChanged(state, reason)
}

func (c *SessionController) getCurrent() (*activeSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNoActiveSession
	}
	return c.current, nil
}

func (c *SessionController) getCurrentOrNil() *activeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *SessionController) setCurrent(active *activeSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = active
}
