package ports

import (
	"context"
	"io"

	"livenote/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// BytesPerSecond returns the PCM s16le byte rate for this capture configuration.
func (c AudioConfig) BytesPerSecond() int {
	rate, channels := c.SampleRate, c.Channels
	if rate <= 0 {
		rate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return rate * channels * 2
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// SessionMetadata is announced to the backend when a session channel opens.
type SessionMetadata struct {
	Template   domain.TemplateKind
	SampleRate int
	Channels   int
	Encoding   string
}

// SessionChannel is the duplex, ordered link to the transcription backend.
type SessionChannel interface {
	// Send queues a chunk for at-least-once delivery. It never blocks on the transport.
	Send(chunk domain.AudioChunk)
	// Control queues a lifecycle message in order with audio. Like Send, it does not
	// wait for the transport.
	Control(ctx context.Context, kind domain.ControlKind) error
	Events() <-chan domain.ChannelEvent
	Signals() <-chan domain.ChannelSignal
	Backlog() int
	// Close sends end-of-session and releases the transport. Safe to call repeatedly.
	Close() error
}

// ChannelOpener establishes session channels keyed by session id.
type ChannelOpener interface {
	Open(ctx context.Context, sessionID string, meta SessionMetadata) (SessionChannel, error)
}

// NormalizeResult is the note-quality service answer for a normalize call.
type NormalizeResult struct {
	Text   string
	Issues []string
}

// NoteQualityService rewrites note sections.
type NoteQualityService interface {
	Normalize(ctx context.Context, text string) (NormalizeResult, error)
	Condense(ctx context.Context, text string) (string, error)
}

// SessionArchive receives the final export of an ended session.
type SessionArchive interface {
	Save(ctx context.Context, export domain.SessionExport) error
}

// EventSink emits engine state and read-model updates to the presentation layer.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason)
	SegmentStored(segment domain.TranscriptSegment)
	SectionUpdated(section domain.NoteSection)
	RiskAlertsRaised(alerts []domain.RiskAlert, gateClosed bool)
	RiskAlertAcknowledged(alert domain.RiskAlert, gateClosed bool)
	SessionError(code domain.ErrorCode, detail string)
}
