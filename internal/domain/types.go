package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionState models the live clinical session lifecycle.
type SessionState string

const (
	SessionStateIdle      SessionState = "idle"
	SessionStateRecording SessionState = "recording"
	SessionStatePaused    SessionState = "paused"
	SessionStateEnded     SessionState = "ended"
	SessionStateError     SessionState = "error"
)

// Terminal reports whether no further audio is produced in this state.
func (s SessionState) Terminal() bool {
	return s == SessionStateEnded || s == SessionStateError
}

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonSessionStarted  SessionStateReason = "session_started"
	SessionReasonSessionPaused   SessionStateReason = "session_paused"
	SessionReasonSessionResumed  SessionStateReason = "session_resumed"
	SessionReasonSessionEnded    SessionStateReason = "session_ended"
	SessionReasonSessionArchived SessionStateReason = "session_archived"
	SessionReasonArchiveFailed   SessionStateReason = "archive_failed"
	SessionReasonEndedAfterError SessionStateReason = "ended_after_error"
	SessionReasonCaptureFailed   SessionStateReason = "capture_failed"
	SessionReasonTransportLost   SessionStateReason = "transport_lost"
)

// ErrorCode identifies non-fatal and fatal engine errors.
type ErrorCode string

const (
	ErrorCodeStartup                ErrorCode = "startup"
	ErrorCodeCaptureFailure         ErrorCode = "capture_failure"
	ErrorCodeTransportDegraded      ErrorCode = "transport_degraded"
	ErrorCodeTransportLost          ErrorCode = "transport_lost"
	ErrorCodeClassificationSkip     ErrorCode = "classification_skip"
	ErrorCodeExternalServiceFailure ErrorCode = "external_service_failure"
	ErrorCodeBacklogOverflow        ErrorCode = "backlog_overflow"
	ErrorCodeArchive                ErrorCode = "archive"
)

// TemplateKind names a structured note layout.
type TemplateKind string

const (
	TemplateSOAP TemplateKind = "SOAP"
	TemplateDAP  TemplateKind = "DAP"
	TemplateBIRP TemplateKind = "BIRP"
	TemplateGIRP TemplateKind = "GIRP"
)

// ParseTemplateKind accepts template names case-insensitively.
func ParseTemplateKind(value string) (TemplateKind, error) {
	kind := TemplateKind(strings.ToUpper(strings.TrimSpace(value)))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown note template %q", value)
	}
	return kind, nil
}

func (k TemplateKind) Valid() bool {
	switch k {
	case TemplateSOAP, TemplateDAP, TemplateBIRP, TemplateGIRP:
		return true
	default:
		return false
	}
}

// SectionKey identifies one section of a note template.
type SectionKey string

const (
	SectionSubjective   SectionKey = "subjective"
	SectionObjective    SectionKey = "objective"
	SectionAssessment   SectionKey = "assessment"
	SectionPlan         SectionKey = "plan"
	SectionData         SectionKey = "data"
	SectionBehavior     SectionKey = "behavior"
	SectionIntervention SectionKey = "intervention"
	SectionResponse     SectionKey = "response"
	SectionGoals        SectionKey = "goals"
	SectionUnmapped     SectionKey = "unmapped"
)

// NoteRole is the template-independent result of classifying a segment.
type NoteRole string

const (
	RoleSubjective NoteRole = "subjective"
	RoleObjective  NoteRole = "objective"
)

func (r NoteRole) Valid() bool {
	return r == RoleSubjective || r == RoleObjective
}

// TranscriptSegment is a timed, attributed slice of transcribed speech.
type TranscriptSegment struct {
	ID           string  `json:"id"`
	StartMs      int64   `json:"startMs"`
	EndMs        int64   `json:"endMs"`
	SpeakerLabel string  `json:"speakerLabel,omitempty"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
}

var ErrInvalidSegment = errors.New("invalid transcript segment")

// Validate checks the segment invariants required before storage.
func (s TranscriptSegment) Validate() error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidSegment)
	case s.StartMs < 0:
		return fmt.Errorf("%w: %s starts before session start", ErrInvalidSegment, s.ID)
	case s.EndMs < s.StartMs:
		return fmt.Errorf("%w: %s ends (%d) before it starts (%d)", ErrInvalidSegment, s.ID, s.EndMs, s.StartMs)
	case s.Confidence < 0 || s.Confidence > 1:
		return fmt.Errorf("%w: %s confidence %.3f outside [0,1]", ErrInvalidSegment, s.ID, s.Confidence)
	}
	return nil
}

// AudioChunk is one fixed-interval slice of captured audio.
type AudioChunk struct {
	Epoch        uint32 `json:"epoch"`
	Sequence     uint64 `json:"sequence"`
	Payload      []byte `json:"-"`
	CapturedAtMs int64  `json:"capturedAtMs"`
	Final        bool   `json:"final"`
}

// Evidence links note content back to the segment that justified it.
type Evidence struct {
	SegmentID   string `json:"segmentId"`
	TimestampMs int64  `json:"timestamp"`
}

// IssueKind classifies entries in a section's issue list.
type IssueKind string

const (
	IssueQuality        IssueKind = "quality"
	IssueServiceFailure IssueKind = "external_service_failure"
	IssueStaleResult    IssueKind = "stale_result"
)

// Issue is a classifier or note-quality finding attached to a section.
type Issue struct {
	Kind               IssueKind `json:"kind"`
	Message            string    `json:"message"`
	PriorContentLength int       `json:"priorContentLength"`
}

// NoteSection is one named part of a structured clinical note.
type NoteSection struct {
	Key            SectionKey `json:"key"`
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	Issues         []Issue    `json:"issues"`
	Evidence       []Evidence `json:"evidence"`
	ManuallyEdited bool       `json:"manuallyEdited"`
}

// Clone returns a deep copy safe to hand to read models.
func (s NoteSection) Clone() NoteSection {
	out := s
	out.Issues = append([]Issue(nil), s.Issues...)
	out.Evidence = append([]Evidence(nil), s.Evidence...)
	return out
}

// Severity orders risk alerts: critical > high > medium > low.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity accepts severity names case-insensitively.
func ParseSeverity(value string) (Severity, error) {
	severity := Severity(strings.ToLower(strings.TrimSpace(value)))
	if severity.Rank() == 0 {
		return "", fmt.Errorf("unknown risk severity %q", value)
	}
	return severity, nil
}

// Rank returns 1..4 for known severities and 0 otherwise.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Blocking reports whether unacknowledged alerts of this severity gate the session.
func (s Severity) Blocking() bool {
	return s.Rank() >= SeverityHigh.Rank()
}

// AlertSource records where a risk alert came from.
type AlertSource string

const (
	AlertSourceMonitor AlertSource = "monitor"
	AlertSourceBackend AlertSource = "backend"
)

// RiskAlert is an immutable safety signal; only Acknowledged ever changes.
type RiskAlert struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Severity     Severity    `json:"severity"`
	Evidence     string      `json:"evidence"`
	SegmentID    string      `json:"segmentId,omitempty"`
	TimestampMs  int64       `json:"timestamp"`
	Acknowledged bool        `json:"acknowledged"`
	Source       AlertSource `json:"source"`
	Batch        string      `json:"batch,omitempty"`
}

// ControlKind is a session lifecycle message sent over the channel.
type ControlKind string

const (
	ControlPause  ControlKind = "pause"
	ControlResume ControlKind = "resume"
)

// ChannelEventKind distinguishes inbound session channel events.
type ChannelEventKind string

const (
	ChannelEventTranscript ChannelEventKind = "transcript"
	ChannelEventRiskAlert  ChannelEventKind = "risk_alert"
)

// ChannelEvent is one inbound event delivered by the session channel.
type ChannelEvent struct {
	Kind       ChannelEventKind
	Segment    TranscriptSegment
	Alert      RiskAlert
	ReceivedAt time.Time
}

// ChannelSignalKind identifies transport health notifications.
type ChannelSignalKind string

const (
	ChannelSignalDegraded     ChannelSignalKind = "degraded"
	ChannelSignalRecovered    ChannelSignalKind = "recovered"
	ChannelSignalReconnecting ChannelSignalKind = "reconnecting"
	ChannelSignalReconnected  ChannelSignalKind = "reconnected"
	ChannelSignalLost         ChannelSignalKind = "lost"
	ChannelSignalChunkDropped ChannelSignalKind = "chunk_dropped"
)

// ChannelSignal reports a transport condition to the session controller.
type ChannelSignal struct {
	Kind     ChannelSignalKind
	Epoch    uint32
	Sequence uint64
	Backlog  int
	Err      error
}

// SeekResult pairs a requested audio offset with the transcript segment nearest to it.
type SeekResult struct {
	RequestedMs int64             `json:"requestedMs"`
	Segment     TranscriptSegment `json:"segment"`
	Found       bool              `json:"found"`
}

// Status summarizes the current runtime status.
type Status struct {
	SessionID     string       `json:"sessionId,omitempty"`
	State         SessionState `json:"state"`
	Template      TemplateKind `json:"template,omitempty"`
	StartedAt     time.Time    `json:"startedAt,omitempty"`
	Active        bool         `json:"active"`
	Degraded      bool         `json:"degraded"`
	Backlog       int          `json:"backlog"`
	PendingAlerts int          `json:"pendingAlerts"`
	Message       string       `json:"message,omitempty"`
}

// SessionExport is the final read model handed to collaborators after a session ends.
type SessionExport struct {
	SessionID string              `json:"sessionId"`
	Template  TemplateKind        `json:"template"`
	State     SessionState        `json:"state"`
	StartedAt time.Time           `json:"startedAt"`
	EndedAt   time.Time           `json:"endedAt"`
	Sections  []NoteSection       `json:"sections"`
	Segments  []TranscriptSegment `json:"segments"`
	Alerts    []RiskAlert         `json:"alerts"`
}
