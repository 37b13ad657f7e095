package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"livenote/internal/domain"
)

// event is one NDJSON line written for every controller notification.
type event struct {
	Event      string                    `json:"event"`
	At         time.Time                 `json:"at"`
	State      domain.SessionState       `json:"state,omitempty"`
	Reason     domain.SessionStateReason `json:"reason,omitempty"`
	Segment    *domain.TranscriptSegment `json:"segment,omitempty"`
	Section    *domain.NoteSection       `json:"section,omitempty"`
	Alerts     []domain.RiskAlert        `json:"alerts,omitempty"`
	GateClosed *bool                     `json:"gateClosed,omitempty"`
	Code       domain.ErrorCode          `json:"code,omitempty"`
	Message    string                    `json:"message,omitempty"`
}

type eventWriter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	logger *slog.Logger
	now    func() time.Time
}

func newEventWriter(out io.Writer, logger *slog.Logger) *eventWriter {
	return &eventWriter{enc: json.NewEncoder(out), logger: logger, now: time.Now}
}

func (w *eventWriter) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	w.logger.Info("session state changed", "state", state, "reason", reason)
	w.write(event{Event: "state", State: state, Reason: reason})
}

func (w *eventWriter) SegmentStored(segment domain.TranscriptSegment) {
	w.write(event{Event: "segment", Segment: &segment})
}

func (w *eventWriter) SectionUpdated(section domain.NoteSection) {
	w.write(event{Event: "section", Section: &section})
}

func (w *eventWriter) RiskAlertsRaised(alerts []domain.RiskAlert, gateClosed bool) {
	for _, alert := range alerts {
		w.logger.Warn("risk alert raised", "alert_id", alert.ID, "type", alert.Type, "severity", alert.Severity)
	}
	w.write(event{Event: "risk_alerts", Alerts: alerts, GateClosed: &gateClosed})
}

func (w *eventWriter) RiskAlertAcknowledged(alert domain.RiskAlert, gateClosed bool) {
	w.write(event{Event: "risk_ack", Alerts: []domain.RiskAlert{alert}, GateClosed: &gateClosed})
}

func (w *eventWriter) SessionError(code domain.ErrorCode, message string) {
	w.logger.Warn("session error", "code", code, "message", message)
	w.write(event{Event: "error", Code: code, Message: message})
}

func (w *eventWriter) reply(name string, payload any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(map[string]any{"event": name, "at": w.now(), "result": payload}); err != nil {
		w.logger.Error("failed to write reply", "error", err)
	}
}

func (w *eventWriter) write(e event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e.At = w.now()
	if err := w.enc.Encode(e); err != nil {
		w.logger.Error("failed to write event", "event", e.Event, "error", err)
	}
}
