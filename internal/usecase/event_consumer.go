package usecase

import (
	"errors"
	"fmt"

	"livenote/internal/domain"
	"livenote/internal/note"
	"livenote/internal/risk"
)

// consumeChannelEvents is the single consumer applying inbound events to one session.
func (c *SessionController) consumeChannelEvents(active *activeSession) {
	defer close(active.eventsDone)

	for event := range active.channel.Events() {
		c.applyEvent(active, event)
	}
}

func (c *SessionController) applyEvent(active *activeSession, event domain.ChannelEvent) {
	active.applyMu.Lock()
	defer active.applyMu.Unlock()

	if active.getState() == domain.SessionStateEnded {
		c.metrics.RecordLateEvent()
		c.logger.Info("discarding event for ended session",
			"session_id", active.id,
			"kind", event.Kind,
			"segment_id", event.Segment.ID,
			"alert_id", event.Alert.ID,
		)
		return
	}

	switch event.Kind {
	case domain.ChannelEventTranscript:
		c.applySegment(active, event.Segment)
	case domain.ChannelEventRiskAlert:
		c.applyBackendAlert(active, event.Alert)
	}
}

func (c *SessionController) applySegment(active *activeSession, segment domain.TranscriptSegment) {
	stored, err := active.store.Insert(segment)
	if err != nil {
		c.metrics.RecordInvalidSegment()
		c.logger.Warn("rejected transcript segment", "session_id", active.id, "error", err)
		return
	}
	c.metrics.RecordSegment(stored)
	if !stored {
		return
	}
	c.events.SegmentStored(segment)

	if alerts := active.monitor.Scan(segment); len(alerts) > 0 {
		for _, alert := range alerts {
			c.metrics.RecordAlert(string(alert.Severity), string(alert.Source))
		}
		c.events.RiskAlertsRaised(alerts, active.monitor.GateClosed())
	}

	outcome := active.notes.Ingest(segment)
	switch {
	case outcome.Assigned:
		c.events.SectionUpdated(outcome.Section)
	case outcome.Suppressed:
		c.metrics.RecordSegmentHeld(string(note.HeldSuppressed))
		c.logger.Debug("automatic write suppressed by manual edit",
			"session_id", active.id, "segment_id", segment.ID, "section", outcome.Key)
	default:
		c.metrics.RecordSegmentHeld(string(note.HeldUnclassified))
		c.events.SessionError(domain.ErrorCodeClassificationSkip,
			fmt.Sprintf("segment %s held for manual assignment", segment.ID))
	}
}

func (c *SessionController) applyBackendAlert(active *activeSession, alert domain.RiskAlert) {
	recorded, err := active.monitor.Record(alert)
	if errors.Is(err, risk.ErrDuplicateAlert) {
		return
	}
	if err != nil {
		c.logger.Warn("rejected backend risk alert", "session_id", active.id, "error", err)
		return
	}
	c.metrics.RecordAlert(string(recorded.Severity), string(recorded.Source))
	c.events.RiskAlertsRaised([]domain.RiskAlert{recorded}, active.monitor.GateClosed())
}

// consumeChannelSignals maps transport health onto session state.
func (c *SessionController) consumeChannelSignals(active *activeSession) {
	defer close(active.signalsDone)

	for signal := range active.channel.Signals() {
		if active.getState() == domain.SessionStateEnded {
			continue
		}
		switch signal.Kind {
		case domain.ChannelSignalDegraded:
			active.setDegraded(true)
			c.events.SessionError(domain.ErrorCodeTransportDegraded,
				fmt.Sprintf("chunk %d.%d undelivered after retries; %d chunks queued", signal.Epoch, signal.Sequence, signal.Backlog))
		case domain.ChannelSignalRecovered:
			active.setDegraded(false)
			c.logger.Info("transport recovered", "session_id", active.id, "backlog", signal.Backlog)
		case domain.ChannelSignalReconnecting:
			c.logger.Warn("transport dropped, reconnecting", "session_id", active.id, "error", signal.Err)
		case domain.ChannelSignalReconnected:
			c.logger.Info("transport reconnected", "session_id", active.id, "backlog", signal.Backlog)
		case domain.ChannelSignalChunkDropped:
			c.events.SessionError(domain.ErrorCodeBacklogOverflow,
				fmt.Sprintf("dropped chunk %d.%d beyond backlog limit", signal.Epoch, signal.Sequence))
		case domain.ChannelSignalLost:
			detail := "transport could not be re-established"
			if signal.Err != nil {
				detail = fmt.Sprintf("%s: %v", detail, signal.Err)
			}
			c.fail(active, domain.ErrorCodeTransportLost, domain.SessionReasonTransportLost, detail)
		}
	}
}
