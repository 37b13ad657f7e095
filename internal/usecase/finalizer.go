package usecase

import (
	"context"
	"fmt"

	"livenote/internal/domain"
	"livenote/internal/ports"
)

// sessionFinalizer builds the post-ENDED export and hands it to the archive.
type sessionFinalizer struct {
	archive ports.SessionArchive
	events  ports.EventSink
}

func newSessionFinalizer(archive ports.SessionArchive, events ports.EventSink) sessionFinalizer {
	return sessionFinalizer{archive: archive, events: events}
}

// Finalize returns the export and the terminal reason. Archive failures never fail the session.
func (f sessionFinalizer) Finalize(ctx context.Context, active *activeSession, reason domain.SessionStateReason) (domain.SessionExport, domain.SessionStateReason) {
	active.stateMu.Lock()
	endedAt := active.endedAt
	state := active.state
	active.stateMu.Unlock()

	export := domain.SessionExport{
		SessionID: active.id,
		Template:  active.notes.Template(),
		State:     state,
		StartedAt: active.startedAt,
		EndedAt:   endedAt,
		Sections:  active.notes.Sections(),
		Segments:  active.store.All(),
		Alerts:    active.monitor.Alerts(),
	}

	if f.archive == nil {
		return export, reason
	}
	if err := f.archive.Save(ctx, export); err != nil {
		f.events.SessionError(domain.ErrorCodeArchive, fmt.Sprintf("session ended but archive write failed: %v", err))
		return export, domain.SessionReasonArchiveFailed
	}
	if reason == domain.SessionReasonSessionEnded {
		reason = domain.SessionReasonSessionArchived
	}
	return export, reason
}
