package usecase

import (
	"context"
	"errors"
	"fmt"

	"livenote/internal/domain"
	"livenote/internal/note"
)

// Acknowledge marks one risk alert acknowledged. The gate stays closed until every
// unacknowledged high or critical alert is acknowledged.
func (c *SessionController) Acknowledge(alertID string) (domain.RiskAlert, error) {
	active, err := c.mutableSession()
	if err != nil {
		return domain.RiskAlert{}, err
	}
	active.applyMu.Lock()
	defer active.applyMu.Unlock()

	alert, err := active.monitor.Acknowledge(alertID)
	if err != nil {
		return domain.RiskAlert{}, err
	}
	c.metrics.RecordAlertAcknowledged()
	c.events.RiskAlertAcknowledged(alert, active.monitor.GateClosed())
	return alert, nil
}

// EditSection replaces section content by hand and suppresses automatic writes to it.
func (c *SessionController) EditSection(key domain.SectionKey, content string) (domain.NoteSection, error) {
	active, err := c.mutableSession()
	if err != nil {
		return domain.NoteSection{}, err
	}
	active.applyMu.Lock()
	defer active.applyMu.Unlock()

	section, err := active.notes.Edit(key, content)
	if err != nil {
		return domain.NoteSection{}, err
	}
	c.events.SectionUpdated(section)
	return section, nil
}

// EnableAutomatic clears manual-edit suppression for a section.
func (c *SessionController) EnableAutomatic(key domain.SectionKey) (domain.NoteSection, error) {
	active, err := c.mutableSession()
	if err != nil {
		return domain.NoteSection{}, err
	}
	active.applyMu.Lock()
	defer active.applyMu.Unlock()

	section, err := active.notes.EnableAutomatic(key)
	if err != nil {
		return domain.NoteSection{}, err
	}
	c.events.SectionUpdated(section)
	return section, nil
}

// AssignSegment places a stored segment into a section by hand.
func (c *SessionController) AssignSegment(segmentID string, key domain.SectionKey) (domain.NoteSection, error) {
	active, err := c.mutableSession()
	if err != nil {
		return domain.NoteSection{}, err
	}
	active.applyMu.Lock()
	defer active.applyMu.Unlock()

	segment, ok := active.store.Get(segmentID)
	if !ok {
		return domain.NoteSection{}, fmt.Errorf("%w: %s", ErrUnknownSegment, segmentID)
	}
	section, err := active.notes.Assign(segment, key)
	if err != nil {
		return domain.NoteSection{}, err
	}
	c.events.SectionUpdated(section)
	return section, nil
}

// SwitchTemplate remaps the note onto another template.
func (c *SessionController) SwitchTemplate(kind domain.TemplateKind) ([]domain.NoteSection, error) {
	active, err := c.mutableSession()
	if err != nil {
		return nil, err
	}
	active.applyMu.Lock()
	defer active.applyMu.Unlock()

	sections, err := active.notes.SwitchTemplate(kind)
	if err != nil {
		return nil, err
	}
	for _, section := range sections {
		c.events.SectionUpdated(section)
	}
	c.logger.Info("note template switched", "session_id", active.id, "template", kind)
	return sections, nil
}

// NormalizeSection rewrites a section in an objective register via the note-quality service.
func (c *SessionController) NormalizeSection(ctx context.Context, key domain.SectionKey) (domain.NoteSection, error) {
	return c.rewriteSection(ctx, key, "normalize", func(active *activeSession) (domain.NoteSection, error) {
		return active.notes.Normalize(ctx, key)
	})
}

// CondenseSection shortens a section via the note-quality service.
func (c *SessionController) CondenseSection(ctx context.Context, key domain.SectionKey) (domain.NoteSection, error) {
	return c.rewriteSection(ctx, key, "condense", func(active *activeSession) (domain.NoteSection, error) {
		return active.notes.Condense(ctx, key)
	})
}

// rewriteSection runs outside applyMu; the assembler rejects results for sections
// that changed while the call was in flight.
func (c *SessionController) rewriteSection(
	ctx context.Context,
	key domain.SectionKey,
	operation string,
	call func(*activeSession) (domain.NoteSection, error),
) (domain.NoteSection, error) {
	active, err := c.mutableSession()
	if err != nil {
		return domain.NoteSection{}, err
	}

	section, err := call(active)
	if err == nil {
		c.events.SectionUpdated(section)
		return section, nil
	}
	if errors.Is(err, note.ErrServiceFailure) || errors.Is(err, note.ErrSectionChanged) {
		c.events.SessionError(domain.ErrorCodeExternalServiceFailure, err.Error())
		if current, sectionErr := active.notes.Section(key); sectionErr == nil {
			c.events.SectionUpdated(current)
		}
	}
	c.logger.Warn("section rewrite failed", "session_id", active.id, "operation", operation, "section", key, "error", err)
	return domain.NoteSection{}, err
}

// Sections returns the note in template order.
func (c *SessionController) Sections() ([]domain.NoteSection, error) {
	active, err := c.getCurrent()
	if err != nil {
		return nil, err
	}
	return active.notes.Sections(), nil
}

// Transcript returns stored segments overlapping [fromMs, toMs], ordered by start.
func (c *SessionController) Transcript(fromMs, toMs int64) ([]domain.TranscriptSegment, error) {
	active, err := c.getCurrent()
	if err != nil {
		return nil, err
	}
	return active.store.Range(fromMs, toMs), nil
}

// Alerts returns the full alert log in arrival order.
func (c *SessionController) Alerts() ([]domain.RiskAlert, error) {
	active, err := c.getCurrent()
	if err != nil {
		return nil, err
	}
	return active.monitor.Alerts(), nil
}

// PendingAlerts returns the alerts currently holding the gate closed.
func (c *SessionController) PendingAlerts() ([]domain.RiskAlert, error) {
	active, err := c.getCurrent()
	if err != nil {
		return nil, err
	}
	return active.monitor.Pending(), nil
}

// Held returns segments waiting for manual assignment.
func (c *SessionController) Held() ([]note.HeldSegment, error) {
	active, err := c.getCurrent()
	if err != nil {
		return nil, err
	}
	return active.notes.Held(), nil
}

// mutableSession returns the current session unless it has already been exported.
func (c *SessionController) mutableSession() (*activeSession, error) {
	active, err := c.getCurrent()
	if err != nil {
		return nil, err
	}
	if active.getState() == domain.SessionStateEnded {
		return nil, ErrSessionEnded
	}
	return active, nil
}
