package risk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"livenote/internal/domain"
	"livenote/internal/rules"
)

var (
	ErrUnknownAlert   = errors.New("unknown risk alert")
	ErrIrreversible   = errors.New("risk alert acknowledgment cannot be reversed")
	ErrDuplicateAlert = errors.New("risk alert already recorded")
)

// Scanner matches risk markers in segment text.
type Scanner interface {
	MatchRisks(text string) []rules.RiskMatch
}

// Monitor keeps the append-only alert log for one session.
// Alerts are never removed; only the acknowledged flag changes and only from false to true.
type Monitor struct {
	mu      sync.RWMutex
	scanner Scanner
	alerts  []domain.RiskAlert
	index   map[string]int
	newID   func() string
}

func NewMonitor(scanner Scanner) *Monitor {
	return &Monitor{
		scanner: scanner,
		index:   make(map[string]int),
		newID:   uuid.NewString,
	}
}

// Scan runs every risk rule against the segment and records one alert per match.
// All alerts from one segment share a batch id.
func (m *Monitor) Scan(segment domain.TranscriptSegment) []domain.RiskAlert {
	if m.scanner == nil {
		return nil
	}
	matches := m.scanner.MatchRisks(segment.Text)
	if len(matches) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	batch := segment.ID
	raised := make([]domain.RiskAlert, 0, len(matches))
	for _, match := range matches {
		alert := domain.RiskAlert{
			ID:          m.newID(),
			Type:        match.Type,
			Severity:    match.Severity,
			Evidence:    match.Span,
			SegmentID:   segment.ID,
			TimestampMs: segment.StartMs,
			Source:      domain.AlertSourceMonitor,
			Batch:       batch,
		}
		m.appendLocked(alert)
		raised = append(raised, alert)
	}
	return raised
}

// Record appends an externally raised alert. Redelivered ids are rejected with ErrDuplicateAlert.
func (m *Monitor) Record(alert domain.RiskAlert) (domain.RiskAlert, error) {
	if alert.Severity.Rank() == 0 {
		return domain.RiskAlert{}, fmt.Errorf("record alert %q: unknown severity %q", alert.ID, alert.Severity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if alert.ID == "" {
		alert.ID = m.newID()
	}
	if _, ok := m.index[alert.ID]; ok {
		return domain.RiskAlert{}, fmt.Errorf("record alert %q: %w", alert.ID, ErrDuplicateAlert)
	}
	if alert.Source == "" {
		alert.Source = domain.AlertSourceBackend
	}
	if alert.Batch == "" {
		alert.Batch = alert.ID
	}
	// Alerts enter unacknowledged regardless of what the sender claims.
	alert.Acknowledged = false
	m.appendLocked(alert)
	return alert, nil
}

// Acknowledge marks an alert acknowledged. Repeating it is a no-op.
func (m *Monitor) Acknowledge(id string) (domain.RiskAlert, error) {
	return m.SetAcknowledged(id, true)
}

// SetAcknowledged rejects any attempt to clear an acknowledgment.
func (m *Monitor) SetAcknowledged(id string, acknowledged bool) (domain.RiskAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.index[id]
	if !ok {
		return domain.RiskAlert{}, fmt.Errorf("acknowledge %q: %w", id, ErrUnknownAlert)
	}
	alert := m.alerts[pos]
	if !acknowledged {
		if alert.Acknowledged {
			return alert, fmt.Errorf("acknowledge %q: %w", id, ErrIrreversible)
		}
		return alert, nil
	}
	alert.Acknowledged = true
	m.alerts[pos] = alert
	return alert, nil
}

// Alerts returns the full audit trail in arrival order.
func (m *Monitor) Alerts() []domain.RiskAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.RiskAlert(nil), m.alerts...)
}

// Pending returns unacknowledged high and critical alerts, most severe first.
func (m *Monitor) Pending() []domain.RiskAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pending := lo.Filter(m.alerts, func(alert domain.RiskAlert, _ int) bool {
		return !alert.Acknowledged && alert.Severity.Blocking()
	})
	bySeverity := lo.GroupBy(pending, func(alert domain.RiskAlert) domain.Severity {
		return alert.Severity
	})
	return append(bySeverity[domain.SeverityCritical], bySeverity[domain.SeverityHigh]...)
}

// GateClosed reports whether normal flow must stay blocked.
func (m *Monitor) GateClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return lo.SomeBy(m.alerts, func(alert domain.RiskAlert) bool {
		return !alert.Acknowledged && alert.Severity.Blocking()
	})
}

func (m *Monitor) appendLocked(alert domain.RiskAlert) {
	m.index[alert.ID] = len(m.alerts)
	m.alerts = append(m.alerts, alert)
}
