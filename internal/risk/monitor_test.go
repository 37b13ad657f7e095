package risk

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"livenote/internal/domain"
	"livenote/internal/rules"
)

func newTestMonitor() *Monitor {
	m := NewMonitor(rules.Default())
	n := 0
	m.newID = func() string {
		n++
		return fmt.Sprintf("alert-%d", n)
	}
	return m
}

func TestScanEmitsEveryMatchingAlert(t *testing.T) {
	t.Parallel()

	m := newTestMonitor()
	segment := domain.TranscriptSegment{
		ID:      "s9",
		StartMs: 9000,
		EndMs:   9800,
		Text:    "I feel hopeless, I want to die and I have been cutting myself",
	}

	alerts := m.Scan(segment)
	require.Len(t, alerts, 3)
	require.Equal(t, "suicidal_ideation", alerts[0].Type)
	require.Equal(t, domain.SeverityCritical, alerts[0].Severity)
	require.Equal(t, "self_harm", alerts[1].Type)
	require.Equal(t, "hopelessness", alerts[2].Type)
	for _, alert := range alerts {
		require.Equal(t, "s9", alert.SegmentID)
		require.Equal(t, int64(9000), alert.TimestampMs)
		require.Equal(t, "s9", alert.Batch)
		require.False(t, alert.Acknowledged)
	}
	require.True(t, m.GateClosed())
}

func TestScanWithoutMatchesRaisesNothing(t *testing.T) {
	t.Parallel()

	m := newTestMonitor()
	require.Empty(t, m.Scan(domain.TranscriptSegment{ID: "s1", Text: "Client reports feeling anxious"}))
	require.Empty(t, m.Alerts())
	require.False(t, m.GateClosed())
}

func TestGateClearsOnlyWhenEveryBlockingAlertIsAcknowledged(t *testing.T) {
	t.Parallel()

	m := newTestMonitor()
	alerts := m.Scan(domain.TranscriptSegment{ID: "s1", Text: "suicidal thoughts, and he hits me"})
	require.Len(t, alerts, 2)

	_, err := m.Acknowledge(alerts[0].ID)
	require.NoError(t, err)
	require.True(t, m.GateClosed())
	require.Len(t, m.Pending(), 1)

	_, err = m.Acknowledge(alerts[1].ID)
	require.NoError(t, err)
	require.False(t, m.GateClosed())
	require.Empty(t, m.Pending())
	require.Len(t, m.Alerts(), 2)
}

func TestLowSeverityDoesNotCloseGate(t *testing.T) {
	t.Parallel()

	m := newTestMonitor()
	alerts := m.Scan(domain.TranscriptSegment{ID: "s1", Text: "everything feels hopeless"})
	require.Len(t, alerts, 1)
	require.False(t, m.GateClosed())
}

func TestAcknowledgeIsMonotonic(t *testing.T) {
	t.Parallel()

	m := newTestMonitor()
	alerts := m.Scan(domain.TranscriptSegment{ID: "s1", Text: "I want to hurt myself"})
	id := alerts[0].ID

	_, err := m.SetAcknowledged(id, false)
	require.NoError(t, err, "clearing an unacknowledged alert is a no-op")

	acked, err := m.Acknowledge(id)
	require.NoError(t, err)
	require.True(t, acked.Acknowledged)

	_, err = m.Acknowledge(id)
	require.NoError(t, err)

	_, err = m.SetAcknowledged(id, false)
	require.ErrorIs(t, err, ErrIrreversible)
	require.True(t, m.Alerts()[0].Acknowledged)

	_, err = m.Acknowledge("nope")
	require.ErrorIs(t, err, ErrUnknownAlert)
}

func TestRecordDeduplicatesBackendAlerts(t *testing.T) {
	t.Parallel()

	m := newTestMonitor()
	recorded, err := m.Record(domain.RiskAlert{ID: "b1", Type: "self_harm", Severity: domain.SeverityHigh, Acknowledged: true})
	require.NoError(t, err)
	require.False(t, recorded.Acknowledged)
	require.Equal(t, domain.AlertSourceBackend, recorded.Source)

	_, err = m.Record(domain.RiskAlert{ID: "b1", Type: "self_harm", Severity: domain.SeverityHigh})
	require.ErrorIs(t, err, ErrDuplicateAlert)

	_, err = m.Record(domain.RiskAlert{ID: "b2", Severity: "severe"})
	require.Error(t, err)

	require.Len(t, m.Alerts(), 1)
	require.True(t, m.GateClosed())
}

func TestPendingOrdersCriticalFirst(t *testing.T) {
	t.Parallel()

	m := newTestMonitor()
	_, _ = m.Record(domain.RiskAlert{ID: "h1", Severity: domain.SeverityHigh})
	_, _ = m.Record(domain.RiskAlert{ID: "c1", Severity: domain.SeverityCritical})
	_, _ = m.Record(domain.RiskAlert{ID: "m1", Severity: domain.SeverityMedium})

	pending := m.Pending()
	require.Len(t, pending, 2)
	require.Equal(t, "c1", pending[0].ID)
	require.Equal(t, "h1", pending[1].ID)
}
