package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"livenote/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "archive", "sessions.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleExport(id string, startedAt time.Time) domain.SessionExport {
	return domain.SessionExport{
		SessionID: id,
		Template:  domain.TemplateSOAP,
		State:     domain.SessionStateEnded,
		StartedAt: startedAt,
		EndedAt:   startedAt.Add(50 * time.Minute),
		Sections: []domain.NoteSection{
			{
				Key:      domain.SectionSubjective,
				Title:    "Subjective",
				Content:  "• Client reports poor sleep",
				Evidence: []domain.Evidence{{SegmentID: "s1", TimestampMs: 1000}},
				Issues:   []domain.Issue{{Kind: domain.IssueQuality, Message: "vague", PriorContentLength: 27}},
			},
			{Key: domain.SectionObjective, Title: "Objective", ManuallyEdited: true, Content: "edited"},
		},
		Segments: []domain.TranscriptSegment{
			{ID: "s2", StartMs: 4000, EndMs: 4500, Text: "Therapist observed client fidgeting", Confidence: 0.8},
			{ID: "s1", StartMs: 1000, EndMs: 2000, SpeakerLabel: "client", Text: "Client reports poor sleep", Confidence: 0.9},
		},
		Alerts: []domain.RiskAlert{
			{ID: "a1", Type: "self_harm", Severity: domain.SeverityHigh, Evidence: "hurt myself", SegmentID: "s1", TimestampMs: 1000, Source: domain.AlertSourceMonitor, Batch: "s1"},
		},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, sampleExport("sess-1", started)))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, domain.TemplateSOAP, loaded.Template)
	require.Equal(t, domain.SessionStateEnded, loaded.State)
	require.WithinDuration(t, started, loaded.StartedAt, time.Millisecond)

	require.Len(t, loaded.Segments, 2)
	require.Equal(t, "s1", loaded.Segments[0].ID)
	require.Equal(t, "client", loaded.Segments[0].SpeakerLabel)

	require.Len(t, loaded.Sections, 2)
	require.Equal(t, domain.SectionSubjective, loaded.Sections[0].Key)
	require.Equal(t, []domain.Evidence{{SegmentID: "s1", TimestampMs: 1000}}, loaded.Sections[0].Evidence)
	require.Equal(t, 27, loaded.Sections[0].Issues[0].PriorContentLength)
	require.True(t, loaded.Sections[1].ManuallyEdited)
	require.Empty(t, loaded.Sections[1].Evidence)

	require.Len(t, loaded.Alerts, 1)
	require.Equal(t, domain.SeverityHigh, loaded.Alerts[0].Severity)
	require.Equal(t, domain.AlertSourceMonitor, loaded.Alerts[0].Source)
}

func TestSaveReplacesEarlierCopy(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	export := sampleExport("sess-1", time.Now())
	require.NoError(t, store.Save(ctx, export))

	export.Alerts[0].Acknowledged = true
	export.Segments = export.Segments[:1]
	require.NoError(t, store.Save(ctx, export))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, loaded.Segments, 1)
	require.True(t, loaded.Alerts[0].Acknowledged)

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestSessionsListMostRecentFirst(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, sampleExport("morning", base)))
	require.NoError(t, store.Save(ctx, sampleExport("afternoon", base.Add(6*time.Hour))))

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "afternoon", sessions[0].ID)
	require.Equal(t, 2, sessions[0].Segments)
	require.Equal(t, 1, sessions[0].Alerts)
}

func TestLoadUnknownSession(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	_, err := store.Load(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRequiresSessionID(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	require.Error(t, store.Save(context.Background(), domain.SessionExport{}))
}
