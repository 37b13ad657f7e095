package note

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"livenote/internal/domain"
	"livenote/internal/ports"
	"livenote/internal/rules"
)

type fakeQuality struct {
	normalize  ports.NormalizeResult
	condensed  string
	err        error
	calls      int
	beforeDone func()
}

func (f *fakeQuality) Normalize(_ context.Context, _ string) (ports.NormalizeResult, error) {
	f.calls++
	if f.beforeDone != nil {
		f.beforeDone()
	}
	return f.normalize, f.err
}

func (f *fakeQuality) Condense(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.beforeDone != nil {
		f.beforeDone()
	}
	return f.condensed, f.err
}

var (
	s1 = domain.TranscriptSegment{ID: "s1", StartMs: 1000, EndMs: 3000, Text: "Client reports feeling anxious", Confidence: 0.9}
	s2 = domain.TranscriptSegment{ID: "s2", StartMs: 4000, EndMs: 4000, Text: "Therapist observed client fidgeting", Confidence: 0.9}
	s3 = domain.TranscriptSegment{ID: "s3", StartMs: 5000, EndMs: 5500, Text: "Let's talk about next week", Confidence: 0.8}
)

func newSOAP(t *testing.T, quality ports.NoteQualityService) *Assembler {
	t.Helper()
	a, err := NewAssembler(domain.TemplateSOAP, rules.Default(), quality)
	require.NoError(t, err)
	return a
}

func TestIngestPlacesSubjectiveAndObjective(t *testing.T) {
	t.Parallel()

	a := newSOAP(t, nil)

	out := a.Ingest(s1)
	require.True(t, out.Assigned)
	require.Equal(t, domain.SectionSubjective, out.Key)
	require.Equal(t, []domain.Evidence{{SegmentID: "s1", TimestampMs: 1000}}, out.Section.Evidence)
	require.Equal(t, "• Client Client reports feeling anxious", out.Section.Content)

	out = a.Ingest(s2)
	require.True(t, out.Assigned)
	require.Equal(t, domain.SectionObjective, out.Key)
	require.Equal(t, []domain.Evidence{{SegmentID: "s2", TimestampMs: 4000}}, out.Section.Evidence)
	require.Equal(t, "• Clinician observed: Therapist observed client fidgeting", out.Section.Content)
}

func TestIngestHoldsUnclassifiedSegments(t *testing.T) {
	t.Parallel()

	a := newSOAP(t, nil)
	out := a.Ingest(s3)
	require.False(t, out.Assigned)
	require.Empty(t, out.Key)

	held := a.Held()
	require.Len(t, held, 1)
	require.Equal(t, "s3", held[0].Segment.ID)
	require.Equal(t, HeldUnclassified, held[0].Reason)

	for _, section := range a.Sections() {
		require.Empty(t, section.Content)
	}
}

func TestAppendOnlyNeverRewritesEarlierLines(t *testing.T) {
	t.Parallel()

	a := newSOAP(t, nil)
	a.Ingest(s1)
	more := domain.TranscriptSegment{ID: "s4", StartMs: 6000, EndMs: 6500, Text: "She states sleep is better"}
	a.Ingest(more)

	section, err := a.Section(domain.SectionSubjective)
	require.NoError(t, err)
	require.Equal(t, "• Client Client reports feeling anxious\n• Client She states sleep is better", section.Content)
	require.Len(t, section.Evidence, 2)
}

func TestManualEditSuppressesAutomaticWrites(t *testing.T) {
	t.Parallel()

	a := newSOAP(t, nil)
	a.Ingest(s1)

	_, err := a.Edit(domain.SectionSubjective, "Client anxious about work.")
	require.NoError(t, err)

	later := domain.TranscriptSegment{ID: "s5", StartMs: 7000, EndMs: 7200, Text: "Client reports trouble sleeping"}
	out := a.Ingest(later)
	require.True(t, out.Suppressed)
	require.False(t, out.Assigned)

	appended, err := a.AppendEvidence(domain.SectionSubjective, later)
	require.NoError(t, err)
	require.False(t, appended)

	section, _ := a.Section(domain.SectionSubjective)
	require.Equal(t, "Client anxious about work.", section.Content)
	require.True(t, section.ManuallyEdited)

	held := a.Held()
	require.Len(t, held, 1)
	require.Equal(t, HeldSuppressed, held[0].Reason)
	require.Equal(t, domain.SectionSubjective, held[0].Key)

	_, err = a.EnableAutomatic(domain.SectionSubjective)
	require.NoError(t, err)

	next := domain.TranscriptSegment{ID: "s6", StartMs: 8000, EndMs: 8200, Text: "Client feels hopeful"}
	out = a.Ingest(next)
	require.True(t, out.Assigned)
	require.Equal(t, "Client anxious about work.\n• Client Client feels hopeful", out.Section.Content)
}

func TestAssignHeldSegment(t *testing.T) {
	t.Parallel()

	a := newSOAP(t, nil)
	a.Ingest(s3)

	section, err := a.Assign(s3, domain.SectionPlan)
	require.NoError(t, err)
	require.Equal(t, "• Let's talk about next week", section.Content)
	require.Equal(t, []domain.Evidence{{SegmentID: "s3", TimestampMs: 5000}}, section.Evidence)
	require.Empty(t, a.Held())

	_, err = a.Assign(s3, domain.SectionAssessment)
	require.ErrorIs(t, err, ErrAlreadyAssigned)

	_, err = a.Assign(s1, domain.SectionData)
	require.ErrorIs(t, err, ErrUnknownSection)
}

func TestSwitchSOAPToDAPPreservesEvidence(t *testing.T) {
	t.Parallel()

	a := newSOAP(t, nil)
	a.Ingest(s2)
	a.Ingest(s1)
	_, err := a.Edit(domain.SectionPlan, "Follow up in two weeks")
	require.NoError(t, err)

	sections, err := a.SwitchTemplate(domain.TemplateDAP)
	require.NoError(t, err)
	require.Len(t, sections, 3)
	require.Equal(t, domain.TemplateDAP, a.Template())

	data := sections[0]
	require.Equal(t, domain.SectionData, data.Key)
	require.Equal(t, "Data", data.Title)
	require.Equal(t, []domain.Evidence{
		{SegmentID: "s1", TimestampMs: 1000},
		{SegmentID: "s2", TimestampMs: 4000},
	}, data.Evidence)
	require.Contains(t, data.Content, "Client reports feeling anxious")
	require.Contains(t, data.Content, "Therapist observed client fidgeting")
	require.False(t, data.ManuallyEdited)

	plan := sections[2]
	require.Equal(t, "Follow up in two weeks", plan.Content)
	require.True(t, plan.ManuallyEdited)

	key, ok := a.Classify(s1)
	require.True(t, ok)
	require.Equal(t, domain.SectionData, key)
}

func TestSwitchKeepsUnmappedContent(t *testing.T) {
	t.Parallel()

	a := newSOAP(t, nil)
	_, err := a.Edit(domain.SectionAssessment, "Generalized anxiety")
	require.NoError(t, err)

	sections, err := a.SwitchTemplate(domain.TemplateGIRP)
	require.NoError(t, err)

	last := sections[len(sections)-1]
	require.Equal(t, domain.SectionUnmapped, last.Key)
	require.Equal(t, "Generalized anxiety", last.Content)

	sections, err = a.SwitchTemplate(domain.TemplateSOAP)
	require.NoError(t, err)
	last = sections[len(sections)-1]
	require.Equal(t, domain.SectionUnmapped, last.Key)
	require.Equal(t, "Generalized anxiety", last.Content)

	_, err = a.SwitchTemplate("XYZ")
	require.Error(t, err)
}

func TestNormalizeRecordsQualityIssues(t *testing.T) {
	t.Parallel()

	quality := &fakeQuality{normalize: ports.NormalizeResult{
		Text:   "Client reported anxiety.",
		Issues: []string{"subjective phrasing removed"},
	}}
	a := newSOAP(t, quality)
	a.Ingest(s1)
	prior, _ := a.Section(domain.SectionSubjective)

	section, err := a.Normalize(context.Background(), domain.SectionSubjective)
	require.NoError(t, err)
	require.Equal(t, "Client reported anxiety.", section.Content)
	require.Equal(t, []domain.Issue{{
		Kind:               domain.IssueQuality,
		Message:            "subjective phrasing removed",
		PriorContentLength: len(prior.Content),
	}}, section.Issues)
	require.Len(t, section.Evidence, 1)
}

func TestCondenseFailureLeavesContentUnchanged(t *testing.T) {
	t.Parallel()

	quality := &fakeQuality{err: errors.New("503 service unavailable")}
	a := newSOAP(t, quality)
	a.Ingest(s2)
	prior, _ := a.Section(domain.SectionObjective)

	section, err := a.Condense(context.Background(), domain.SectionObjective)
	require.ErrorIs(t, err, ErrServiceFailure)
	require.Equal(t, prior.Content, section.Content)
	require.Len(t, section.Issues, 1)
	require.Equal(t, domain.IssueServiceFailure, section.Issues[0].Kind)
	require.Equal(t, len(prior.Content), section.Issues[0].PriorContentLength)
}

func TestNormalizeDiscardsStaleResult(t *testing.T) {
	t.Parallel()

	quality := &fakeQuality{normalize: ports.NormalizeResult{Text: "rewritten"}}
	a := newSOAP(t, quality)
	a.Ingest(s1)
	quality.beforeDone = func() {
		a.Ingest(domain.TranscriptSegment{ID: "late", StartMs: 9000, EndMs: 9100, Text: "Client states she is tired"})
	}

	section, err := a.Normalize(context.Background(), domain.SectionSubjective)
	require.ErrorIs(t, err, ErrSectionChanged)
	require.Contains(t, section.Content, "she is tired")
	require.Equal(t, domain.IssueStaleResult, section.Issues[0].Kind)
}

func TestNormalizeWithoutServiceOrContent(t *testing.T) {
	t.Parallel()

	a := newSOAP(t, nil)
	_, err := a.Normalize(context.Background(), domain.SectionSubjective)
	require.ErrorIs(t, err, ErrQualityUnconfigured)

	quality := &fakeQuality{}
	a = newSOAP(t, quality)
	_, err = a.Condense(context.Background(), domain.SectionPlan)
	require.NoError(t, err)
	require.Zero(t, quality.calls)
}
