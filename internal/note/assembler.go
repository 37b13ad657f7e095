package note

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"livenote/internal/domain"
	"livenote/internal/ports"
)

var (
	ErrUnknownSection      = errors.New("unknown note section")
	ErrAlreadyAssigned     = errors.New("segment already assigned to the note")
	ErrSectionChanged      = errors.New("section changed while the note-quality call was in flight")
	ErrServiceFailure      = errors.New("note-quality service failure")
	ErrQualityUnconfigured = errors.New("note-quality service is not configured")
)

// Classifier maps segment text to a template-independent note role.
type Classifier interface {
	ClassifyRole(text string) (domain.NoteRole, bool)
}

// HeldReason explains why a segment is not yet part of the note.
type HeldReason string

const (
	HeldUnclassified HeldReason = "unclassified"
	HeldSuppressed   HeldReason = "suppressed"
)

// HeldSegment is a segment waiting for manual assignment.
type HeldSegment struct {
	Segment domain.TranscriptSegment
	Reason  HeldReason
	Key     domain.SectionKey
}

// Outcome reports what Ingest did with a segment.
type Outcome struct {
	Key        domain.SectionKey
	Role       domain.NoteRole
	Assigned   bool
	Suppressed bool
	Section    domain.NoteSection
}

type sectionState struct {
	section  domain.NoteSection
	revision uint64
}

// Assembler incrementally builds a structured note from transcript segments.
// Automatic writes only ever append; manual edits suppress them per section.
type Assembler struct {
	mu         sync.Mutex
	template   domain.TemplateKind
	classifier Classifier
	quality    ports.NoteQualityService
	sections   map[domain.SectionKey]*sectionState
	held       []HeldSegment
	assigned   map[string]domain.SectionKey
}

func NewAssembler(template domain.TemplateKind, classifier Classifier, quality ports.NoteQualityService) (*Assembler, error) {
	if !template.Valid() {
		return nil, fmt.Errorf("new assembler: unknown template %q", template)
	}
	a := &Assembler{
		template:   template,
		classifier: classifier,
		quality:    quality,
		sections:   make(map[domain.SectionKey]*sectionState),
		assigned:   make(map[string]domain.SectionKey),
	}
	for _, key := range layouts[template].keys {
		a.sections[key] = &sectionState{section: newSection(template, key)}
	}
	return a, nil
}

func newSection(template domain.TemplateKind, key domain.SectionKey) domain.NoteSection {
	title := layouts[template].titles[key]
	if key == domain.SectionUnmapped {
		title = unmappedTitle
	}
	return domain.NoteSection{Key: key, Title: title}
}

func (a *Assembler) Template() domain.TemplateKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.template
}

// Classify is a pure function of the segment text and the current template.
func (a *Assembler) Classify(segment domain.TranscriptSegment) (domain.SectionKey, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key, _, ok := a.classifyLocked(segment)
	return key, ok
}

func (a *Assembler) classifyLocked(segment domain.TranscriptSegment) (domain.SectionKey, domain.NoteRole, bool) {
	if a.classifier == nil {
		return "", "", false
	}
	role, ok := a.classifier.ClassifyRole(segment.Text)
	if !ok {
		return "", "", false
	}
	key, ok := layouts[a.template].roles[role]
	return key, role, ok
}

// AppendEvidence appends the segment's line and evidence to a section as an automatic write.
// It reports false when the section is manually edited.
func (a *Assembler) AppendEvidence(key domain.SectionKey, segment domain.TranscriptSegment) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.sections[key]
	if !ok {
		return false, fmt.Errorf("append evidence to %q: %w", key, ErrUnknownSection)
	}
	if state.section.ManuallyEdited {
		return false, nil
	}
	_, role, _ := a.classifyLocked(segment)
	a.appendLocked(key, state, formatLine(role, segment.Text), segment)
	return true, nil
}

// Ingest classifies the segment and appends it, or holds it for manual assignment.
func (a *Assembler) Ingest(segment domain.TranscriptSegment) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	if key, ok := a.assigned[segment.ID]; ok {
		return Outcome{Key: key}
	}

	key, role, ok := a.classifyLocked(segment)
	if !ok {
		a.held = append(a.held, HeldSegment{Segment: segment, Reason: HeldUnclassified})
		return Outcome{}
	}

	state := a.sections[key]
	if state.section.ManuallyEdited {
		a.held = append(a.held, HeldSegment{Segment: segment, Reason: HeldSuppressed, Key: key})
		return Outcome{Key: key, Role: role, Suppressed: true}
	}

	a.appendLocked(key, state, formatLine(role, segment.Text), segment)
	return Outcome{Key: key, Role: role, Assigned: true, Section: state.section.Clone()}
}

// Assign places a segment into a section on the clinician's request, bypassing classification.
func (a *Assembler) Assign(segment domain.TranscriptSegment, key domain.SectionKey) (domain.NoteSection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.sections[key]
	if !ok {
		return domain.NoteSection{}, fmt.Errorf("assign %s to %q: %w", segment.ID, key, ErrUnknownSection)
	}
	if current, ok := a.assigned[segment.ID]; ok {
		return domain.NoteSection{}, fmt.Errorf("assign %s: %w (%s)", segment.ID, ErrAlreadyAssigned, current)
	}

	a.appendLocked(key, state, formatLine("", segment.Text), segment)
	a.held = removeHeld(a.held, segment.ID)
	return state.section.Clone(), nil
}

// Edit replaces a section's content on the clinician's behalf and suppresses automatic writes.
func (a *Assembler) Edit(key domain.SectionKey, content string) (domain.NoteSection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.sections[key]
	if !ok {
		return domain.NoteSection{}, fmt.Errorf("edit %q: %w", key, ErrUnknownSection)
	}
	state.section.Content = content
	state.section.ManuallyEdited = true
	state.revision++
	return state.section.Clone(), nil
}

// EnableAutomatic clears manual-edit suppression. Segments held while suppressed stay held.
func (a *Assembler) EnableAutomatic(key domain.SectionKey) (domain.NoteSection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.sections[key]
	if !ok {
		return domain.NoteSection{}, fmt.Errorf("enable automatic %q: %w", key, ErrUnknownSection)
	}
	state.section.ManuallyEdited = false
	return state.section.Clone(), nil
}

// Normalize rewrites a section into a more objective register via the note-quality service.
func (a *Assembler) Normalize(ctx context.Context, key domain.SectionKey) (domain.NoteSection, error) {
	return a.rewrite(ctx, key, "normalize", func(ctx context.Context, text string) (string, []string, error) {
		result, err := a.quality.Normalize(ctx, text)
		return result.Text, result.Issues, err
	})
}

// Condense shortens a section via the note-quality service.
func (a *Assembler) Condense(ctx context.Context, key domain.SectionKey) (domain.NoteSection, error) {
	return a.rewrite(ctx, key, "condense", func(ctx context.Context, text string) (string, []string, error) {
		shortened, err := a.quality.Condense(ctx, text)
		return shortened, nil, err
	})
}

type rewriteFunc func(ctx context.Context, text string) (string, []string, error)

func (a *Assembler) rewrite(ctx context.Context, key domain.SectionKey, op string, call rewriteFunc) (domain.NoteSection, error) {
	if a.quality == nil {
		return domain.NoteSection{}, fmt.Errorf("%s %q: %w", op, key, ErrQualityUnconfigured)
	}

	a.mu.Lock()
	state, ok := a.sections[key]
	if !ok {
		a.mu.Unlock()
		return domain.NoteSection{}, fmt.Errorf("%s %q: %w", op, key, ErrUnknownSection)
	}
	prior := state.section.Content
	revision := state.revision
	a.mu.Unlock()

	if strings.TrimSpace(prior) == "" {
		return a.Section(key)
	}

	text, issues, err := call(ctx, prior)

	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok = a.sections[key]
	if !ok {
		return domain.NoteSection{}, fmt.Errorf("%s %q: %w", op, key, ErrUnknownSection)
	}
	if err != nil {
		state.section.Issues = append(state.section.Issues, domain.Issue{
			Kind:               domain.IssueServiceFailure,
			Message:            fmt.Sprintf("%s failed: %v", op, err),
			PriorContentLength: len(prior),
		})
		return state.section.Clone(), fmt.Errorf("%s %q: %w: %w", op, key, ErrServiceFailure, err)
	}
	if state.revision != revision {
		state.section.Issues = append(state.section.Issues, domain.Issue{
			Kind:               domain.IssueStaleResult,
			Message:            op + " result discarded: section changed during the call",
			PriorContentLength: len(prior),
		})
		return state.section.Clone(), fmt.Errorf("%s %q: %w", op, key, ErrSectionChanged)
	}

	state.section.Content = text
	for _, message := range issues {
		state.section.Issues = append(state.section.Issues, domain.Issue{
			Kind:               domain.IssueQuality,
			Message:            message,
			PriorContentLength: len(prior),
		})
	}
	state.revision++
	return state.section.Clone(), nil
}

// SwitchTemplate remaps every section onto the target template. Nothing is discarded:
// sections without a target move to the unmapped bucket.
func (a *Assembler) SwitchTemplate(target domain.TemplateKind) ([]domain.NoteSection, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("switch template: unknown template %q", target)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if target == a.template {
		return a.sectionsLocked(), nil
	}

	next := make(map[domain.SectionKey]*sectionState)
	for _, key := range layouts[target].keys {
		next[key] = &sectionState{section: newSection(target, key)}
	}

	sources := append(append([]domain.SectionKey(nil), layouts[a.template].keys...), domain.SectionUnmapped)
	for _, key := range sources {
		source, ok := a.sections[key]
		if !ok {
			continue
		}
		targetKey := targetFor(a.template, target, key)
		dest, ok := next[targetKey]
		if !ok {
			dest = &sectionState{section: newSection(target, targetKey)}
			next[targetKey] = dest
		}
		mergeInto(&dest.section, source.section)
		dest.revision = source.revision + 1
	}

	for i := range a.held {
		if a.held[i].Key != "" {
			a.held[i].Key = targetFor(a.template, target, a.held[i].Key)
		}
	}
	for id, key := range a.assigned {
		a.assigned[id] = targetFor(a.template, target, key)
	}

	a.template = target
	a.sections = next
	return a.sectionsLocked(), nil
}

func mergeInto(dest *domain.NoteSection, source domain.NoteSection) {
	switch {
	case source.Content == "":
	case dest.Content == "":
		dest.Content = source.Content
	default:
		dest.Content += "\n" + source.Content
	}
	dest.Issues = append(dest.Issues, source.Issues...)
	dest.Evidence = append(dest.Evidence, source.Evidence...)
	sort.SliceStable(dest.Evidence, func(i, j int) bool {
		return dest.Evidence[i].TimestampMs < dest.Evidence[j].TimestampMs
	})
	dest.ManuallyEdited = dest.ManuallyEdited || source.ManuallyEdited
}

func (a *Assembler) Section(key domain.SectionKey) (domain.NoteSection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.sections[key]
	if !ok {
		return domain.NoteSection{}, fmt.Errorf("section %q: %w", key, ErrUnknownSection)
	}
	return state.section.Clone(), nil
}

// Sections returns the template's sections in display order, followed by the unmapped bucket when present.
func (a *Assembler) Sections() []domain.NoteSection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sectionsLocked()
}

func (a *Assembler) sectionsLocked() []domain.NoteSection {
	out := make([]domain.NoteSection, 0, len(a.sections))
	for _, key := range layouts[a.template].keys {
		out = append(out, a.sections[key].section.Clone())
	}
	if unmapped, ok := a.sections[domain.SectionUnmapped]; ok {
		out = append(out, unmapped.section.Clone())
	}
	return out
}

// Held returns segments waiting for manual assignment in arrival order.
func (a *Assembler) Held() []HeldSegment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]HeldSegment(nil), a.held...)
}

func (a *Assembler) appendLocked(key domain.SectionKey, state *sectionState, line string, segment domain.TranscriptSegment) {
	if state.section.Content == "" {
		state.section.Content = line
	} else {
		state.section.Content += "\n" + line
	}
	state.section.Evidence = append(state.section.Evidence, domain.Evidence{
		SegmentID:   segment.ID,
		TimestampMs: segment.StartMs,
	})
	state.revision++
	a.assigned[segment.ID] = key
}

func formatLine(role domain.NoteRole, text string) string {
	switch role {
	case domain.RoleSubjective:
		return "• Client " + text
	case domain.RoleObjective:
		return "• Clinician observed: " + text
	default:
		return "• " + text
	}
}

func removeHeld(held []HeldSegment, segmentID string) []HeldSegment {
	out := held[:0]
	for _, item := range held {
		if item.Segment.ID != segmentID {
			out = append(out, item)
		}
	}
	return out
}
