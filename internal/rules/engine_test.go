package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"livenote/internal/domain"
)

func TestDefaultTableClassifiesByMarkerPriority(t *testing.T) {
	t.Parallel()

	table := Default()

	cases := []struct {
		text string
		role domain.NoteRole
		ok   bool
	}{
		{"Client reports feeling anxious", domain.RoleSubjective, true},
		{"Therapist observed client fidgeting", domain.RoleObjective, true},
		{"She STATES she slept poorly", domain.RoleSubjective, true},
		{"Client appeared tired but reports improvement", domain.RoleSubjective, true},
		{"We talked about the weekend", "", false},
	}
	for _, tc := range cases {
		role, ok := table.ClassifyRole(tc.text)
		if ok != tc.ok || role != tc.role {
			t.Fatalf("ClassifyRole(%q) = (%q, %v), want (%q, %v)", tc.text, role, ok, tc.role, tc.ok)
		}
	}
}

func TestDefaultTableMatchesEveryRiskRule(t *testing.T) {
	t.Parallel()

	matches := Default().MatchRisks("I feel hopeless and sometimes I want to hurt myself")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %+v", matches)
	}
	if matches[0].Type != "self_harm" || matches[0].Severity != domain.SeverityHigh {
		t.Fatalf("unexpected first match: %+v", matches[0])
	}
	if matches[1].Type != "hopelessness" || matches[1].Severity != domain.SeverityLow {
		t.Fatalf("unexpected second match: %+v", matches[1])
	}
	if matches[0].Span != "hurt myself" {
		t.Fatalf("unexpected span: %q", matches[0].Span)
	}
}

func TestLoadReadsRulesFile(t *testing.T) {
	t.Parallel()

	rulesPath := filepath.Join(t.TempDir(), "clinical.rules")
	contents := `
# objective first
section objective => /\bnoted\b/
section subjective => says
risk high flight_risk => /run\s+away/
`
	if err := os.WriteFile(rulesPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}

	table, err := Load(rulesPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	role, ok := table.ClassifyRole("Clinician noted client says little")
	if !ok || role != domain.RoleObjective {
		t.Fatalf("expected objective, got %q %v", role, ok)
	}
	if _, ok := table.ClassifyRole("Client reports pain"); ok {
		t.Fatalf("custom table should not carry default markers")
	}
	matches := table.MatchRisks("he wants to RUN  AWAY")
	if len(matches) != 1 || matches[0].Type != "flight_risk" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	t.Parallel()

	table, err := Load(filepath.Join(t.TempDir(), "missing.rules"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(table.SectionRules()) != 2 {
		t.Fatalf("expected default section rules, got %d", len(table.SectionRules()))
	}

	table, err = Load("")
	if err != nil || len(table.RiskRules()) == 0 {
		t.Fatalf("expected default risk rules, err=%v", err)
	}
}

func TestRegexMarkerCaseSensitiveFlag(t *testing.T) {
	t.Parallel()

	matcher, err := parseRegexMatcher(`/PHQ-9/c`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, ok := matcher.Match("phq-9 score"); ok {
		t.Fatalf("expected case-sensitive miss")
	}
	if span, ok := matcher.Match("PHQ-9 score"); !ok || span != "PHQ-9" {
		t.Fatalf("unexpected match %q %v", span, ok)
	}
}

func TestParseRejectsInvalidRules(t *testing.T) {
	t.Parallel()

	cases := []string{
		"not-a-rule",
		"section assessment => evaluated",
		"section subjective =>",
		"risk urgent self_harm => cut",
		"risk high => cut",
		"section objective => /unterminated",
		"section objective => /x/q",
	}
	for _, contents := range cases {
		if _, err := Parse(contents); err == nil {
			t.Fatalf("expected error for %q", contents)
		}
	}
}

func TestParseSupportsParserExtension(t *testing.T) {
	t.Parallel()

	parsers := append([]RuleParser{speakerRuleParser{}}, defaultRuleParsers()...)
	table, err := ParseWithParsers("speaker:objective", parsers)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	role, ok := table.ClassifyRole("[therapist] hello")
	if !ok || role != domain.RoleObjective {
		t.Fatalf("expected objective, got %q %v", role, ok)
	}
}

type speakerRuleParser struct{}

func (speakerRuleParser) CanParse(line string) bool {
	return strings.HasPrefix(line, "speaker:")
}

func (speakerRuleParser) Parse(line string) (compiledRule, error) {
	role := domain.NoteRole(strings.TrimPrefix(line, "speaker:"))
	matcher, err := parseRegexMatcher(`/^\[therapist\]/`)
	if err != nil {
		return nil, err
	}
	return SectionRule{Role: role, Matcher: matcher}, nil
}
