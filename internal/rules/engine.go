package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"livenote/internal/domain"
)

//go:embed default.rules
var defaultRules string

// Matcher finds a rule's marker in segment text.
type Matcher interface {
	// Match returns the matched span.
	Match(text string) (string, bool)
}

// SectionRule routes matching text to a note role.
type SectionRule struct {
	Role    domain.NoteRole
	Matcher Matcher
}

// RiskRule flags matching text as a safety risk.
type RiskRule struct {
	Type     string
	Severity domain.Severity
	Matcher  Matcher
}

// RiskMatch is one risk rule that fired for a piece of text.
type RiskMatch struct {
	Type     string
	Severity domain.Severity
	Span     string
}

type compiledRule interface {
	register(table *Table)
}

// RuleParser parses one line into a compiled rule.
type RuleParser interface {
	CanParse(line string) bool
	Parse(line string) (compiledRule, error)
}

// Table is an ordered, deterministic rule table. Rules are evaluated in file order.
type Table struct {
	sections []SectionRule
	risks    []RiskRule
}

// Default returns the built-in table.
func Default() *Table {
	table, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("rules: built-in table is invalid: %v", err))
	}
	return table
}

// Load reads a rules file. An empty path or a missing file yields the built-in table.
func Load(path string) (*Table, error) {
	return LoadWithParsers(path, defaultRuleParsers())
}

// LoadWithParsers allows parser extension without table changes.
func LoadWithParsers(path string, parsers []RuleParser) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}

	table, err := ParseWithParsers(string(contents), parsers)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %q: %w", path, err)
	}
	return table, nil
}

func Parse(contents string) (*Table, error) {
	return ParseWithParsers(contents, defaultRuleParsers())
}

func ParseWithParsers(contents string, parsers []RuleParser) (*Table, error) {
	if len(parsers) == 0 {
		parsers = defaultRuleParsers()
	}

	table := &Table{}
	for index, raw := range strings.Split(contents, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parsed := false
		for _, parser := range parsers {
			if !parser.CanParse(line) {
				continue
			}
			rule, err := parser.Parse(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", index+1, err)
			}
			rule.register(table)
			parsed = true
			break
		}

		if !parsed {
			return nil, fmt.Errorf("line %d: unsupported rule format", index+1)
		}
	}
	return table, nil
}

// ClassifyRole returns the role of the first section rule matching text.
func (t *Table) ClassifyRole(text string) (domain.NoteRole, bool) {
	for _, rule := range t.sections {
		if _, ok := rule.Matcher.Match(text); ok {
			return rule.Role, true
		}
	}
	return "", false
}

// MatchRisks returns every risk rule matching text, in table order.
func (t *Table) MatchRisks(text string) []RiskMatch {
	var matches []RiskMatch
	for _, rule := range t.risks {
		span, ok := rule.Matcher.Match(text)
		if !ok {
			continue
		}
		matches = append(matches, RiskMatch{Type: rule.Type, Severity: rule.Severity, Span: span})
	}
	return matches
}

func (t *Table) SectionRules() []SectionRule {
	return append([]SectionRule(nil), t.sections...)
}

func (t *Table) RiskRules() []RiskRule {
	return append([]RiskRule(nil), t.risks...)
}

func defaultRuleParsers() []RuleParser {
	return []RuleParser{sectionRuleParser{}, riskRuleParser{}}
}

type sectionRuleParser struct{}

func (sectionRuleParser) CanParse(line string) bool {
	return hasKeyword(line, "section")
}

func (sectionRuleParser) Parse(line string) (compiledRule, error) {
	head, body, err := splitRule(line)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(head)
	if len(fields) != 2 {
		return nil, errors.New("section rule must be `section <role> => markers`")
	}
	role := domain.NoteRole(strings.ToLower(fields[1]))
	if !role.Valid() {
		return nil, fmt.Errorf("unknown section role %q", fields[1])
	}
	matcher, err := parseMatcher(body)
	if err != nil {
		return nil, err
	}
	return SectionRule{Role: role, Matcher: matcher}, nil
}

func (r SectionRule) register(table *Table) {
	table.sections = append(table.sections, r)
}

type riskRuleParser struct{}

func (riskRuleParser) CanParse(line string) bool {
	return hasKeyword(line, "risk")
}

func (riskRuleParser) Parse(line string) (compiledRule, error) {
	head, body, err := splitRule(line)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(head)
	if len(fields) != 3 {
		return nil, errors.New("risk rule must be `risk <severity> <type> => markers`")
	}
	severity, err := domain.ParseSeverity(fields[1])
	if err != nil {
		return nil, err
	}
	matcher, err := parseMatcher(body)
	if err != nil {
		return nil, err
	}
	return RiskRule{Type: fields[2], Severity: severity, Matcher: matcher}, nil
}

func (r RiskRule) register(table *Table) {
	table.risks = append(table.risks, r)
}

func hasKeyword(line string, keyword string) bool {
	fields := strings.Fields(line)
	return len(fields) > 0 && strings.EqualFold(fields[0], keyword) && strings.Contains(line, "=>")
}

func splitRule(line string) (string, string, error) {
	parts := strings.SplitN(line, "=>", 2)
	if len(parts) != 2 {
		return "", "", errors.New("rule is missing `=>`")
	}
	body := strings.TrimSpace(parts[1])
	if body == "" {
		return "", "", errors.New("rule markers cannot be empty")
	}
	return strings.TrimSpace(parts[0]), body, nil
}

// regexMatcher backs both marker lists and /pattern/flags rules.
type regexMatcher struct {
	re *regexp.Regexp
}

func (m regexMatcher) Match(text string) (string, bool) {
	loc := m.re.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	return text[loc[0]:loc[1]], true
}

func parseMatcher(body string) (Matcher, error) {
	if strings.HasPrefix(body, "/") {
		return parseRegexMatcher(body)
	}
	return parseTermMatcher(body)
}

// parseTermMatcher compiles a comma separated marker list into a case-insensitive
// substring alternation.
func parseTermMatcher(body string) (Matcher, error) {
	var quoted []string
	for _, term := range strings.Split(body, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(term))
	}
	if len(quoted) == 0 {
		return nil, errors.New("marker list cannot be empty")
	}

	re, err := regexp.Compile("(?i)(?:" + strings.Join(quoted, "|") + ")")
	if err != nil {
		return nil, fmt.Errorf("invalid marker list: %w", err)
	}
	return regexMatcher{re: re}, nil
}

func parseRegexMatcher(body string) (Matcher, error) {
	pattern, pos, err := parseDelimited(body, 1, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid regex marker: %w", err)
	}
	flags := strings.TrimSpace(body[pos:])

	ignoreCase := true
	prefixFlags := ""
	for _, flag := range flags {
		switch flag {
		case 'i':
			ignoreCase = true
		case 'c':
			ignoreCase = false
		case 'm':
			prefixFlags += "m"
		case 's':
			prefixFlags += "s"
		case ' ':
			continue
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}
	if ignoreCase {
		prefixFlags = "i" + prefixFlags
	}
	if prefixFlags != "" {
		pattern = "(?" + prefixFlags + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return regexMatcher{re: re}, nil
}

func parseDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of expression")
	}

	var builder strings.Builder
	escaped := false
	for index := start; index < len(line); index++ {
		char := line[index]
		if escaped {
			builder.WriteByte(char)
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			builder.WriteByte(char)
			continue
		}
		if char == delim {
			return builder.String(), index + 1, nil
		}
		builder.WriteByte(char)
	}
	return "", 0, errors.New("unterminated expression")
}
