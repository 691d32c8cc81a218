package safeharbor

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Registry holds the active rule set. It is built once at startup and
// read-only afterwards.
type Registry struct {
	rules      []Rule
	byCategory map[Category][]Rule
}

// NewRegistry builds a registry from the default catalog plus any extra
// rules. Construction fails if any of the eighteen categories ends up
// with zero rules; that is a configuration-integrity failure and the
// process should not start.
func NewRegistry(extra ...Rule) (*Registry, error) {
	rules := append(DefaultRules(), extra...)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})

	byCategory := make(map[Category][]Rule, len(AllCategories()))
	for _, r := range rules {
		byCategory[r.Category] = append(byCategory[r.Category], r)
	}
	for _, c := range AllCategories() {
		if len(byCategory[c]) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingCoverage, c)
		}
	}
	return &Registry{rules: rules, byCategory: byCategory}, nil
}

// Rules returns every rule, highest priority first.
func (r *Registry) Rules() []Rule {
	return r.rules
}

// RulesFor returns the rules attached to one category.
func (r *Registry) RulesFor(c Category) []Rule {
	return r.byCategory[c]
}

// Categories returns the covered category list.
func (r *Registry) Categories() []Category {
	return AllCategories()
}

type ruleSpec struct {
	Name       string  `yaml:"name"`
	Category   string  `yaml:"category"`
	Match      string  `yaml:"match"`
	Pattern    string  `yaml:"pattern"`
	Policy     string  `yaml:"policy"`
	Priority   int     `yaml:"priority"`
	Confidence float64 `yaml:"confidence"`
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// LoadRuleFile reads site-specific detection rules from a YAML catalog.
// Omitted policies fall back to the category default, omitted priority
// to 50 and omitted confidence to 0.8.
func LoadRuleFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	rules := make([]Rule, 0, len(f.Rules))
	for i, spec := range f.Rules {
		rule, err := spec.compile()
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, spec.Name, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s ruleSpec) compile() (Rule, error) {
	if s.Name == "" {
		return Rule{}, fmt.Errorf("%w: missing name", ErrInvalidRule)
	}
	cat, err := ParseCategory(s.Category)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %q", err, s.Category)
	}

	var kind MatchKind
	switch s.Match {
	case "field":
		kind = MatchField
	case "path":
		kind = MatchPath
	case "value":
		kind = MatchValue
	default:
		return Rule{}, fmt.Errorf("%w: match must be field, path or value, got %q", ErrInvalidRule, s.Match)
	}

	if s.Pattern == "" {
		return Rule{}, fmt.Errorf("%w: missing pattern", ErrInvalidRule)
	}
	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: bad pattern: %v", ErrInvalidRule, err)
	}

	policy := DefaultPolicy(cat)
	if s.Policy != "" {
		policy, err = ParsePolicy(s.Policy)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %q", err, s.Policy)
		}
	}

	priority := s.Priority
	if priority == 0 {
		priority = 50
	}
	confidence := s.Confidence
	if confidence == 0 {
		confidence = 0.8
	}
	if confidence < 0 || confidence > 1 {
		return Rule{}, fmt.Errorf("%w: confidence %v out of range", ErrInvalidRule, s.Confidence)
	}

	return Rule{
		Name:       s.Name,
		Category:   cat,
		Kind:       kind,
		Pattern:    re,
		Policy:     policy,
		Priority:   priority,
		Confidence: confidence,
	}, nil
}
