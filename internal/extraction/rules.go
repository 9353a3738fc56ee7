package extraction

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

// Window is the number of characters around a phrase match searched for a
// date. The closest date after the phrase wins; Before is searched only when
// nothing follows.
type Window struct {
	Before int `yaml:"before" toml:"before" json:"before"`
	After  int `yaml:"after" toml:"after" json:"after"`
}

// Rule maps a phrase pattern to a category and a baseline confidence.
type Rule struct {
	Name     string            `yaml:"name" toml:"name" json:"name"`
	Phrase   string            `yaml:"phrase" toml:"phrase" json:"phrase"`
	Category deadline.Category `yaml:"category" toml:"category" json:"category"`
	Weight   float64           `yaml:"weight" toml:"weight" json:"weight"`
	Window   Window            `yaml:"window" toml:"window" json:"window"`
}

// RuleSet is the on-disk form of a rule table.
type RuleSet struct {
	Rules []Rule `yaml:"rules" toml:"rules" json:"rules"`
}

// GenericWeight is the baseline confidence of a date near a bare keyword.
const GenericWeight = 0.5

// anchoredAfter is the default window for phrases that introduce a date.
var anchoredAfter = Window{After: 60}

// DefaultRules returns the built-in rule table. Rules with a specific anchor
// phrase score above the generic keyword rule, which is listed last.
func DefaultRules() []Rule {
	return []Rule{
		// Trials
		{Name: "free_trial_ends", Phrase: `free trial (?:ends|expires|is over)(?:\s+on)?`, Category: deadline.CategoryTrial, Weight: 0.85, Window: anchoredAfter},
		{Name: "trial_period_ends", Phrase: `trial period (?:ends|expires)(?:\s+(?:on|by))?`, Category: deadline.CategoryTrial, Weight: 0.85, Window: anchoredAfter},

		// Subscriptions and billing
		{Name: "renews_on", Phrase: `(?:subscription\s+)?(?:renews|renewal|will renew|auto-renews)\s+(?:on|by)`, Category: deadline.CategorySubscription, Weight: 0.8, Window: anchoredAfter},
		{Name: "billing_date", Phrase: `(?:next\s+)?billing date(?:\s+is|:)?`, Category: deadline.CategoryBilling, Weight: 0.8, Window: anchoredAfter},
		{Name: "charged_on", Phrase: `(?:you will be|you'll be|will be) charged(?:\s+on)?`, Category: deadline.CategoryBilling, Weight: 0.75, Window: anchoredAfter},

		// Cancellation and refunds
		{Name: "cancel_by", Phrase: `cancel (?:by|before|no later than)`, Category: deadline.CategoryOther, Weight: 0.8, Window: anchoredAfter},
		{Name: "cancellation_deadline", Phrase: `cancellation deadline(?:\s+is|:)?`, Category: deadline.CategoryOther, Weight: 0.8, Window: anchoredAfter},
		{Name: "refundable_until", Phrase: `(?:fully\s+)?refundable (?:until|through|before)`, Category: deadline.CategoryRefund, Weight: 0.85, Window: anchoredAfter},
		{Name: "refund_deadline", Phrase: `refund (?:deadline|window closes|request by)(?:\s+is|:)?`, Category: deadline.CategoryRefund, Weight: 0.85, Window: anchoredAfter},

		// Travel
		{Name: "travel_free_cancellation", Phrase: `(?:hotel|flight|booking|reservation)[^.\n]{0,80}?cancel[^.\n]{0,40}?(?:by|until|before)`, Category: deadline.CategoryTravel, Weight: 0.8, Window: anchoredAfter},
		{Name: "travel_cancel_first", Phrase: `cancel[^.\n]{0,60}?(?:hotel|flight|booking|reservation)s?\b[^.\n]{0,40}?\b(?:by|until|before)\b`, Category: deadline.CategoryTravel, Weight: 0.8, Window: anchoredAfter},
		{Name: "free_cancellation_until", Phrase: `free cancellation (?:until|before|through)`, Category: deadline.CategoryTravel, Weight: 0.8, Window: anchoredAfter},

		// Generic keyword near a date
		{Name: "generic_deadline", Phrase: `\b(?:deadline|expires|expiry date|due (?:on|by))\b`, Category: deadline.CategoryOther, Weight: GenericWeight, Window: Window{Before: 40, After: 40}},
	}
}

// String renders the rule on one line.
func (r Rule) String() string {
	return fmt.Sprintf("%s [%s %.2f] %s", r.Name, r.Category, r.Weight, r.Phrase)
}

// compiledRule holds a pre-compiled phrase pattern.
type compiledRule struct {
	Rule
	regex *regexp.Regexp
}

// compileRules validates rules and compiles their phrases case-insensitively.
func compileRules(rules []Rule) ([]*compiledRule, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule table is empty")
	}

	seen := make(map[string]bool, len(rules))
	compiled := make([]*compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("rule %s: duplicate name", r.Name)
		}
		seen[r.Name] = true

		cat, ok := deadline.ParseCategory(string(r.Category))
		if !ok {
			return nil, fmt.Errorf("rule %s: unknown category %q", r.Name, r.Category)
		}
		r.Category = cat
		if r.Weight <= 0 || r.Weight > 1 {
			return nil, fmt.Errorf("rule %s: weight must be in (0,1], got %v", r.Name, r.Weight)
		}
		if r.Window.Before < 0 || r.Window.After < 0 || r.Window.Before+r.Window.After == 0 {
			return nil, fmt.Errorf("rule %s: window must be non-negative and non-empty", r.Name)
		}

		re, err := regexp.Compile(`(?i)` + r.Phrase)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid phrase: %w", r.Name, err)
		}
		compiled = append(compiled, &compiledRule{Rule: r, regex: re})
	}
	return compiled, nil
}

// LoadRules reads a rule table from a .yaml, .yml or .toml file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}

	var set RuleSet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&set); err != nil {
			return nil, fmt.Errorf("failed to parse rules %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &set)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rules %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("failed to parse rules %s: unknown keys %v", path, undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported rules format %q (want .yaml or .toml)", filepath.Ext(path))
	}

	if _, err := compileRules(set.Rules); err != nil {
		return nil, err
	}
	return set.Rules, nil
}

// EncodeRules writes rules as YAML, the format the rules command prints.
func EncodeRules(rules []Rule) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(RuleSet{Rules: rules}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
