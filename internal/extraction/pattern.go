package extraction

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

const (
	maxTitleLen     = 80
	excerptRadius   = 250
	maxExcerptLen   = 600
	promoContextLen = 80
)

var (
	promoRe      = regexp.MustCompile(`(?i)\b(?:sale|discount|\d+% off|promo(?:tion)?|limited[- ]time|deal expires|coupon)\b`)
	promoExempts = regexp.MustCompile(`(?i)\b(?:subscription|trial|cancel)`)
)

// Result is the output of pattern extraction for one message.
type Result struct {
	Candidates []deadline.Candidate
	// Rejections holds a *deadline.DateParseError for every phrase match
	// without a usable date.
	Rejections []error
	// Suppressed counts phrase matches dropped as promotional.
	Suppressed int
}

// PatternConfig configures a PatternExtractor.
type PatternConfig struct {
	Rules []Rule

	// Location for date-only results. Default: UTC
	Location *time.Location

	// DayFirst reads 03/04/2024 as 3 April.
	DayFirst bool
}

// PatternExtractor finds deadlines with the rule table. It is deterministic
// and safe for concurrent use.
type PatternExtractor struct {
	rules   []*compiledRule
	grammar dateGrammar
}

// NewPatternExtractor compiles the rule table. An empty table uses DefaultRules.
func NewPatternExtractor(cfg PatternConfig) (*PatternExtractor, error) {
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &PatternExtractor{
		rules:   compiled,
		grammar: dateGrammar{loc: loc, dayFirst: cfg.DayFirst},
	}, nil
}

// Rules returns a copy of the active rule table.
func (p *PatternExtractor) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.Rule
	}
	return out
}

// Extract runs every rule over the message body. All matches are emitted;
// duplicates are left for reconciliation.
func (p *PatternExtractor) Extract(msg deadline.NormalizedMessage) Result {
	var res Result
	text := msg.BodyText
	if strings.TrimSpace(text) == "" {
		return res
	}

	dates := p.grammar.findAll(text, msg.ReceivedAt)

	for _, rule := range p.rules {
		for _, loc := range rule.regex.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]

			if isPromotional(text, start, end) {
				res.Suppressed++
				continue
			}

			dm, ok := pickDate(dates, start, end, rule.Window)
			if !ok {
				res.Rejections = append(res.Rejections, &deadline.DateParseError{
					MessageID: msg.ID,
					Rule:      rule.Name,
					Text:      windowText(text, start, end, rule.Window),
				})
				continue
			}

			evStart, evEnd := min(start, dm.Start), max(end, dm.End)
			res.Candidates = append(res.Candidates, deadline.Candidate{
				SourceMessageID: msg.ID,
				RawEvidence:     text[evStart:evEnd],
				DeadlineAt:      dm.At,
				Title:           title(text, start, msg.Subject),
				Category:        rule.Category,
				Confidence:      rule.Weight,
				Method:          deadline.MethodPattern,
				Sender:          msg.Sender,
				ReceivedAt:      msg.ReceivedAt,
				Excerpt:         excerpt(text, start, end),
				Rule:            rule.Name,
			})
		}
	}
	return res
}

// pickDate prefers the closest date starting after the phrase, then the
// closest date ending before it.
func pickDate(dates []dateMatch, start, end int, w Window) (dateMatch, bool) {
	for _, d := range dates {
		if d.Start >= end && d.Start-end <= w.After {
			return d, true
		}
	}
	if w.Before > 0 {
		for i := len(dates) - 1; i >= 0; i-- {
			d := dates[i]
			if d.End <= start && start-d.End <= w.Before {
				return d, true
			}
		}
	}
	return dateMatch{}, false
}

// isPromotional reports whether the text around a match reads like a retail
// offer rather than an account deadline.
func isPromotional(text string, start, end int) bool {
	ctx := text[clampStart(text, start-promoContextLen):clampEnd(text, end+promoContextLen)]
	return promoRe.MatchString(ctx) && !promoExempts.MatchString(ctx)
}

func windowText(text string, start, end int, w Window) string {
	return text[clampStart(text, start-w.Before):clampEnd(text, end+w.After)]
}

// title is the sentence containing the match, trimmed to maxTitleLen on a
// word boundary. Falls back to the subject.
func title(text string, at int, subject string) string {
	s := strings.LastIndexAny(text[:at], ".!?\n")
	e := strings.IndexAny(text[at:], ".!?\n")
	sentence := text[s+1:]
	if e >= 0 {
		sentence = text[s+1 : at+e]
	}
	sentence = strings.Join(strings.Fields(sentence), " ")
	if sentence == "" {
		sentence = strings.TrimSpace(subject)
	}
	if sentence == "" {
		return "Deadline"
	}
	if utf8.RuneCountInString(sentence) > maxTitleLen {
		head := truncateRunes(sentence, maxTitleLen)
		if cut := strings.LastIndexByte(head, ' '); cut > 0 {
			head = head[:cut]
		}
		sentence = strings.TrimRight(head, " ,;:")
	}
	return sentence
}

func excerpt(text string, start, end int) string {
	ex := strings.Join(strings.Fields(text[clampStart(text, start-excerptRadius):clampEnd(text, end+excerptRadius)]), " ")
	if len(ex) > maxExcerptLen {
		ex = ex[:clampStart(ex, maxExcerptLen-3)] + "..."
	}
	return ex
}

// clampStart bounds i to text and moves it back to a rune start.
func clampStart(text string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(text) {
		return len(text)
	}
	for i > 0 && !isRuneStart(text[i]) {
		i--
	}
	return i
}

// clampEnd bounds i to text and moves it forward to a rune start.
func clampEnd(text string, i int) int {
	if i >= len(text) {
		return len(text)
	}
	if i <= 0 {
		return 0
	}
	for i < len(text) && !isRuneStart(text[i]) {
		i++
	}
	return i
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
