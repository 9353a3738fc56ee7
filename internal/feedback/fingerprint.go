package feedback

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

// stopWords carry no identity in deadline titles.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "for": true, "on": true, "in": true, "at": true, "by": true,
	"your": true, "you": true, "our": true, "is": true, "are": true, "will": true,
	"be": true, "this": true, "that": true, "with": true, "from": true, "before": true,
	"until": true, "after": true, "has": true, "have": true, "it": true, "its": true,
}

// TitleTokens folds case, drops punctuation, stop words and any word
// containing a digit, and returns the sorted distinct remaining words.
func TitleTokens(title string) []string {
	folded := cases.Fold().String(title)
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := make([]string, 0, len(words))
	for _, w := range words {
		if stopWords[w] || strings.ContainsFunc(w, unicode.IsDigit) {
			continue
		}
		out = append(out, w)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// DeltaBucket classifies how far ahead of its message a deadline falls.
func DeltaBucket(receivedAt, deadlineAt time.Time) string {
	if receivedAt.IsZero() || deadlineAt.IsZero() {
		return "unknown"
	}
	loc := deadlineAt.Location()
	r := receivedAt.In(loc)
	from := time.Date(r.Year(), r.Month(), r.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(deadlineAt.Year(), deadlineAt.Month(), deadlineAt.Day(), 0, 0, 0, 0, time.UTC)
	days := int(to.Sub(from).Hours() / 24)

	switch {
	case days < 0:
		return "past"
	case days == 0:
		return "same-day"
	case days <= 7:
		return "<=7d"
	case days <= 31:
		return "<=31d"
	case days <= 92:
		return "<=92d"
	default:
		return ">92d"
	}
}

// Fingerprint identifies a deadline across runs. It covers the normalized
// title, the category and the delta bucket, never the message id.
func Fingerprint(c deadline.Candidate) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(TitleTokens(c.Title), " ")))
	h.Write([]byte{0})
	h.Write([]byte(c.Category))
	h.Write([]byte{0})
	h.Write([]byte(DeltaBucket(c.ReceivedAt, c.DeadlineAt)))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
