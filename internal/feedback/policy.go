package feedback

import (
	"math"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

// Policy defaults.
const (
	DefaultMaxDelta = 0.3
	DefaultHalfLife = 90 * 24 * time.Hour
	defaultPrior    = 1.0

	senderPenaltyStep = 0.1
	senderPenaltyMax  = 0.5

	// KeywordPenalty is subtracted for each promotional keyword in a title
	// that already appears in a rejection.
	KeywordPenalty = 0.15
	// SenderBlockThreshold is the number of rejections after which a
	// sender's deadlines are dropped.
	SenderBlockThreshold = 3
)

// Policy turns feedback records into a confidence delta.
//
// delta = MaxDelta * Σ(w·s) / (Σw + Prior), where s is +1 for accepted and -1
// for rejected records, and w halves every HalfLife.
type Policy struct {
	MaxDelta float64
	HalfLife time.Duration
	Prior    float64
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{MaxDelta: DefaultMaxDelta, HalfLife: DefaultHalfLife, Prior: defaultPrior}
}

func (p Policy) withDefaults() Policy {
	if p.MaxDelta <= 0 {
		p.MaxDelta = DefaultMaxDelta
	}
	if p.HalfLife <= 0 {
		p.HalfLife = DefaultHalfLife
	}
	if p.Prior <= 0 {
		p.Prior = defaultPrior
	}
	return p
}

// weight is 1 for a record made now and halves every HalfLife.
func (p Policy) weight(recordedAt, now time.Time) float64 {
	age := now.Sub(recordedAt)
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, float64(age)/float64(p.HalfLife))
}

// signal is the vote a record casts. Corrections confirm a real deadline
// with a wrong detail.
func signal(l deadline.Label) float64 {
	switch l {
	case deadline.LabelAccepted:
		return 1
	case deadline.LabelRejected:
		return -1
	case deadline.LabelCorrectedDate, deadline.LabelCorrectedCategory:
		return 0.5
	}
	return 0
}

// Adjustment is what feedback changes about one fingerprint.
type Adjustment struct {
	Delta float64
	// Category is the latest corrected category, empty when none.
	Category deadline.Category
	// DisplayDate is the latest corrected date, nil when none.
	DisplayDate *time.Time

	Accepted int
	Rejected int
}

// Apply returns confidence shifted by the adjustment and clipped to [0,1].
func (a Adjustment) Apply(confidence float64) float64 {
	return min(1, max(0, confidence+a.Delta))
}

// Compute evaluates records for one fingerprint at time now.
func (p Policy) Compute(records []deadline.FeedbackRecord, now time.Time) Adjustment {
	p = p.withDefaults()

	// Latest correction wins; stable sort keeps file order for equal times.
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b deadline.FeedbackRecord) int {
		return a.RecordedAt.Compare(b.RecordedAt)
	})

	var (
		adj         Adjustment
		sumW, sumWS float64
	)
	for _, r := range sorted {
		w := p.weight(r.RecordedAt, now)
		sumW += w
		sumWS += w * signal(r.Label)

		switch r.Label {
		case deadline.LabelAccepted:
			adj.Accepted++
		case deadline.LabelRejected:
			adj.Rejected++
		case deadline.LabelCorrectedCategory:
			if c, ok := deadline.ParseCategory(r.CorrectionValue); ok {
				adj.Category = c
			}
		case deadline.LabelCorrectedDate:
			if t, err := ParseCorrectedDate(r.CorrectionValue); err == nil {
				adj.DisplayDate = &t
			}
		}
	}
	adj.Delta = p.MaxDelta * sumWS / (sumW + p.Prior)
	return adj
}

// SenderPenalty is the confidence penalty for a sender with n rejected
// deadlines under other fingerprints.
func SenderPenalty(n int) float64 {
	return min(senderPenaltyStep*float64(n), senderPenaltyMax)
}

// NormalizeSender reduces a From header to its lowercased address.
func NormalizeSender(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(s)
}

// ParseCorrectedDate accepts a date or an RFC 3339 timestamp.
func ParseCorrectedDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
