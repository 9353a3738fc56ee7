package feedback

import (
	"time"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

// Index answers lookups over a snapshot of feedback records.
type Index struct {
	policy Policy
	now    time.Time

	byFingerprint map[string][]deadline.FeedbackRecord
	// rejections counts rejected records per sender and fingerprint.
	rejections map[string]map[string]int
	// keywords counts rejected records per promotional keyword and fingerprint.
	keywords map[string]map[string]int
	size     int
}

// NewIndex builds an index over records evaluated at now.
func NewIndex(records []deadline.FeedbackRecord, policy Policy, now time.Time) *Index {
	ix := &Index{
		policy:        policy.withDefaults(),
		now:           now,
		byFingerprint: make(map[string][]deadline.FeedbackRecord),
		rejections:    make(map[string]map[string]int),
		keywords:      make(map[string]map[string]int),
		size:          len(records),
	}
	for _, r := range records {
		ix.byFingerprint[r.Fingerprint] = append(ix.byFingerprint[r.Fingerprint], r)
		if r.Label != deadline.LabelRejected {
			continue
		}
		if sender := NormalizeSender(r.Sender); sender != "" {
			addCount(ix.rejections, sender, r.Fingerprint)
		}
		for _, k := range rejectionKeywords(r) {
			addCount(ix.keywords, k, r.Fingerprint)
		}
	}
	return ix
}

func addCount(m map[string]map[string]int, key, fingerprint string) {
	if m[key] == nil {
		m[key] = make(map[string]int)
	}
	m[key][fingerprint]++
}

// countExcept sums the counts of every fingerprint but the given one.
func countExcept(byFingerprint map[string]int, fingerprint string) int {
	n := 0
	for fp, count := range byFingerprint {
		if fp != fingerprint {
			n += count
		}
	}
	return n
}

// Len returns the number of indexed records.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return ix.size
}

// Lookup returns the adjustment for fingerprint, and false when no record
// carries it.
func (ix *Index) Lookup(fingerprint string) (Adjustment, bool) {
	return ix.Adjust(fingerprint)
}

// Adjust evaluates the records of all given fingerprints together. It is
// used when a category correction moves a deadline to a new fingerprint.
func (ix *Index) Adjust(fingerprints ...string) (Adjustment, bool) {
	if ix == nil {
		return Adjustment{}, false
	}
	var records []deadline.FeedbackRecord
	seen := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		if seen[fp] {
			continue
		}
		seen[fp] = true
		records = append(records, ix.byFingerprint[fp]...)
	}
	countLookup(len(records) > 0)
	if len(records) == 0 {
		return Adjustment{}, false
	}
	return ix.policy.Compute(records, ix.now), true
}

// SenderPenalty returns the penalty for a deadline from sender, counting
// rejections recorded under other fingerprints only.
func (ix *Index) SenderPenalty(sender, fingerprint string) float64 {
	if ix == nil {
		return 0
	}
	return SenderPenalty(countExcept(ix.rejections[NormalizeSender(sender)], fingerprint))
}

// SenderBlocked reports whether sender has at least SenderBlockThreshold
// rejections under other fingerprints.
func (ix *Index) SenderBlocked(sender, fingerprint string) bool {
	if ix == nil {
		return false
	}
	return countExcept(ix.rejections[NormalizeSender(sender)], fingerprint) >= SenderBlockThreshold
}

// KeywordPenalty returns KeywordPenalty for each promotional keyword in
// title that appears in a rejection under another fingerprint.
func (ix *Index) KeywordPenalty(title, fingerprint string) float64 {
	if ix == nil {
		return 0
	}
	penalty := 0.0
	for _, k := range matchKeywords(title, titleKeywords) {
		if countExcept(ix.keywords[k], fingerprint) > 0 {
			penalty += KeywordPenalty
		}
	}
	return penalty
}
