package feedback

import (
	"cmp"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

// Count is a key with its number of occurrences.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Stats summarizes a feedback history.
type Stats struct {
	Total             int                    `json:"total"`
	ByLabel           map[deadline.Label]int `json:"by_label"`
	RejectedBySender  []Count                `json:"rejected_by_sender"`
	RejectedByKeyword []Count                `json:"rejected_by_keyword"`
	Reasons           []Count                `json:"reasons"`
}

// promoKeywords mark rejections of marketing mail.
var promoKeywords = []string{"promotional", "marketing", "sale", "discount", "offer", "deal", "promo"}

// titleKeywords are the promoKeywords that penalize a new deadline's title.
var titleKeywords = []string{"promotional", "marketing", "sale", "discount", "offer"}

// rejectionKeywords returns the promoKeywords in a rejected record's title
// or reason.
func rejectionKeywords(r deadline.FeedbackRecord) []string {
	return matchKeywords(r.Title+" "+r.Reason, promoKeywords)
}

func matchKeywords(text string, keywords []string) []string {
	text = strings.ToLower(text)
	var out []string
	for _, k := range keywords {
		if strings.Contains(text, k) {
			out = append(out, k)
		}
	}
	return out
}

const maxReasonLen = 100

// Summarize counts records by label, and rejections by sender, keyword and
// reason. Count lists are sorted by count, then key.
func Summarize(records []deadline.FeedbackRecord) Stats {
	st := Stats{Total: len(records), ByLabel: make(map[deadline.Label]int)}
	senders := make(map[string]int)
	keywords := make(map[string]int)
	reasons := make(map[string]int)

	for _, r := range records {
		st.ByLabel[r.Label]++
		if r.Label != deadline.LabelRejected {
			continue
		}
		if s := NormalizeSender(r.Sender); s != "" {
			senders[s]++
		}
		for _, k := range rejectionKeywords(r) {
			keywords[k]++
		}
		if reason := strings.TrimSpace(r.Reason); reason != "" {
			if r := []rune(reason); len(r) > maxReasonLen {
				reason = string(r[:maxReasonLen])
			}
			reasons[strings.ToLower(reason)]++
		}
	}

	st.RejectedBySender = sortedCounts(senders)
	st.RejectedByKeyword = sortedCounts(keywords)
	st.Reasons = sortedCounts(reasons)
	return st
}

func sortedCounts(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for k, n := range m {
		out = append(out, Count{Key: k, Count: n})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}
