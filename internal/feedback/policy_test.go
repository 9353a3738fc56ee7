package feedback

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func rec(label deadline.Label, age time.Duration) deadline.FeedbackRecord {
	return deadline.FeedbackRecord{Fingerprint: "fp", Label: label, RecordedAt: now.Add(-age)}
}

func TestPolicy_Compute(t *testing.T) {
	p := DefaultPolicy()

	assert.Zero(t, p.Compute(nil, now).Delta)

	adj := p.Compute([]deadline.FeedbackRecord{rec(deadline.LabelAccepted, 0)}, now)
	assert.InDelta(t, 0.15, adj.Delta, 1e-9)
	assert.Equal(t, 1, adj.Accepted)

	adj = p.Compute([]deadline.FeedbackRecord{rec(deadline.LabelRejected, 0)}, now)
	assert.InDelta(t, -0.15, adj.Delta, 1e-9)
	assert.Equal(t, 1, adj.Rejected)

	// Many votes approach MaxDelta without reaching it.
	var many []deadline.FeedbackRecord
	for range 100 {
		many = append(many, rec(deadline.LabelAccepted, 0))
	}
	adj = p.Compute(many, now)
	assert.Less(t, adj.Delta, p.MaxDelta)
	assert.Greater(t, adj.Delta, 0.29)
}

func TestPolicy_HalfLife(t *testing.T) {
	p := DefaultPolicy()
	fresh := p.Compute([]deadline.FeedbackRecord{rec(deadline.LabelRejected, 0)}, now)
	old := p.Compute([]deadline.FeedbackRecord{rec(deadline.LabelRejected, DefaultHalfLife)}, now)

	// w = 0.5: -0.3 * 0.5 / 1.5
	assert.InDelta(t, -0.1, old.Delta, 1e-9)
	assert.Less(t, fresh.Delta, old.Delta)

	future := p.Compute([]deadline.FeedbackRecord{rec(deadline.LabelAccepted, -time.Hour)}, now)
	assert.InDelta(t, 0.15, future.Delta, 1e-9)
}

func TestPolicy_AcceptedNeverLowersDelta(t *testing.T) {
	p := DefaultPolicy()
	labels := []deadline.Label{
		deadline.LabelAccepted, deadline.LabelRejected,
		deadline.LabelCorrectedDate, deadline.LabelCorrectedCategory,
	}
	r := rand.New(rand.NewPCG(1, 2))

	for range 200 {
		var history []deadline.FeedbackRecord
		for range r.IntN(12) {
			label := labels[r.IntN(len(labels))]
			x := rec(label, time.Duration(r.IntN(400))*24*time.Hour)
			if label == deadline.LabelCorrectedCategory {
				x.CorrectionValue = "billing"
			}
			history = append(history, x)
		}
		before := p.Compute(history, now).Delta

		added := append(history, rec(deadline.LabelAccepted, time.Duration(r.IntN(400))*24*time.Hour))
		after := p.Compute(added, now).Delta
		require.GreaterOrEqual(t, after, before-1e-12)

		added = append(history, rec(deadline.LabelRejected, time.Duration(r.IntN(400))*24*time.Hour))
		after = p.Compute(added, now).Delta
		require.LessOrEqual(t, after, before+1e-12)
	}
}

func TestPolicy_Corrections(t *testing.T) {
	p := DefaultPolicy()
	records := []deadline.FeedbackRecord{
		{Fingerprint: "fp", Label: deadline.LabelCorrectedCategory, CorrectionValue: "refund", RecordedAt: now.Add(-time.Hour)},
		{Fingerprint: "fp", Label: deadline.LabelCorrectedCategory, CorrectionValue: "billing", RecordedAt: now.Add(-48 * time.Hour)},
		{Fingerprint: "fp", Label: deadline.LabelCorrectedDate, CorrectionValue: "2024-07-01", RecordedAt: now.Add(-time.Hour)},
	}
	adj := p.Compute(records, now)
	assert.Equal(t, deadline.CategoryRefund, adj.Category, "latest correction wins regardless of order")
	require.NotNil(t, adj.DisplayDate)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), *adj.DisplayDate)
	assert.Positive(t, adj.Delta)
}

func TestAdjustment_ApplyClips(t *testing.T) {
	assert.Equal(t, 1.0, Adjustment{Delta: 0.3}.Apply(0.9))
	assert.Equal(t, 0.0, Adjustment{Delta: -0.3}.Apply(0.1))
	assert.InDelta(t, 0.7, Adjustment{Delta: -0.1}.Apply(0.8), 1e-9)
}

func TestSenderPenalty(t *testing.T) {
	assert.Zero(t, SenderPenalty(0))
	assert.InDelta(t, 0.2, SenderPenalty(2), 1e-9)
	assert.Equal(t, 0.5, SenderPenalty(9))
}

func TestNormalizeSender(t *testing.T) {
	assert.Equal(t, "billing@streamflix.example", NormalizeSender("Streamflix <Billing@Streamflix.example>"))
	assert.Equal(t, "billing@streamflix.example", NormalizeSender(" billing@streamflix.example "))
	assert.Equal(t, "not an address", NormalizeSender("Not An Address"))
	assert.Empty(t, NormalizeSender(""))
}

func TestIndex(t *testing.T) {
	records := []deadline.FeedbackRecord{
		{Fingerprint: "a", Label: deadline.LabelRejected, Sender: "Promo <deals@shop.example>", RecordedAt: now},
		{Fingerprint: "b", Label: deadline.LabelRejected, Sender: "deals@shop.example", RecordedAt: now},
		{Fingerprint: "c", Label: deadline.LabelAccepted, Sender: "deals@shop.example", RecordedAt: now},
	}
	ix := NewIndex(records, DefaultPolicy(), now)
	assert.Equal(t, 3, ix.Len())

	adj, ok := ix.Lookup("a")
	require.True(t, ok)
	assert.Negative(t, adj.Delta)

	_, ok = ix.Lookup("missing")
	assert.False(t, ok)

	// Rejections under the candidate's own fingerprint are already in its delta.
	assert.InDelta(t, 0.1, ix.SenderPenalty("deals@shop.example", "a"), 1e-9)
	assert.InDelta(t, 0.2, ix.SenderPenalty("deals@shop.example", "z"), 1e-9)
	assert.Zero(t, ix.SenderPenalty("other@example.com", "z"))

	var nilIndex *Index
	_, ok = nilIndex.Lookup("a")
	assert.False(t, ok)
	assert.Zero(t, nilIndex.SenderPenalty("x", "y"))
}

func TestIndex_AdjustAcrossFingerprints(t *testing.T) {
	records := []deadline.FeedbackRecord{
		{Fingerprint: "old", Label: deadline.LabelCorrectedCategory, CorrectionValue: "refund", RecordedAt: now.Add(-time.Hour)},
		{Fingerprint: "new", Label: deadline.LabelAccepted, RecordedAt: now},
	}
	ix := NewIndex(records, DefaultPolicy(), now)

	single, ok := ix.Lookup("old")
	require.True(t, ok)
	both, ok := ix.Adjust("old", "new", "old")
	require.True(t, ok)

	assert.Equal(t, deadline.CategoryRefund, both.Category)
	assert.Equal(t, 1, both.Accepted)
	assert.Greater(t, both.Delta, single.Delta)
}
