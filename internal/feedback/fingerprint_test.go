package feedback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

func candidate(id, title string, cat deadline.Category, received, at time.Time) deadline.Candidate {
	return deadline.Candidate{
		SourceMessageID: id,
		Title:           title,
		Category:        cat,
		ReceivedAt:      received,
		DeadlineAt:      at,
		Confidence:      0.8,
		Method:          deadline.MethodPattern,
	}
}

func TestTitleTokens(t *testing.T) {
	assert.Equal(t, []string{"ends", "streamflix", "trial"}, TitleTokens("Your Streamflix trial ends on 2024-03-15"))
	assert.Equal(t, []string{"renews", "subscription"}, TitleTokens("Subscription renews, subscription RENEWS!"))
	assert.Equal(t, []string{"strasse"}, TitleTokens("STRASSE Straße"))
	assert.Empty(t, TitleTokens("on the 15th"))
}

func TestDeltaBucket(t *testing.T) {
	recv := time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "same-day"},
		{time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC), "past"},
		{time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), "<=7d"},
		{time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), "<=31d"},
		{time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "<=92d"},
		{time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), ">92d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeltaBucket(recv, tt.at), tt.at.String())
	}
	assert.Equal(t, "unknown", DeltaBucket(time.Time{}, recv))
}

func TestFingerprint(t *testing.T) {
	recv := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	at := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	base := candidate("m1", "Your Streamflix trial ends", deadline.CategoryTrial, recv, at)
	fp := Fingerprint(base)

	assert.Len(t, fp, 32)

	// Same deadline seen in another message a day later.
	other := candidate("m2", "your streamflix TRIAL ends!", deadline.CategoryTrial, recv.AddDate(0, 0, 1), at)
	assert.Equal(t, fp, Fingerprint(other))

	diffCat := base
	diffCat.Category = deadline.CategoryBilling
	assert.NotEqual(t, fp, Fingerprint(diffCat))

	diffBucket := base
	diffBucket.DeadlineAt = at.AddDate(0, 3, 0)
	assert.NotEqual(t, fp, Fingerprint(diffBucket))

	diffTitle := base
	diffTitle.Title = "Netflix trial ends"
	assert.NotEqual(t, fp, Fingerprint(diffTitle))
}
