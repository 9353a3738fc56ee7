// Package reconcile turns the candidates of one run into the final sorted
// deadline list: it merges pattern and model detections per message,
// collapses duplicates across messages, applies feedback and drops weak
// results.
package reconcile

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/feedback"
	"github.com/fyrsmithlabs/deadlined/internal/logging"
)

// Defaults.
const (
	DefaultSimilarityThreshold = 0.6
	DefaultMinConfidence       = 0.3
)

// Config holds the tunable merge parameters.
type Config struct {
	// SimilarityThreshold is the minimum token Jaccard similarity of two
	// titles for them to describe the same deadline.
	SimilarityThreshold float64
	// TimeTolerance bounds the distance between duplicate deadlines.
	// Zero means the same calendar day in Location.
	TimeTolerance time.Duration
	// MinConfidence drops deadlines below it after feedback.
	MinConfidence float64
	// Location defines calendar days. Default: UTC
	Location *time.Location

	Policy feedback.Policy
	Now    func() time.Time
}

func (c *Config) applyDefaults() {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.TimeTolerance < 0 {
		c.TimeTolerance = 0
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = DefaultMinConfidence
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Report describes what one reconciliation did.
type Report struct {
	Input             int      `json:"input"`
	Invalid           int      `json:"invalid"`
	MessageMerges     int      `json:"message_merges"`
	Duplicates        int      `json:"duplicates"`
	FeedbackApplied   int      `json:"feedback_applied"`
	CategoryOverrides int      `json:"category_overrides"`
	SenderPenalized   int      `json:"sender_penalized"`
	KeywordPenalized  int      `json:"keyword_penalized"`
	SenderBlocked     int      `json:"sender_blocked"`
	BelowFloor        int      `json:"below_floor"`
	Output            int      `json:"output"`
	FeedbackDegraded  bool     `json:"feedback_degraded"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Reconciler merges candidates into deadlines. It is not safe for
// concurrent use; one run reconciles once, after extraction has finished.
type Reconciler struct {
	cfg    Config
	store  feedback.Store
	logger *logging.Logger
}

// New creates a reconciler. store may be nil to skip feedback.
func New(cfg Config, store feedback.Store, logger *logging.Logger) *Reconciler {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reconciler{cfg: cfg, store: store, logger: logger.Named("reconcile")}
}

// Reconcile returns the sorted deadlines for candidates. The result does not
// depend on the order of candidates. Feedback read failures degrade to no
// adjustment and are reported as warnings.
func (r *Reconciler) Reconcile(ctx context.Context, candidates []deadline.Candidate) ([]deadline.Deadline, Report) {
	rep := Report{Input: len(candidates)}

	valid := make([]deadline.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.DeadlineAt.IsZero() {
			rep.Invalid++
			continue
		}
		valid = append(valid, c)
	}
	slices.SortFunc(valid, compareCandidates)

	merged, n := r.mergeWithinMessages(valid)
	rep.MessageMerges = n

	deadlines := r.dedup(merged)
	rep.Duplicates = len(merged) - len(deadlines)

	ix := r.loadFeedback(ctx, &rep)
	kept := deadlines[:0]
	for _, d := range deadlines {
		if !r.applyFeedback(ix, &d, &rep) {
			rep.SenderBlocked++
			continue
		}
		if d.Confidence < r.cfg.MinConfidence {
			rep.BelowFloor++
			continue
		}
		kept = append(kept, d)
	}

	Sort(kept)
	rep.Output = len(kept)

	r.logger.Debug(ctx, "reconciled",
		zap.Int("input", rep.Input),
		zap.Int("message_merges", rep.MessageMerges),
		zap.Int("duplicates", rep.Duplicates),
		zap.Int("below_floor", rep.BelowFloor),
		zap.Int("output", rep.Output))
	return kept, rep
}

// Sort orders deadlines by date ascending, then confidence descending, then
// title.
func Sort(ds []deadline.Deadline) {
	slices.SortStableFunc(ds, func(a, b deadline.Deadline) int {
		if c := a.DeadlineAt.Compare(b.DeadlineAt); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return strings.Compare(a.Title, b.Title)
	})
}

func (r *Reconciler) loadFeedback(ctx context.Context, rep *Report) *feedback.Index {
	if r.store == nil {
		return nil
	}
	ix, err := feedback.Load(ctx, r.store, r.cfg.Policy, r.cfg.Now())
	if err != nil {
		rep.FeedbackDegraded = true
		rep.Warnings = append(rep.Warnings, "feedback unavailable, confidence not adjusted: "+err.Error())
		r.logger.Warn(ctx, "feedback unavailable, continuing without adjustment", zap.Error(err))
		return nil
	}
	return ix
}

// applyFeedback adjusts d in place and returns false when d's sender is
// blocked.
func (r *Reconciler) applyFeedback(ix *feedback.Index, d *deadline.Deadline, rep *Report) bool {
	d.BaseConfidence, d.BaseCategory = d.Confidence, d.Category
	original := feedback.Fingerprint(d.Candidate)
	d.Fingerprint = original
	if ix == nil {
		return true
	}
	if ix.SenderBlocked(d.Sender, original) {
		return false
	}

	adj, ok := ix.Lookup(original)
	if ok && adj.Category != "" && adj.Category != d.Category {
		d.Category = adj.Category
		d.Fingerprint = feedback.Fingerprint(d.Candidate)
		// Records made against the corrected deadline count too.
		adj, _ = ix.Adjust(original, d.Fingerprint)
		rep.CategoryOverrides++
	}
	if ok {
		d.Confidence = adj.Apply(d.Confidence)
		d.DisplayDate = adj.DisplayDate
		rep.FeedbackApplied++
	}

	if p := ix.SenderPenalty(d.Sender, original); p > 0 {
		d.Confidence = max(0, d.Confidence-p)
		rep.SenderPenalized++
	}
	if p := ix.KeywordPenalty(d.Title, original); p > 0 {
		d.Confidence = max(0, d.Confidence-p)
		rep.KeywordPenalized++
	}
	return true
}

// compareCandidates is the canonical order that makes reconciliation
// independent of input order.
func compareCandidates(a, b deadline.Candidate) int {
	if c := a.DeadlineAt.Compare(b.DeadlineAt); c != 0 {
		return c
	}
	return cmp.Or(
		strings.Compare(a.Title, b.Title),
		strings.Compare(string(a.Category), string(b.Category)),
		strings.Compare(a.SourceMessageID, b.SourceMessageID),
		cmp.Compare(b.Confidence, a.Confidence),
		strings.Compare(string(a.Method), string(b.Method)),
		slices.Compare(a.AllMethods(), b.AllMethods()),
		slices.Compare(a.Sources(), b.Sources()),
		strings.Compare(a.RawEvidence, b.RawEvidence),
		strings.Compare(a.Rule, b.Rule),
		strings.Compare(a.Summary, b.Summary),
		strings.Compare(a.Excerpt, b.Excerpt),
		strings.Compare(a.Sender, b.Sender),
		a.ReceivedAt.Compare(b.ReceivedAt),
	)
}

func (r *Reconciler) sameDay(a, b time.Time) bool {
	a, b = a.In(r.cfg.Location), b.In(r.cfg.Location)
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
