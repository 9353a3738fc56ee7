package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/deadlined/internal/config"
	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/extraction"
	"github.com/fyrsmithlabs/deadlined/internal/logging"
	"github.com/fyrsmithlabs/deadlined/internal/mail"
	"github.com/fyrsmithlabs/deadlined/internal/normalize"
	"github.com/fyrsmithlabs/deadlined/internal/reconcile"
	"github.com/fyrsmithlabs/deadlined/internal/telemetry"
)

var now = time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func raw(id string, received time.Time, subject, body string) mail.RawMessage {
	return mail.RawMessage{
		ID:         id,
		ReceivedAt: received,
		Data: fmt.Appendf(nil,
			"From: Streamflix <billing@streamflix.example>\r\nSubject: %s\r\nDate: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
			subject, received.Format(time.RFC1123Z), body),
	}
}

type fakeModel struct {
	available bool
	estimate  float64
	result    extraction.ModelResult
	err       error

	calls  int
	budget float64
}

func (f *fakeModel) Available() bool { return f.available }
func (f *fakeModel) Model() string   { return "gpt-4o-mini" }

func (f *fakeModel) Estimate(_ context.Context, n int) float64 { return f.estimate }

func (f *fakeModel) Extract(_ context.Context, _ []deadline.NormalizedMessage, budget float64) (extraction.ModelResult, error) {
	f.calls++
	f.budget = budget
	return f.result, f.err
}

type harness struct {
	cfg  Config
	comp Components
	opts []Option
}

func newHarness(t *testing.T, src mail.Source) *harness {
	t.Helper()
	patterns, err := extraction.NewPatternExtractor(extraction.PatternConfig{})
	require.NoError(t, err)
	return &harness{
		cfg: Config{
			Scan: config.ScanConfig{Mode: config.ScanModeDays, Days: 30, MaxMessages: 50},
			Now:  func() time.Time { return now },
		},
		comp: Components{
			Source:     src,
			Normalizer: normalize.New(),
			Patterns:   patterns,
			Reconciler: reconcile.New(reconcile.Config{Now: func() time.Time { return now }}, nil, nil),
		},
	}
}

func (h *harness) run(t *testing.T, ctx context.Context) (*Result, error) {
	t.Helper()
	o, err := New(h.cfg, h.comp, h.opts...)
	require.NoError(t, err)
	return o.Run(ctx)
}

func renewalMail() []mail.RawMessage {
	return []mail.RawMessage{
		raw("m1", day(2024, 5, 1), "Your plan", "Your subscription renews on 2024-06-01."),
		raw("m2", day(2024, 5, 8), "Your plan", "Reminder: your subscription renews on 2024-06-01."),
	}
}

func TestRun_RenewalAcrossMessages(t *testing.T) {
	h := newHarness(t, &mail.StaticSource{Messages: renewalMail()})

	res, err := h.run(t, context.Background())
	require.NoError(t, err)
	require.Len(t, res.Deadlines, 1)

	d := res.Deadlines[0]
	assert.Equal(t, []string{"m1", "m2"}, d.MergedFrom)
	assert.Equal(t, day(2024, 6, 1), d.DeadlineAt)
	assert.Equal(t, deadline.CategorySubscription, d.Category)

	st := res.Stats
	assert.Equal(t, 2, st.MessagesScanned)
	assert.Equal(t, 2, st.MessagesProcessed)
	assert.Equal(t, 2, st.PatternCandidates)
	assert.Equal(t, 2, st.CandidatesPre)
	assert.Equal(t, 1, st.CandidatesPost)
	assert.Equal(t, 1, st.Reconcile.Duplicates)
	assert.Equal(t, 1, st.UniqueSenders)
	assert.Equal(t, []string{"Your plan", "Your plan"}, st.SampleSubjects)
	assert.True(t, st.ModelSkipped)
	assert.Equal(t, "model extraction disabled", st.ModelSkipReason)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, day(2024, 4, 20).Add(9*time.Hour), st.WindowStart)
}

func TestRun_PatternOnlyWhenOverBudget(t *testing.T) {
	model := &fakeModel{available: true, estimate: 0.02}
	h := newHarness(t, &mail.StaticSource{Messages: renewalMail()})
	h.cfg.UseModel = true
	h.cfg.Budget = 0.01
	h.comp.Model = model

	res, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Zero(t, model.calls)
	assert.True(t, res.Stats.ModelSkipped)
	assert.Contains(t, res.Stats.ModelSkipReason, "exceeds budget")
	assert.Zero(t, res.Stats.ActualCost)
	assert.Equal(t, 0.02, res.Stats.EstimatedCost)
	require.Len(t, res.Deadlines, 1)
	assert.Equal(t, []deadline.Method{deadline.MethodPattern}, res.Deadlines[0].AllMethods())
}

func TestRun_ModelMergesWithPattern(t *testing.T) {
	model := &fakeModel{
		available: true,
		estimate:  0.001,
		result: extraction.ModelResult{
			Candidates: []deadline.Candidate{{
				SourceMessageID: "m1",
				RawEvidence:     "trial ends June 15",
				DeadlineAt:      day(2024, 6, 15).Add(17 * time.Hour),
				Title:           "Streamflix trial ends",
				Category:        deadline.CategoryTrial,
				Confidence:      0.9,
				Method:          deadline.MethodModel,
			}},
			Errors:           []error{&deadline.SchemaValidationError{MessageID: "m2", Err: errors.New("missing title")}},
			Cost:             0.0007,
			PromptTokens:     1200,
			CompletionTokens: 90,
			Calls:            1,
		},
	}
	var quotes []Quote
	h := newHarness(t, &mail.StaticSource{Messages: []mail.RawMessage{
		raw("m1", day(2024, 5, 1), "Welcome", "Your free trial ends on 2024-06-15."),
		raw("m2", day(2024, 5, 2), "Newsletter", "Nothing to see here."),
	}})
	h.cfg.UseModel = true
	h.cfg.Budget = 0.05
	h.comp.Model = model
	h.comp.Approver = ApproverFunc(func(_ context.Context, q Quote) (bool, error) {
		quotes = append(quotes, q)
		return true, nil
	})

	res, err := h.run(t, context.Background())
	require.NoError(t, err)

	require.Len(t, quotes, 1)
	assert.Equal(t, Quote{Model: "gpt-4o-mini", Messages: 2, Estimate: 0.001, Budget: 0.05}, quotes[0])
	assert.Equal(t, 0.05, model.budget)

	require.Len(t, res.Deadlines, 1)
	d := res.Deadlines[0]
	assert.Equal(t, "Streamflix trial ends", d.Title)
	assert.Equal(t, []deadline.Method{deadline.MethodModel, deadline.MethodPattern}, d.Methods)
	assert.Equal(t, 0.9, d.Confidence)

	st := res.Stats
	assert.False(t, st.ModelSkipped)
	assert.Equal(t, 1, st.ModelCandidates)
	assert.Equal(t, 0.0007, st.ActualCost)
	assert.Equal(t, 1200, st.PromptTokens)
	assert.Equal(t, 1, st.Reconcile.MessageMerges)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, MessageError{MessageID: "m2", Stage: StageModel, Error: model.result.Errors[0].Error()}, st.Errors[0])
}

func TestRun_ApprovalDenied(t *testing.T) {
	model := &fakeModel{available: true, estimate: 0.001}
	h := newHarness(t, &mail.StaticSource{Messages: renewalMail()})
	h.cfg.UseModel = true
	h.cfg.Budget = 1
	h.comp.Model = model
	h.comp.Approver = ApproverFunc(func(context.Context, Quote) (bool, error) { return false, nil })

	res, err := h.run(t, context.Background())
	require.NoError(t, err)
	assert.Zero(t, model.calls)
	assert.Equal(t, "cost not approved", res.Stats.ModelSkipReason)
	assert.Len(t, res.Deadlines, 1)
}

func TestRun_ModelUnavailable(t *testing.T) {
	model := &fakeModel{available: false}
	h := newHarness(t, &mail.StaticSource{Messages: renewalMail()})
	h.cfg.UseModel = true
	h.cfg.Budget = 1
	h.comp.Model = model

	res, err := h.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, "model not configured", res.Stats.ModelSkipReason)
	assert.Zero(t, res.Stats.EstimatedCost)

	h.comp.Model = nil
	res, err = h.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, "model not configured", res.Stats.ModelSkipReason)
}

func TestRun_BudgetExceededMidRun(t *testing.T) {
	model := &fakeModel{
		available: true,
		estimate:  0.009,
		result:    extraction.ModelResult{Cost: 0.008, Calls: 1},
		err: errors.Join(
			&deadline.BudgetExceededError{Budget: 0.01, Spent: 0.008, Requested: 0.004},
			&deadline.ModelUnavailableError{Err: errors.New("connection reset")},
		),
	}
	h := newHarness(t, &mail.StaticSource{Messages: renewalMail()})
	h.cfg.UseModel = true
	h.cfg.Budget = 0.01
	h.comp.Model = model

	res, err := h.run(t, context.Background())
	require.NoError(t, err, "model failures never fail a run")
	assert.True(t, res.Stats.BudgetExceeded)
	assert.Equal(t, 0.008, res.Stats.ActualCost)
	require.Len(t, res.Stats.Warnings, 2)
	assert.Contains(t, res.Stats.Warnings[0], "budget exhausted")
	assert.Contains(t, res.Stats.Warnings[1], "connection reset")
	assert.Len(t, res.Deadlines, 1, "pattern results survive")
}

func TestRun_NoMessages(t *testing.T) {
	h := newHarness(t, &mail.StaticSource{})

	res, err := h.run(t, context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NotNil(t, res.Deadlines)
	assert.Empty(t, res.Deadlines)
	assert.Zero(t, res.Stats.MessagesScanned)
}

// failingSource yields its messages, then fails.
type failingSource struct {
	msgs []mail.RawMessage
	err  error
}

func (s *failingSource) Name() string { return "failing" }

func (s *failingSource) Fetch(context.Context, time.Time, int) iter.Seq2[mail.RawMessage, error] {
	return func(yield func(mail.RawMessage, error) bool) {
		for _, m := range s.msgs {
			if !yield(m, nil) {
				return
			}
		}
		yield(mail.RawMessage{}, s.err)
	}
}

func TestRun_SourceUnavailable(t *testing.T) {
	h := newHarness(t, &failingSource{msgs: renewalMail()[:1], err: errors.New("connection refused")})

	res, err := h.run(t, context.Background())
	var unavailable *deadline.SourceUnavailableError
	require.True(t, errors.As(err, &unavailable), "got %v", err)
	assert.Equal(t, "failing", unavailable.Source)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Stats.MessagesScanned)
	assert.Equal(t, 1, res.Stats.MessagesProcessed, "partial reads are counted")
	assert.Equal(t, 1, res.Stats.UniqueSenders)
	assert.Empty(t, res.Deadlines)
}

func TestRun_ConfigError(t *testing.T) {
	h := newHarness(t, &mail.StaticSource{})
	h.cfg.Scan.Mode = "weeks"

	res, err := h.run(t, context.Background())
	assert.Nil(t, res)
	var cfgErr *deadline.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "scan.mode", cfgErr.Field)
}

func TestRun_Canceled(t *testing.T) {
	h := newHarness(t, &mail.StaticSource{Messages: renewalMail()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.run(t, ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Empty(t, res.Deadlines)
}

func TestRun_CapAndSkips(t *testing.T) {
	msgs := []mail.RawMessage{
		{ID: "broken", ReceivedAt: day(2024, 5, 1), Data: []byte("this is not a message")},
		raw("m1", day(2024, 5, 2), "Trial", "Your free trial ends on 2024-06-15."),
		raw("m1", day(2024, 5, 2), "Trial", "Your free trial ends on 2024-06-15."),
		raw("m3", day(2024, 5, 3), "Refund", "Refund deadline: 2024-06-20."),
	}
	h := newHarness(t, &mail.StaticSource{Messages: msgs})
	h.cfg.Scan.MaxMessages = 3

	res, err := h.run(t, context.Background())
	require.NoError(t, err)

	st := res.Stats
	assert.Equal(t, 3, st.Cap)
	assert.Equal(t, 3, st.MessagesScanned)
	assert.Equal(t, 2, st.MessagesSkipped, "one undecodable, one repeated")
	assert.Equal(t, 1, st.MessagesProcessed)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, "broken", st.Errors[0].MessageID)
	assert.Equal(t, StageFetch, st.Errors[0].Stage)
	require.Len(t, res.Deadlines, 1)
	assert.Equal(t, deadline.CategoryTrial, res.Deadlines[0].Category)
}

func TestRun_Telemetry(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	tl := logging.NewTestLogger()
	var stages []Stage

	h := newHarness(t, &mail.StaticSource{Messages: renewalMail()})
	h.opts = []Option{
		WithTracer(tt.Tracer(InstrumentationName)),
		WithMeter(tt.Meter(InstrumentationName)),
		WithLogger(tl.Logger),
		WithProgress(func(p Progress) { stages = append(stages, p.Stage) }),
	}

	_, err := h.run(t, context.Background())
	require.NoError(t, err)

	tt.AssertSpanExists(t, "pipeline.run")
	tt.AssertSpanExists(t, "pipeline.fetch")
	tt.AssertSpanExists(t, "pipeline.pattern")
	tt.AssertSpanExists(t, "pipeline.reconcile")
	tt.AssertSpanAttribute(t, "pipeline.run", "outcome", "ok")
	tt.AssertSpanAttribute(t, "pipeline.run", "candidates.post", int64(1))

	names, err := tt.MetricNames(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "deadlined.pipeline.runs")
	assert.Contains(t, names, "deadlined.pipeline.duration")

	assert.Contains(t, stages, StageFetch)
	assert.Equal(t, StageDone, stages[len(stages)-1])
	finished := tl.FilterMessage("scan finished").All()
	require.Len(t, finished, 1)
	assert.Equal(t, int64(1), finished[0].ContextMap()["deadlines"])
}

func TestWriteTextfile(t *testing.T) {
	h := newHarness(t, &mail.StaticSource{Messages: renewalMail()})
	_, err := h.run(t, context.Background())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "deadlined.prom")
	require.NoError(t, WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "deadlined_pipeline_runs_total")
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(Config{}, Components{})
	assert.Error(t, err)
}
