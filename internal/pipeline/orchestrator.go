package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/extraction"
	"github.com/fyrsmithlabs/deadlined/internal/feedback"
	"github.com/fyrsmithlabs/deadlined/internal/logging"
	"github.com/fyrsmithlabs/deadlined/internal/scanwindow"
)

// Run outcomes, used as metric labels.
const (
	outcomeOK                = "ok"
	outcomeSourceUnavailable = "source_unavailable"
	outcomeConfigError       = "config_error"
	outcomeCanceled          = "canceled"
)

// Orchestrator runs scans. Each Run is independent; an Orchestrator may be
// reused but not shared between concurrent runs.
type Orchestrator struct {
	cfg Config
	c   Components

	logger   *logging.Logger
	tracer   trace.Tracer
	inst     *instruments
	progress ProgressCallback
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger   *logging.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	progress ProgressCallback
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer sets the tracer. Default: the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMeter sets the meter. Default: the global provider.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithProgress sets the progress callback. It is called from the goroutine
// running Run.
func WithProgress(cb ProgressCallback) Option {
	return func(o *options) { o.progress = cb }
}

// New creates an Orchestrator. Source, Normalizer, Patterns and Reconciler
// are required.
func New(cfg Config, c Components, opts ...Option) (*Orchestrator, error) {
	switch {
	case c.Source == nil:
		return nil, errors.New("mail source is required")
	case c.Normalizer == nil:
		return nil, errors.New("normalizer is required")
	case c.Patterns == nil:
		return nil, errors.New("pattern extractor is required")
	case c.Reconciler == nil:
		return nil, errors.New("reconciler is required")
	}
	if c.Approver == nil {
		c.Approver = AutoApprove
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(InstrumentationName)
	}
	inst, err := newInstruments(o.meter)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline metrics: %w", err)
	}

	return &Orchestrator{
		cfg:      cfg,
		c:        c,
		logger:   o.logger.Named("pipeline"),
		tracer:   o.tracer,
		inst:     inst,
		progress: o.progress,
	}, nil
}

// Run performs one scan.
//
// A configuration error returns a nil Result. An unavailable source returns
// a *deadline.SourceUnavailableError together with a Result holding the
// partial stats. Cancellation returns ctx's error with partial stats.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	start := o.cfg.Now()
	runID := logging.RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = logging.WithRunID(ctx, runID)
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	res := &Result{Stats: Stats{RunID: runID}}
	st := &res.Stats
	finish := func(outcome string, err error) (*Result, error) {
		st.Duration = since(start, o.cfg.Now)
		span.SetAttributes(statsAttributes(st)...)
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.inst.record(ctx, st, outcome)
		countRun(st, outcome)
		return res, err
	}

	window, err := scanwindow.Compute(o.cfg.Scan, start)
	if err != nil {
		o.logger.Error(ctx, "invalid scan window", zap.Error(err))
		_, err = finish(outcomeConfigError, err)
		return nil, err
	}
	st.WindowStart, st.Cap = window.LowerBound, window.Cap
	o.logger.Info(ctx, "scan started",
		zap.String("source", o.c.Source.Name()),
		zap.Time("since", window.LowerBound),
		zap.Int("cap", window.Cap))

	msgs, err := o.fetch(ctx, window, st)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return finish(outcomeCanceled, ctxErr)
		}
		o.logger.Error(ctx, "mail source unavailable", zap.Error(err), zap.Int("scanned", st.MessagesScanned))
		return finish(outcomeSourceUnavailable, err)
	}

	cands, err := o.extractPatterns(ctx, msgs, st)
	if err != nil {
		return finish(outcomeCanceled, err)
	}

	modelCands, err := o.runModel(ctx, msgs, st)
	if err != nil {
		return finish(outcomeCanceled, err)
	}
	cands = append(cands, modelCands...)
	st.CandidatesPre = len(cands)

	o.report(Progress{Stage: StageReconcile, Message: fmt.Sprintf("reconciling %d candidates", len(cands)), Total: len(cands)})
	rctx, rspan := startStage(ctx, o.tracer, StageReconcile)
	deadlines, rep := o.c.Reconciler.Reconcile(rctx, cands)
	rspan.SetAttributes(attribute.Int("deadlines", len(deadlines)), attribute.Bool("feedback.degraded", rep.FeedbackDegraded))
	rspan.End()
	if err := ctx.Err(); err != nil {
		return finish(outcomeCanceled, err)
	}

	res.Deadlines = deadlines
	st.Reconcile = rep
	st.CandidatesPost = len(deadlines)
	st.DroppedBelowFloor = rep.BelowFloor
	st.Warnings = append(st.Warnings, rep.Warnings...)

	res, err = finish(outcomeOK, nil)
	o.report(Progress{Stage: StageDone, Message: fmt.Sprintf("found %d deadlines", len(deadlines)), Done: len(deadlines), Total: len(deadlines)})
	o.logger.Info(ctx, "scan finished",
		zap.Int("scanned", st.MessagesScanned),
		zap.Int("skipped", st.MessagesSkipped),
		zap.Int("candidates", st.CandidatesPre),
		zap.Int("deadlines", st.CandidatesPost),
		zap.Bool("model_skipped", st.ModelSkipped),
		zap.Float64("cost", st.ActualCost),
		zap.Duration("duration", st.Duration))
	return res, err
}

// fetch pulls and normalizes messages until the source ends or the cap is
// reached. Undecodable and repeated messages are skipped.
func (o *Orchestrator) fetch(ctx context.Context, w scanwindow.Window, st *Stats) ([]deadline.NormalizedMessage, error) {
	ctx, span := startStage(ctx, o.tracer, StageFetch)
	defer span.End()

	var msgs []deadline.NormalizedMessage
	seen := make(map[string]bool)
	senders := make(map[string]bool)
	// Partial reads still count toward the run's totals.
	defer func() {
		st.MessagesProcessed = len(msgs)
		st.UniqueSenders = len(senders)
	}()

	for raw, err := range o.c.Source.Fetch(ctx, w.LowerBound, w.Cap) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return msgs, ctxErr
			}
			var unavailable *deadline.SourceUnavailableError
			if !errors.As(err, &unavailable) {
				err = &deadline.SourceUnavailableError{Source: o.c.Source.Name(), Err: err}
			}
			span.RecordError(err)
			return msgs, err
		}

		st.MessagesScanned++
		msg, err := o.c.Normalizer.Normalize(raw)
		switch {
		case err != nil:
			st.MessagesSkipped++
			st.addError(raw.ID, StageFetch, err)
			o.logger.Debug(logging.WithMessageID(ctx, raw.ID), "skipping undecodable message", zap.Error(err))
		case seen[msg.ID]:
			st.MessagesSkipped++
		default:
			seen[msg.ID] = true
			msgs = append(msgs, msg)
			senders[senderKey(msg.Sender)] = true
			if len(st.SampleSubjects) < sampleSubjects {
				st.SampleSubjects = append(st.SampleSubjects, truncate(msg.Subject, sampleSubjectLen))
			}
		}
		o.report(Progress{Stage: StageFetch, Message: "reading messages", Done: st.MessagesScanned, Total: w.Cap})

		if st.MessagesScanned >= w.Cap {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return msgs, err
	}

	span.SetAttributes(attribute.Int("messages.scanned", st.MessagesScanned), attribute.Int("messages.processed", len(msgs)))
	return msgs, nil
}

// extractPatterns runs the rule table over msgs on a bounded worker pool.
// Output order follows msgs.
func (o *Orchestrator) extractPatterns(ctx context.Context, msgs []deadline.NormalizedMessage, st *Stats) ([]deadline.Candidate, error) {
	ctx, span := startStage(ctx, o.tracer, StagePattern)
	defer span.End()
	o.report(Progress{Stage: StagePattern, Message: "matching deadline phrases", Total: len(msgs)})

	results := make([]extraction.Result, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i, msg := range msgs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = o.c.Patterns.Extract(msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var cands []deadline.Candidate
	for i, r := range results {
		cands = append(cands, r.Candidates...)
		st.DateRejections += len(r.Rejections)
		st.PromoSuppressed += r.Suppressed
		for _, rej := range r.Rejections {
			o.logger.Trace(logging.WithMessageID(ctx, msgs[i].ID), "phrase without usable date", zap.Error(rej))
		}
	}
	st.PatternCandidates = len(cands)
	span.SetAttributes(attribute.Int("candidates", len(cands)))
	return cands, nil
}

// runModel runs the model stage when it is enabled, configured, within
// budget and approved. Only cancellation is returned as an error.
func (o *Orchestrator) runModel(ctx context.Context, msgs []deadline.NormalizedMessage, st *Stats) ([]deadline.Candidate, error) {
	skip := func(reason string) ([]deadline.Candidate, error) {
		st.ModelSkipped = true
		st.ModelSkipReason = reason
		o.logger.Info(ctx, "model extraction skipped", zap.String("reason", reason))
		return nil, nil
	}

	if !o.cfg.UseModel {
		return skip("model extraction disabled")
	}
	if o.c.Model == nil || !o.c.Model.Available() {
		return skip("model not configured")
	}
	st.Model = o.c.Model.Model()
	if len(msgs) == 0 {
		return skip("no messages")
	}

	estimate := o.c.Model.Estimate(ctx, len(msgs))
	st.EstimatedCost = estimate
	if estimate > o.cfg.Budget {
		return skip(fmt.Sprintf("estimated cost $%.4f exceeds budget $%.4f", estimate, o.cfg.Budget))
	}

	approved, err := o.c.Approver.Approve(ctx, Quote{
		Model:    st.Model,
		Messages: len(msgs),
		Estimate: estimate,
		Budget:   o.cfg.Budget,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		st.warn("cost approval failed: " + err.Error())
		return skip("cost approval failed")
	}
	if !approved {
		return skip("cost not approved")
	}

	ctx, span := startStage(ctx, o.tracer, StageModel)
	defer span.End()
	o.report(Progress{Stage: StageModel, Message: fmt.Sprintf("asking %s about %d messages", st.Model, len(msgs)), Total: len(msgs)})

	mr, err := o.c.Model.Extract(ctx, msgs, o.cfg.Budget)
	st.ModelCandidates = len(mr.Candidates)
	st.ActualCost = mr.Cost
	st.PromptTokens = mr.PromptTokens
	st.CompletionTokens = mr.CompletionTokens
	st.ModelCalls = mr.Calls
	for _, rej := range mr.Errors {
		var sv *deadline.SchemaValidationError
		id := ""
		if errors.As(rej, &sv) {
			id = sv.MessageID
		}
		st.addError(id, StageModel, rej)
	}
	span.SetAttributes(
		attribute.Int("candidates", len(mr.Candidates)),
		attribute.Float64("cost", mr.Cost),
		attribute.Int("calls", mr.Calls),
	)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		span.RecordError(err)
		if errors.Is(err, deadline.ErrBudgetExceeded) {
			st.BudgetExceeded = true
			st.warn("model budget exhausted; remaining messages use pattern results only")
		}
		var unavailable *deadline.ModelUnavailableError
		if errors.As(err, &unavailable) {
			st.warn(unavailable.Error())
		}
		o.logger.Warn(ctx, "model extraction incomplete", zap.Error(err))
	}
	return mr.Candidates, nil
}

func (o *Orchestrator) report(p Progress) {
	if o.progress != nil {
		o.progress(p)
	}
}

func senderKey(sender string) string {
	if s := feedback.NormalizeSender(sender); s != "" {
		return s
	}
	return strings.ToLower(strings.TrimSpace(sender))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
