package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the OpenTelemetry scope of the pipeline.
const InstrumentationName = "github.com/fyrsmithlabs/deadlined/internal/pipeline"

// instruments holds the OpenTelemetry metrics of a run.
type instruments struct {
	runs       metric.Int64Counter
	messages   metric.Int64Counter
	candidates metric.Int64Counter
	deadlines  metric.Int64Counter
	cost       metric.Float64Counter
	duration   metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	in := &instruments{}
	var err error

	in.runs, err = meter.Int64Counter(
		"deadlined.pipeline.runs",
		metric.WithDescription("Total number of pipeline runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	in.messages, err = meter.Int64Counter(
		"deadlined.pipeline.messages",
		metric.WithDescription("Messages pulled from the source by result"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	in.candidates, err = meter.Int64Counter(
		"deadlined.pipeline.candidates",
		metric.WithDescription("Deadline candidates by extraction method"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		return nil, err
	}

	in.deadlines, err = meter.Int64Counter(
		"deadlined.pipeline.deadlines",
		metric.WithDescription("Deadlines emitted after reconciliation"),
		metric.WithUnit("{deadline}"),
	)
	if err != nil {
		return nil, err
	}

	in.cost, err = meter.Float64Counter(
		"deadlined.pipeline.model.cost",
		metric.WithDescription("Model spend"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	in.duration, err = meter.Float64Histogram(
		"deadlined.pipeline.duration",
		metric.WithDescription("Duration of pipeline runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (in *instruments) record(ctx context.Context, s *Stats, outcome string) {
	if in == nil {
		return
	}
	in.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	in.messages.Add(ctx, int64(s.MessagesProcessed), metric.WithAttributes(attribute.String("result", "processed")))
	in.messages.Add(ctx, int64(s.MessagesSkipped), metric.WithAttributes(attribute.String("result", "skipped")))
	in.candidates.Add(ctx, int64(s.PatternCandidates), metric.WithAttributes(attribute.String("method", "pattern")))
	in.candidates.Add(ctx, int64(s.ModelCandidates), metric.WithAttributes(attribute.String("method", "model")))
	in.deadlines.Add(ctx, int64(s.CandidatesPost))
	in.cost.Add(ctx, s.ActualCost)
	in.duration.Record(ctx, s.Duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// startStage opens a child span for one stage.
func startStage(ctx context.Context, tracer trace.Tracer, stage Stage) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline."+string(stage))
}

func statsAttributes(s *Stats) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("run.id", s.RunID),
		attribute.Int("messages.scanned", s.MessagesScanned),
		attribute.Int("messages.skipped", s.MessagesSkipped),
		attribute.Int("candidates.pre", s.CandidatesPre),
		attribute.Int("candidates.post", s.CandidatesPost),
		attribute.Bool("model.skipped", s.ModelSkipped),
		attribute.Float64("model.cost", s.ActualCost),
		attribute.Int64("duration_ms", s.Duration.Milliseconds()),
	}
}

func since(start time.Time, now func() time.Time) time.Duration {
	return now().Sub(start)
}
