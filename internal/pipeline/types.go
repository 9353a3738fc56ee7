package pipeline

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/deadlined/internal/config"
	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/extraction"
	"github.com/fyrsmithlabs/deadlined/internal/mail"
	"github.com/fyrsmithlabs/deadlined/internal/normalize"
	"github.com/fyrsmithlabs/deadlined/internal/reconcile"
)

const (
	defaultWorkers    = 4
	sampleSubjects    = 5
	sampleSubjectLen  = 60
	maxRecordedErrors = 100
)

// Config controls one Orchestrator.
type Config struct {
	Scan config.ScanConfig

	// Workers bounds concurrent pattern extraction. Default: 4
	Workers int

	// UseModel enables the model stage.
	UseModel bool
	// Budget is the most the model stage may spend, in USD.
	Budget float64

	Now func() time.Time
}

// ModelStage is the optional structured extractor.
// *extraction.ModelExtractor satisfies it.
type ModelStage interface {
	Available() bool
	Model() string
	Estimate(ctx context.Context, n int) float64
	Extract(ctx context.Context, msgs []deadline.NormalizedMessage, budget float64) (extraction.ModelResult, error)
}

var _ ModelStage = (*extraction.ModelExtractor)(nil)

// Quote is what the model stage is expected to cost.
type Quote struct {
	Model    string  `json:"model"`
	Messages int     `json:"messages"`
	Estimate float64 `json:"estimate"`
	Budget   float64 `json:"budget"`
}

// CostApprover decides whether a quoted model run may go ahead.
type CostApprover interface {
	Approve(ctx context.Context, q Quote) (bool, error)
}

// ApproverFunc adapts a function to CostApprover.
type ApproverFunc func(ctx context.Context, q Quote) (bool, error)

// Approve implements CostApprover.
func (f ApproverFunc) Approve(ctx context.Context, q Quote) (bool, error) { return f(ctx, q) }

// AutoApprove approves every quote that fits the budget.
var AutoApprove CostApprover = ApproverFunc(func(context.Context, Quote) (bool, error) { return true, nil })

// Components are the collaborators of a run. Model and Approver are optional.
type Components struct {
	Source     mail.Source
	Normalizer *normalize.Normalizer
	Patterns   *extraction.PatternExtractor
	Model      ModelStage
	Approver   CostApprover
	Reconciler *reconcile.Reconciler
}

// Stage names a pipeline step in progress reports and spans.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StagePattern   Stage = "pattern"
	StageModel     Stage = "model"
	StageReconcile Stage = "reconcile"
	StageDone      Stage = "done"
)

// Progress reports how far a run has come.
type Progress struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
}

// ProgressCallback receives progress updates during a run.
type ProgressCallback func(Progress)

// MessageError is a failure confined to one message.
type MessageError struct {
	MessageID string `json:"message_id"`
	Stage     Stage  `json:"stage"`
	Error     string `json:"error"`
}

// Stats describes one run.
type Stats struct {
	RunID string `json:"run_id"`

	WindowStart time.Time `json:"window_start"`
	Cap         int       `json:"cap"`

	MessagesScanned   int `json:"messages_scanned"`
	MessagesSkipped   int `json:"messages_skipped"`
	MessagesProcessed int `json:"messages_processed"`

	PatternCandidates int `json:"pattern_candidates"`
	ModelCandidates   int `json:"model_candidates"`
	DateRejections    int `json:"date_rejections"`
	PromoSuppressed   int `json:"promo_suppressed"`
	CandidatesPre     int `json:"candidates_pre"`
	CandidatesPost    int `json:"candidates_post"`
	DroppedBelowFloor int `json:"dropped_below_floor"`

	Model            string  `json:"model,omitempty"`
	ModelSkipped     bool    `json:"model_skipped"`
	ModelSkipReason  string  `json:"model_skip_reason,omitempty"`
	EstimatedCost    float64 `json:"estimated_cost"`
	ActualCost       float64 `json:"actual_cost"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	ModelCalls       int     `json:"model_calls"`
	BudgetExceeded   bool    `json:"budget_exceeded"`

	UniqueSenders  int      `json:"unique_senders"`
	SampleSubjects []string `json:"sample_subjects,omitempty"`

	Errors        []MessageError `json:"errors,omitempty"`
	ErrorsDropped int            `json:"errors_dropped,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`

	Reconcile reconcile.Report `json:"reconcile"`
	Duration  time.Duration    `json:"duration"`
}

func (s *Stats) addError(id string, stage Stage, err error) {
	if len(s.Errors) >= maxRecordedErrors {
		s.ErrorsDropped++
		return
	}
	s.Errors = append(s.Errors, MessageError{MessageID: id, Stage: stage, Error: err.Error()})
}

func (s *Stats) warn(msg string) {
	s.Warnings = append(s.Warnings, msg)
}

// Result is the output of one run.
type Result struct {
	Deadlines []deadline.Deadline `json:"deadlines"`
	Stats     Stats               `json:"stats"`
}
