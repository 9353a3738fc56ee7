package extraction

import (
	"context"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/usage"
)

// Model extractor defaults.
const (
	DefaultModel         = "gpt-4o-mini"
	defaultBatchSize     = 5
	defaultConcurrency   = 2
	defaultMaxRetries    = 3
	defaultTimeout       = 60 * time.Second
	defaultBaseBackoff   = 1 * time.Second
	defaultMinConfidence = 0.5
	defaultMaxChars      = 3000
	modelExcerptLen      = 400
)

// Rate limiter defaults: 50 requests per minute.
const (
	defaultRateLimit = 50.0 / 60.0 // ~0.83 requests per second
	defaultBurst     = 5
)

// ModelConfig configures a ModelExtractor.
type ModelConfig struct {
	Model   string
	APIKey  string `json:"-"`
	BaseURL string

	// BatchSize is the number of messages sent per request.
	BatchSize int
	// Concurrency bounds in-flight requests.
	Concurrency int
	MaxRetries  int
	Timeout     time.Duration
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration

	// MinConfidence drops model detections below it.
	MinConfidence float64
	// MaxChars caps the body text sent per message.
	MaxChars int

	RateLimit float64 // requests per second
	Burst     int

	// Location for zoneless model dates. Default: UTC
	Location *time.Location
}

func (c *ModelConfig) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBaseBackoff
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = defaultMinConfidence
	}
	if c.MaxChars <= 0 {
		c.MaxChars = defaultMaxChars
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// ModelResult is the outcome of one ModelExtractor.Extract call.
type ModelResult struct {
	Candidates []deadline.Candidate
	// Errors holds a *deadline.SchemaValidationError per rejected message.
	Errors []error
	// Processed lists the ids of messages the model answered for,
	// including rejected ones.
	Processed []string

	Cost             float64
	PromptTokens     int
	CompletionTokens int
	Calls            int
}

// CostLedger records model spend and reports historical averages.
// *usage.Ledger satisfies it.
type CostLedger interface {
	AverageCostPerMessage(ctx context.Context, model string) (float64, bool, error)
	Record(ctx context.Context, r usage.Record) error
}

// chatClient is the subset of the OpenAI client the extractor uses.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

var _ CostLedger = (*usage.Ledger)(nil)
var _ chatClient = (*openai.Client)(nil)
