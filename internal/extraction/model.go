package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/logging"
	"github.com/fyrsmithlabs/deadlined/internal/usage"
)

const extractPrompt = `You find actionable deadlines in emails: subscription renewals, free trial ends, billing dates, refund windows, travel cancellation cutoffs and similar.

You receive a JSON object with a "messages" array. For every message return one entry in "results" with its message_id and a "deadlines" array. Return an empty array when a message has no actionable deadline. Ignore marketing sale end dates.

For each deadline:
- title: short label naming the service and the action
- deadline_at: ISO 8601 date or date-time; resolve relative dates against the message received_at
- category: one of subscription, trial, travel, billing, refund, other
- confidence: 0.0 to 1.0
- summary: one or two sentences on what the reader must do

Respond only with JSON matching the schema.`

var (
	errNotConfigured = errors.New("model extractor is not configured")
	errNoResult      = errors.New("no result for message")
)

// ModelExtractor extracts deadlines with an OpenAI-compatible chat model.
type ModelExtractor struct {
	cfg     ModelConfig
	client  chatClient
	ledger  CostLedger
	limiter *rate.Limiter
	logger  *logging.Logger
	format  *openai.ChatCompletionResponseFormat
}

// NewModelExtractor creates a model extractor. ledger may be nil, in which
// case estimates use list prices and calls are not recorded.
func NewModelExtractor(cfg ModelConfig, ledger CostLedger, logger *logging.Logger) (*ModelExtractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("model API key required")
	}
	cfg.applyDefaults()

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return newModelExtractor(cfg, openai.NewClientWithConfig(clientCfg), ledger, logger), nil
}

func newModelExtractor(cfg ModelConfig, client chatClient, ledger CostLedger, logger *logging.Logger) *ModelExtractor {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ModelExtractor{
		cfg:     cfg,
		client:  client,
		ledger:  ledger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  logger.Named("model"),
		format: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "deadline_extraction",
				Schema: responseSchema,
				Strict: true,
			},
		},
	}
}

// Available returns true if the extractor can make calls.
func (m *ModelExtractor) Available() bool {
	return m != nil && m.client != nil && m.cfg.APIKey != ""
}

// Model returns the configured model name.
func (m *ModelExtractor) Model() string {
	return m.cfg.Model
}

// Estimate returns the expected cost of extracting n messages. It prefers
// the ledger's recent average and falls back to list prices.
func (m *ModelExtractor) Estimate(ctx context.Context, n int) float64 {
	if n <= 0 {
		return 0
	}
	per := DefaultCostPerMessage(m.cfg.Model)
	if m.ledger != nil {
		avg, ok, err := m.ledger.AverageCostPerMessage(ctx, m.cfg.Model)
		switch {
		case err != nil:
			m.logger.Warn(ctx, "usage history unavailable, using list price", zap.Error(err))
		case ok && avg > 0:
			per = avg
		}
	}
	return per * float64(n)
}

// Extract runs the model over msgs without spending more than budget.
//
// Batches run concurrently. Each batch reserves its estimated cost before
// calling and settles the actual cost afterwards; a batch whose reservation
// would exceed budget is not sent. The returned error is non-nil when any
// batch failed as a whole: a *deadline.BudgetExceededError once the budget or
// account quota is exhausted, and *deadline.ModelUnavailableError for
// transport failures. The result always holds whatever succeeded.
func (m *ModelExtractor) Extract(ctx context.Context, msgs []deadline.NormalizedMessage, budget float64) (ModelResult, error) {
	if !m.Available() {
		return ModelResult{}, &deadline.ModelUnavailableError{Err: errNotConfigured}
	}
	if len(msgs) == 0 {
		return ModelResult{}, nil
	}

	perMsg := m.Estimate(ctx, 1)
	batches := chunk(msgs, m.cfg.BatchSize)
	outcomes := make([]batchOutcome, len(batches))
	acct := &budgetAccount{limit: budget}

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			need := perMsg * float64(len(batch))
			if err := acct.reserve(need); err != nil {
				outcomes[i].err = err
				return nil
			}
			out := m.runBatch(ctx, batch)
			var (
				budgetErr      *deadline.BudgetExceededError
				unavailableErr *deadline.ModelUnavailableError
			)
			switch {
			case errors.As(out.err, &budgetErr):
				acct.exhaust(budgetErr)
			case errors.As(out.err, &unavailableErr):
				acct.fail(unavailableErr)
			}
			acct.settle(need, out.cost)
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	var (
		res  ModelResult
		errs []error
	)
	budgetReported, unavailableReported := false, false
	for _, out := range outcomes {
		res.Candidates = append(res.Candidates, out.candidates...)
		res.Errors = append(res.Errors, out.rejected...)
		res.Processed = append(res.Processed, out.processed...)
		res.Cost += out.cost
		res.PromptTokens += out.promptTokens
		res.CompletionTokens += out.completionTokens
		res.Calls += out.calls

		if out.err == nil {
			continue
		}
		if errors.Is(out.err, deadline.ErrBudgetExceeded) {
			if budgetReported {
				continue
			}
			budgetReported = true
		}
		var unavailable *deadline.ModelUnavailableError
		if errors.As(out.err, &unavailable) {
			if unavailableReported {
				continue
			}
			unavailableReported = true
		}
		errs = append(errs, out.err)
	}
	return res, errors.Join(errs...)
}

type batchOutcome struct {
	candidates       []deadline.Candidate
	rejected         []error
	processed        []string
	cost             float64
	promptTokens     int
	completionTokens int
	calls            int
	err              error
}

type modelInput struct {
	Messages []modelInputMessage `json:"messages"`
}

type modelInputMessage struct {
	MessageID  string `json:"message_id"`
	Subject    string `json:"subject"`
	Sender     string `json:"sender"`
	ReceivedAt string `json:"received_at"`
	Body       string `json:"body"`
}

func (m *ModelExtractor) runBatch(ctx context.Context, batch []deadline.NormalizedMessage) batchOutcome {
	var out batchOutcome

	input := modelInput{Messages: make([]modelInputMessage, len(batch))}
	for i, msg := range batch {
		input.Messages[i] = modelInputMessage{
			MessageID:  msg.ID,
			Subject:    scrubSecrets(msg.Subject),
			Sender:     msg.Sender,
			ReceivedAt: msg.ReceivedAt.Format(time.RFC3339),
			Body:       scrubSecrets(truncateRunes(msg.BodyText, m.cfg.MaxChars)),
		}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		out.err = fmt.Errorf("failed to marshal request: %w", err)
		return out
	}

	req := openai.ChatCompletionRequest{
		Model:       m.cfg.Model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		ResponseFormat: m.format,
	}

	resp, err := m.complete(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, deadline.ErrBudgetExceeded):
			out.err = err
		case ctx.Err() != nil:
			out.err = ctx.Err()
		default:
			out.err = &deadline.ModelUnavailableError{Err: err}
		}
		m.logger.Warn(ctx, "model batch failed", zap.Int("messages", len(batch)), zap.Error(out.err))
		return out
	}

	out.calls = 1
	out.promptTokens = resp.Usage.PromptTokens
	out.completionTokens = resp.Usage.CompletionTokens
	out.cost = TokenCost(m.cfg.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	m.record(ctx, len(batch), out)

	if len(resp.Choices) == 0 {
		out.err = &deadline.ModelUnavailableError{Err: errors.New("empty response from API")}
		return out
	}

	results, err := splitResults(resp.Choices[0].Message.Content)
	for _, msg := range batch {
		out.processed = append(out.processed, msg.ID)
		if err != nil {
			out.rejected = append(out.rejected, &deadline.SchemaValidationError{MessageID: msg.ID, Err: err})
			continue
		}
		raw, ok := results[msg.ID]
		if !ok {
			out.rejected = append(out.rejected, &deadline.SchemaValidationError{MessageID: msg.ID, Err: errNoResult})
			continue
		}
		cands, verr := m.candidates(msg, raw)
		if verr != nil {
			out.rejected = append(out.rejected, &deadline.SchemaValidationError{MessageID: msg.ID, Err: verr})
			continue
		}
		out.candidates = append(out.candidates, cands...)
	}
	return out
}

// complete sends req with rate limiting and exponential backoff.
func (m *ModelExtractor) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := m.cfg.Backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return openai.ChatCompletionResponse{}, ctx.Err()
			}
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return openai.ChatCompletionResponse{}, fmt.Errorf("rate limiter error: %w", err)
		}

		resp, err := m.client.CreateChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}

		lastErr = classifyAPIError(err)
		if !isRetryableError(lastErr) {
			return openai.ChatCompletionResponse{}, lastErr
		}
		m.logger.Debug(ctx, "retrying model call", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	return openai.ChatCompletionResponse{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (m *ModelExtractor) candidates(msg deadline.NormalizedMessage, raw json.RawMessage) ([]deadline.Candidate, error) {
	res, dates, cats, err := validateResult(raw, m.cfg.Location)
	if err != nil {
		return nil, err
	}

	excerpt := truncateRunes(msg.BodyText, modelExcerptLen)
	var out []deadline.Candidate
	for i, d := range res.Deadlines {
		if d.Confidence < m.cfg.MinConfidence {
			continue
		}
		evidence := strings.TrimSpace(d.Summary)
		if evidence == "" {
			evidence = strings.TrimSpace(d.Title)
		}
		out = append(out, deadline.Candidate{
			SourceMessageID: msg.ID,
			RawEvidence:     evidence,
			DeadlineAt:      dates[i],
			Title:           truncateRunes(strings.TrimSpace(d.Title), maxTitleLen),
			Category:        cats[i],
			Confidence:      d.Confidence,
			Method:          deadline.MethodModel,
			Sender:          msg.Sender,
			ReceivedAt:      msg.ReceivedAt,
			Summary:         strings.TrimSpace(d.Summary),
			Excerpt:         excerpt,
		})
	}
	return out, nil
}

func (m *ModelExtractor) record(ctx context.Context, messages int, out batchOutcome) {
	if m.ledger == nil {
		return
	}
	err := m.ledger.Record(ctx, usage.Record{
		RunID:            logging.RunIDFromContext(ctx),
		Model:            m.cfg.Model,
		Messages:         messages,
		PromptTokens:     out.promptTokens,
		CompletionTokens: out.completionTokens,
		Cost:             out.cost,
		At:               time.Now(),
	})
	if err != nil {
		m.logger.Warn(ctx, "failed to record model usage", zap.Error(err))
	}
}

// budgetAccount tracks spend across concurrent batches. Once the budget is
// exhausted or the model becomes unreachable no further batch is reserved.
type budgetAccount struct {
	mu          sync.Mutex
	limit       float64
	spent       float64
	reserved    float64
	exhausted   *deadline.BudgetExceededError
	unavailable *deadline.ModelUnavailableError
}

// budgetSlack absorbs float rounding when a batch exactly fits.
const budgetSlack = 1e-9

func (a *budgetAccount) reserve(need float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unavailable != nil {
		return a.unavailable
	}
	if a.exhausted != nil {
		return a.exhausted
	}
	if a.limit <= 0 || a.spent+a.reserved+need > a.limit+budgetSlack {
		a.exhausted = &deadline.BudgetExceededError{
			Budget:    a.limit,
			Spent:     a.spent + a.reserved,
			Requested: need,
		}
		return a.exhausted
	}
	a.reserved += need
	return nil
}

func (a *budgetAccount) settle(reserved, actual float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved -= reserved
	a.spent += actual
}

func (a *budgetAccount) exhaust(err *deadline.BudgetExceededError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exhausted == nil {
		err.Budget = a.limit
		err.Spent = a.spent + a.reserved
		a.exhausted = err
	}
}

func (a *budgetAccount) fail(err *deadline.ModelUnavailableError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unavailable == nil {
		a.unavailable = err
	}
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
