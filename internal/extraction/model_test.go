package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/logging"
	"github.com/fyrsmithlabs/deadlined/internal/usage"
)

type fakeLedger struct {
	mu      sync.Mutex
	avg     float64
	ok      bool
	err     error
	records []usage.Record
}

func (f *fakeLedger) AverageCostPerMessage(context.Context, string) (float64, bool, error) {
	return f.avg, f.ok, f.err
}

func (f *fakeLedger) Record(_ context.Context, r usage.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

// fakeChat answers each request with reply and counts calls.
type fakeChat struct {
	calls atomic.Int32
	reply func(in modelInput) (string, error)
	usage openai.Usage
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls.Add(1)
	var in modelInput
	if err := json.Unmarshal([]byte(req.Messages[1].Content), &in); err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	content, err := f.reply(in)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	u := f.usage
	if u.PromptTokens == 0 {
		u = openai.Usage{PromptTokens: 1000, CompletionTokens: 200, TotalTokens: 1200}
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: content}}},
		Usage:   u,
	}, nil
}

// oneDeadlineEach answers every message with a single trial deadline.
func oneDeadlineEach(in modelInput) (string, error) {
	resp := modelResponse{}
	for _, m := range in.Messages {
		resp.Results = append(resp.Results, messageResult{
			MessageID: m.MessageID,
			Deadlines: []modelDeadline{{
				Title:      "Streamflix trial ends",
				DeadlineAt: "2024-03-15",
				Category:   "trial",
				Confidence: 0.9,
				Summary:    "Cancel before the trial ends to avoid a charge.",
			}},
		})
	}
	b, err := json.Marshal(resp)
	return string(b), err
}

func testModelConfig() ModelConfig {
	return ModelConfig{
		APIKey:      "sk-test",
		Model:       "gpt-4o-mini",
		BatchSize:   2,
		Concurrency: 1,
		MaxRetries:  2,
		Backoff:     time.Millisecond,
		RateLimit:   1000,
		Burst:       100,
	}
}

func testMessages(n int) []deadline.NormalizedMessage {
	out := make([]deadline.NormalizedMessage, n)
	for i := range out {
		out[i] = message(fmt.Sprintf("m%d", i+1), "Your free trial ends soon. password: hunter22")
	}
	return out
}

func TestModelExtractor_Extract(t *testing.T) {
	chat := &fakeChat{reply: oneDeadlineEach}
	ledger := &fakeLedger{}
	m := newModelExtractor(testModelConfig(), chat, ledger, logging.NewNop())

	ctx := logging.WithRunID(context.Background(), "run-1")
	res, err := m.Extract(ctx, testMessages(3), 1.0)
	require.NoError(t, err)

	assert.Equal(t, int32(2), chat.calls.Load(), "3 messages in batches of 2")
	assert.Equal(t, []string{"m1", "m2", "m3"}, res.Processed)
	require.Len(t, res.Candidates, 3)
	for i, c := range res.Candidates {
		assert.Equal(t, fmt.Sprintf("m%d", i+1), c.SourceMessageID)
		assert.Equal(t, deadline.MethodModel, c.Method)
		assert.Equal(t, deadline.CategoryTrial, c.Category)
		assert.Equal(t, day(2024, 3, 15), c.DeadlineAt)
		assert.Equal(t, "Cancel before the trial ends to avoid a charge.", c.Summary)
	}

	wantCost := 2 * TokenCost("gpt-4o-mini", 1000, 200)
	assert.InDelta(t, wantCost, res.Cost, 1e-12)
	assert.Equal(t, 2, res.Calls)
	assert.Equal(t, 2000, res.PromptTokens)

	require.Len(t, ledger.records, 2)
	assert.Equal(t, "run-1", ledger.records[0].RunID)
	assert.Equal(t, 2, ledger.records[0].Messages)
}

func TestModelExtractor_ScrubsAndCapsInput(t *testing.T) {
	var seen []modelInputMessage
	chat := &fakeChat{reply: func(in modelInput) (string, error) {
		seen = append(seen, in.Messages...)
		return `{"results":[]}`, nil
	}}
	cfg := testModelConfig()
	cfg.MaxChars = 20
	m := newModelExtractor(cfg, chat, nil, nil)

	msg := message("m1", "password: hunter22 and a lot of trailing text")
	_, err := m.Extract(context.Background(), []deadline.NormalizedMessage{msg}, 1.0)
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.NotContains(t, seen[0].Body, "hunter22")
	assert.NotContains(t, seen[0].Body, "trailing")
}

func TestModelExtractor_PerMessageValidation(t *testing.T) {
	chat := &fakeChat{reply: func(in modelInput) (string, error) {
		return "```json\n" + `{"results":[
			{"message_id":"m1","deadlines":[{"title":"Renewal","deadline_at":"2024-06-01T09:00:00Z","category":"subscription","confidence":0.8,"summary":"Renews."}]},
			{"message_id":"m2","deadlines":[{"title":"Bad","deadline_at":"2024-06-01","category":"groceries","confidence":0.8,"summary":"x"}]}
		]}` + "\n```", nil
	}}
	m := newModelExtractor(testModelConfig(), chat, nil, nil)

	res, err := m.Extract(context.Background(), testMessages(2), 1.0)
	require.NoError(t, err)

	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "m1", res.Candidates[0].SourceMessageID)
	assert.Equal(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), res.Candidates[0].DeadlineAt.UTC())

	require.Len(t, res.Errors, 1)
	var sve *deadline.SchemaValidationError
	require.True(t, errors.As(res.Errors[0], &sve))
	assert.Equal(t, "m2", sve.MessageID)
	assert.ElementsMatch(t, []string{"m1", "m2"}, res.Processed)
}

func TestValidateResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"message_id":"m","deadlines":[{"title":"T","deadline_at":"2024-06-01","category":"refund","confidence":0.7,"summary":"s"}]}`, false},
		{"empty deadlines", `{"message_id":"m","deadlines":[]}`, false},
		{"missing field", `{"message_id":"m","deadlines":[{"title":"T","deadline_at":"2024-06-01","category":"refund","summary":"s"}]}`, true},
		{"bad date", `{"message_id":"m","deadlines":[{"title":"T","deadline_at":"soon","category":"refund","confidence":0.7,"summary":"s"}]}`, true},
		{"confidence out of range", `{"message_id":"m","deadlines":[{"title":"T","deadline_at":"2024-06-01","category":"refund","confidence":1.7,"summary":"s"}]}`, true},
		{"empty title", `{"message_id":"m","deadlines":[{"title":" ","deadline_at":"2024-06-01","category":"refund","confidence":0.7,"summary":"s"}]}`, true},
		{"wrong type", `{"message_id":"m","deadlines":"none"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := validateResult(json.RawMessage(tt.raw), time.UTC)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestModelExtractor_DropsLowConfidenceAndMissingMessages(t *testing.T) {
	chat := &fakeChat{reply: func(in modelInput) (string, error) {
		return `{"results":[{"message_id":"m1","deadlines":[{"title":"Maybe","deadline_at":"2024-06-01","category":"other","confidence":0.3,"summary":"s"}]}]}`, nil
	}}
	m := newModelExtractor(testModelConfig(), chat, nil, nil)

	res, err := m.Extract(context.Background(), testMessages(2), 1.0)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.ElementsMatch(t, []string{"m1", "m2"}, res.Processed)
	require.Len(t, res.Errors, 1, "a message missing from the response is rejected")

	var sve *deadline.SchemaValidationError
	require.True(t, errors.As(res.Errors[0], &sve))
	assert.Equal(t, "m2", sve.MessageID)
	assert.ErrorIs(t, sve, errNoResult)
}

func TestModelExtractor_MalformedResponseRejectsBatch(t *testing.T) {
	chat := &fakeChat{reply: func(modelInput) (string, error) { return "I could not find anything", nil }}
	m := newModelExtractor(testModelConfig(), chat, nil, nil)

	res, err := m.Extract(context.Background(), testMessages(2), 1.0)
	require.NoError(t, err)
	assert.Len(t, res.Errors, 2)
	assert.Positive(t, res.Cost, "tokens are paid even when output is unusable")
}

func TestModelExtractor_BudgetStopsBatches(t *testing.T) {
	chat := &fakeChat{reply: oneDeadlineEach, usage: openai.Usage{PromptTokens: 1_000_000}}
	cfg := testModelConfig()
	cfg.BatchSize = 1
	m := newModelExtractor(cfg, chat, &fakeLedger{avg: 0.1, ok: true}, nil)

	// First batch reserves 0.10 and actually costs 0.15; the second no longer fits.
	res, err := m.Extract(context.Background(), testMessages(3), 0.2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, deadline.ErrBudgetExceeded))

	var bee *deadline.BudgetExceededError
	require.True(t, errors.As(err, &bee))
	assert.Equal(t, 0.2, bee.Budget)

	assert.Equal(t, int32(1), chat.calls.Load())
	assert.Equal(t, []string{"m1"}, res.Processed)
	assert.LessOrEqual(t, res.Cost, 0.2)
}

func TestModelExtractor_ZeroBudget(t *testing.T) {
	chat := &fakeChat{reply: oneDeadlineEach}
	m := newModelExtractor(testModelConfig(), chat, nil, nil)

	res, err := m.Extract(context.Background(), testMessages(1), 0)
	assert.True(t, errors.Is(err, deadline.ErrBudgetExceeded))
	assert.Zero(t, chat.calls.Load())
	assert.Zero(t, res.Cost)
}

func TestModelExtractor_Unavailable(t *testing.T) {
	chat := &fakeChat{reply: func(modelInput) (string, error) {
		return "", errors.New("dial tcp: connection refused")
	}}
	m := newModelExtractor(testModelConfig(), chat, nil, nil)

	res, err := m.Extract(context.Background(), testMessages(1), 1.0)
	var mue *deadline.ModelUnavailableError
	require.True(t, errors.As(err, &mue))
	assert.Equal(t, int32(3), chat.calls.Load(), "one call plus two retries")
	assert.Empty(t, res.Processed)
	assert.Zero(t, res.Cost)
}

func TestModelExtractor_UnavailableStopsLaterBatches(t *testing.T) {
	chat := &fakeChat{reply: func(modelInput) (string, error) {
		return "", errors.New("dial tcp: connection refused")
	}}
	m := newModelExtractor(testModelConfig(), chat, nil, nil)

	res, err := m.Extract(context.Background(), testMessages(10), 1.0)
	var mue *deadline.ModelUnavailableError
	require.True(t, errors.As(err, &mue))
	assert.Equal(t, int32(3), chat.calls.Load(), "only the first batch reaches the model")
	assert.Empty(t, res.Processed)
	assert.Len(t, strings.Split(err.Error(), "\n"), 1, "unavailability is reported once")
}

func TestModelExtractor_NotConfigured(t *testing.T) {
	_, err := NewModelExtractor(ModelConfig{}, nil, nil)
	assert.Error(t, err)

	var m *ModelExtractor
	assert.False(t, m.Available())
}

func TestModelExtractor_Estimate(t *testing.T) {
	m := newModelExtractor(testModelConfig(), &fakeChat{}, nil, nil)
	assert.InDelta(t, 0.003, m.Estimate(context.Background(), 10), 1e-12)
	assert.Zero(t, m.Estimate(context.Background(), 0))

	m = newModelExtractor(testModelConfig(), &fakeChat{}, &fakeLedger{avg: 0.002, ok: true}, nil)
	assert.InDelta(t, 0.02, m.Estimate(context.Background(), 10), 1e-12)

	tl := logging.NewTestLogger()
	m = newModelExtractor(testModelConfig(), &fakeChat{}, &fakeLedger{err: errors.New("locked")}, tl.Logger)
	assert.InDelta(t, 0.003, m.Estimate(context.Background(), 10), 1e-12)
	tl.AssertLogged(t, zapcore.WarnLevel, "usage history unavailable")
}

// chatServer serves OpenAI chat completions, failing the first failures calls
// with status and body.
func chatServer(t *testing.T, failures int, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		if int(n) <= failures {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}

		var req openai.ChatCompletionRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		if assert.NotNil(t, req.ResponseFormat) {
			assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONSchema, req.ResponseFormat.Type)
		}

		var in modelInput
		if !assert.NoError(t, json.Unmarshal([]byte(req.Messages[1].Content), &in)) {
			return
		}
		content, _ := oneDeadlineEach(in)

		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:      "chatcmpl-1",
			Object:  "chat.completion",
			Model:   req.Model,
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: content}, FinishReason: openai.FinishReasonStop}},
			Usage:   openai.Usage{PromptTokens: 500, CompletionTokens: 100, TotalTokens: 600},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestModelExtractor_HTTPRetriesServerErrors(t *testing.T) {
	srv, calls := chatServer(t, 1, http.StatusInternalServerError, `{"error":{"message":"overloaded","type":"server_error"}}`)

	cfg := testModelConfig()
	cfg.BaseURL = srv.URL + "/v1"
	m, err := NewModelExtractor(cfg, nil, nil)
	require.NoError(t, err)
	assert.True(t, m.Available())

	res, err := m.Extract(context.Background(), testMessages(1), 1.0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, res.Candidates, 1)
	assert.InDelta(t, TokenCost("gpt-4o-mini", 500, 100), res.Cost, 1e-12)
}

func TestModelExtractor_HTTPQuotaIsBudgetExceeded(t *testing.T) {
	srv, calls := chatServer(t, 10, http.StatusTooManyRequests,
		`{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`)

	cfg := testModelConfig()
	cfg.BaseURL = srv.URL + "/v1"
	m, err := NewModelExtractor(cfg, nil, nil)
	require.NoError(t, err)

	_, err = m.Extract(context.Background(), testMessages(1), 1.0)
	assert.True(t, errors.Is(err, deadline.ErrBudgetExceeded))
	assert.Equal(t, int32(1), calls.Load(), "quota errors are not retried")
}

func TestModelExtractor_HTTPRateLimitRetried(t *testing.T) {
	srv, calls := chatServer(t, 2, http.StatusTooManyRequests,
		`{"error":{"message":"Rate limit reached for requests","type":"requests","code":"rate_limit_exceeded"}}`)

	cfg := testModelConfig()
	cfg.BaseURL = srv.URL + "/v1"
	m, err := NewModelExtractor(cfg, nil, nil)
	require.NoError(t, err)

	res, err := m.Extract(context.Background(), testMessages(1), 1.0)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, res.Candidates, 1)
}

func TestClassifyAPIError(t *testing.T) {
	assert.True(t, errors.Is(classifyAPIError(&openai.APIError{HTTPStatusCode: 402, Message: "pay up"}), deadline.ErrBudgetExceeded))
	assert.True(t, errors.Is(classifyAPIError(&openai.APIError{HTTPStatusCode: 403, Code: "billing_not_active"}), deadline.ErrBudgetExceeded))
	assert.True(t, isRetryableError(classifyAPIError(&openai.APIError{HTTPStatusCode: 503, Message: "unavailable"})))
	assert.False(t, isRetryableError(classifyAPIError(&openai.APIError{HTTPStatusCode: 400, Message: "bad request"})))
	assert.True(t, isRetryableError(classifyAPIError(&openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")})))
	assert.True(t, isRetryableError(classifyAPIError(errors.New("connection reset"))))
	assert.Equal(t, context.Canceled, classifyAPIError(context.Canceled))
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunk([]int{1, 2, 3, 4, 5}, 2))
	assert.Nil(t, chunk([]int{}, 2))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héll", truncateRunes("héllo", 4))
	assert.Equal(t, "hi", truncateRunes("hi", 4))
}
