package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

// modelResponse is the strict output schema requested from the model service.
type modelResponse struct {
	Results []messageResult `json:"results" description:"One entry per input message"`
}

type messageResult struct {
	MessageID string          `json:"message_id" description:"The id of the input message"`
	Deadlines []modelDeadline `json:"deadlines" description:"Actionable deadlines; empty when there are none"`
}

type modelDeadline struct {
	Title      string  `json:"title" description:"Short label, e.g. Netflix subscription renews"`
	DeadlineAt string  `json:"deadline_at" description:"ISO 8601 date or date-time"`
	Category   string  `json:"category" enum:"subscription,trial,travel,billing,refund,other"`
	Confidence float64 `json:"confidence" description:"0.0 to 1.0"`
	Summary    string  `json:"summary" description:"One or two sentences on the required action"`
}

var (
	responseSchema *jsonschema.Definition
	resultSchema   *jsonschema.Definition
)

func init() {
	var err error
	if responseSchema, err = jsonschema.GenerateSchemaForType(modelResponse{}); err != nil {
		panic(fmt.Sprintf("extraction: response schema: %v", err))
	}
	if resultSchema, err = jsonschema.GenerateSchemaForType(messageResult{}); err != nil {
		panic(fmt.Sprintf("extraction: result schema: %v", err))
	}
}

var errNoResults = errors.New("response has no results array")

// splitResults strips optional code fences and returns the raw per-message
// results keyed by message id.
func splitResults(content string) (map[string]json.RawMessage, error) {
	content = stripFences(content)

	var envelope struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if envelope.Results == nil {
		return nil, errNoResults
	}

	out := make(map[string]json.RawMessage, len(envelope.Results))
	for _, raw := range envelope.Results {
		var head struct {
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.MessageID == "" {
			continue
		}
		if _, dup := out[head.MessageID]; !dup {
			out[head.MessageID] = raw
		}
	}
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// modelDateLayouts are tried in order; layouts without a zone are read in
// the configured location.
var modelDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseModelDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range modelDateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("deadline_at %q is not an ISO 8601 date", s)
}

// validateResult checks one message result against the schema and then
// semantically. Any failure rejects the whole message.
func validateResult(raw json.RawMessage, loc *time.Location) (messageResult, []time.Time, []deadline.Category, error) {
	var res messageResult
	if err := jsonschema.VerifySchemaAndUnmarshal(*resultSchema, raw, &res); err != nil {
		return messageResult{}, nil, nil, err
	}

	dates := make([]time.Time, len(res.Deadlines))
	cats := make([]deadline.Category, len(res.Deadlines))
	for i, d := range res.Deadlines {
		if strings.TrimSpace(d.Title) == "" {
			return messageResult{}, nil, nil, fmt.Errorf("deadline %d: empty title", i)
		}
		cat, ok := deadline.ParseCategory(d.Category)
		if !ok {
			return messageResult{}, nil, nil, fmt.Errorf("deadline %d: unknown category %q", i, d.Category)
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			return messageResult{}, nil, nil, fmt.Errorf("deadline %d: confidence %v outside [0,1]", i, d.Confidence)
		}
		at, err := parseModelDate(d.DeadlineAt, loc)
		if err != nil {
			return messageResult{}, nil, nil, fmt.Errorf("deadline %d: %w", i, err)
		}
		dates[i], cats[i] = at, cat
	}
	return res, dates, cats, nil
}
