package extraction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

// retryableError wraps an error to indicate it can be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryableError checks if an error should be retried.
func isRetryableError(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// quotaIndicators mark API errors caused by account funds rather than load.
var quotaIndicators = []string{
	"insufficient_quota",
	"billing_not_active",
	"insufficient",
	"quota",
	"billing",
	"payment",
	"funds",
	"credit",
}

func mentionsQuota(parts ...string) bool {
	for _, p := range parts {
		p = strings.ToLower(p)
		for _, ind := range quotaIndicators {
			if strings.Contains(p, ind) {
				return true
			}
		}
	}
	return false
}

// classifyAPIError sorts a client error into budget exhaustion, a retryable
// failure, or a permanent failure.
func classifyAPIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		if apiErr.HTTPStatusCode == http.StatusPaymentRequired || mentionsQuota(code, apiErr.Type, apiErr.Message) {
			return &deadline.BudgetExceededError{Err: err}
		}
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return &retryableError{err: err}
		}
		return err
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusPaymentRequired {
			return &deadline.BudgetExceededError{Err: err}
		}
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500 {
			return &retryableError{err: err}
		}
		return err
	}

	// Transport failures.
	return &retryableError{err: err}
}
