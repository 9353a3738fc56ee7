package deadline

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded is the sentinel matched by BudgetExceededError.
var ErrBudgetExceeded = errors.New("model budget exceeded")

// DecodeError reports a message body that could not be decoded to text.
type DecodeError struct {
	MessageID string
	Reason    string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode message %s: %s: %v", e.MessageID, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode message %s: %s", e.MessageID, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DateParseError reports a deadline phrase whose date could not be parsed.
type DateParseError struct {
	MessageID string
	Rule      string
	Text      string
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("message %s: rule %s: no parseable date in %q", e.MessageID, e.Rule, e.Text)
}

// SchemaValidationError reports model output for one message that failed validation.
type SchemaValidationError struct {
	MessageID string
	Err       error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("model output for message %s failed validation: %v", e.MessageID, e.Err)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// BudgetExceededError reports that further model calls would exceed the confirmed budget.
type BudgetExceededError struct {
	Budget    float64
	Spent     float64
	Requested float64
	Err       error
}

func (e *BudgetExceededError) Error() string {
	msg := fmt.Sprintf("model budget $%.4f exceeded: spent $%.4f, next batch needs $%.4f",
		e.Budget, e.Spent, e.Requested)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BudgetExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

func (e *BudgetExceededError) Unwrap() error { return e.Err }

// ModelUnavailableError reports a transport or rate-limit failure of the model service.
type ModelUnavailableError struct {
	Err error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model service unavailable: %v", e.Err)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// SourceUnavailableError reports that the mail source could not be reached.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("mail source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// FeedbackStoreIOError reports that the feedback history could not be read or written.
type FeedbackStoreIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *FeedbackStoreIOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("feedback store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("feedback store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FeedbackStoreIOError) Unwrap() error { return e.Err }

// ConfigError reports an invalid run configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}
