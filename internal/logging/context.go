package logging

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}

	if messageID := MessageIDFromContext(ctx); messageID != "" {
		fields = append(fields, zap.String("message.id", messageID))
	}

	return fields
}

type runCtxKey struct{}
type messageCtxKey struct{}

const (
	maxRunIDLen     = 64
	maxMessageIDLen = 256
)

// runIDPattern allows alphanumeric, hyphen, underscore.
var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("runID cannot be empty")
	}
	if len(id) > maxRunIDLen {
		return fmt.Errorf("runID exceeds max length %d", maxRunIDLen)
	}
	if !runIDPattern.MatchString(id) {
		return fmt.Errorf("runID contains invalid characters (must be alphanumeric, hyphen, underscore)")
	}
	return nil
}

// RunIDFromContext extracts the pipeline run ID from context.
func RunIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(runCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRunID adds the pipeline run ID to context.
// Panics if runID is empty or contains invalid characters.
func WithRunID(ctx context.Context, runID string) context.Context {
	if err := validateRunID(runID); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// MessageIDFromContext extracts the mail message ID from context.
func MessageIDFromContext(ctx context.Context) string {
	if m, ok := ctx.Value(messageCtxKey{}).(string); ok {
		return m
	}
	return ""
}

// WithMessageID adds a mail message ID to context.
// Overlong IDs are truncated and invalid UTF-8 is replaced.
func WithMessageID(ctx context.Context, messageID string) context.Context {
	if len(messageID) > maxMessageIDLen {
		messageID = messageID[:maxMessageIDLen]
	}
	if !utf8.ValidString(messageID) {
		messageID = strings.ToValidUTF8(messageID, "\uFFFD")
	}
	return context.WithValue(ctx, messageCtxKey{}, messageID)
}
