// Package logging provides structured logging with OpenTelemetry integration.
//
// Logging wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (stderr + OpenTelemetry log bridge)
//   - Automatic context field injection (trace_id, run.id, message.id)
//   - Secret redaction at the encoder level
//   - Level-aware sampling (errors never sampled)
//
// Output goes to stderr so the deadline list on stdout stays machine readable.
//
// # Usage
//
//	cfg, err := logging.FromSettings("debug", "console")
//	logger, err := logging.NewLogger(cfg, nil)
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "scan complete", zap.Int("deadlines", n))
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertNoSecrets(t)
package logging
