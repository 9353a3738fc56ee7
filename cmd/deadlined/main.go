// Deadlined scans a mailbox for actionable deadlines: trial expirations,
// cancellation windows, refund cutoffs, renewal and billing dates.
//
// Usage:
//
//	# Scan the last 30 days of the configured IMAP mailbox
//	deadlined scan
//
//	# Scan a directory of .eml files since a date, with model extraction
//	deadlined scan --source dir --dir ./mail --start-date 2024-05-01 --model --budget 0.05
//
//	# Teach it: row 2 of the last scan was not a real deadline
//	deadlined feedback record 2 --label rejected --reason "marketing"
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(exitCode(err))
	}
}
