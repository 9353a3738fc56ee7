package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/feedback"
)

func newFeedbackCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record and inspect feedback on detected deadlines",
		Long: `Feedback is appended to a JSONL history. Each scan reads it to raise
or lower the confidence of deadlines that look like ones you accepted or
rejected before, and to apply your date and category corrections.`,
	}
	cmd.AddCommand(
		newFeedbackRecordCmd(g),
		newFeedbackListCmd(g),
		newFeedbackStatsCmd(g),
	)
	return cmd
}

type recordFlags struct {
	label  string
	value  string
	reason string
	sender string
	title  string
}

func newFeedbackRecordCmd(g *globalFlags) *cobra.Command {
	f := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "record <row|fingerprint>",
		Short: "Record feedback for one deadline",
		Long: `Record feedback for a deadline, given either its row number in the
last scan's output or its fingerprint.

Labels: accepted, rejected, corrected_date (--value YYYY-MM-DD),
corrected_category (--value subscription|trial|travel|billing|refund|other).`,
		Example: `  deadlined feedback record 1 --label accepted
  deadlined feedback record 3 --label rejected --reason "newsletter"
  deadlined feedback record 2 --label corrected_date --value 2024-07-01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := g.load(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := f.build(a, args[0])
			if err != nil {
				return err
			}
			store, err := a.openFeedback()
			if err != nil {
				return err
			}
			if err := store.Record(ctx, rec); err != nil {
				return err
			}
			a.logger.Info(ctx, "feedback recorded",
				zap.String("fingerprint", rec.Fingerprint),
				zap.String("label", string(rec.Label)))

			if g.json {
				return writeJSON(cmd.OutOrStdout(), rec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for %s\n", rec.Label, rec.Fingerprint)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.label, "label", "l", "", "accepted, rejected, corrected_date or corrected_category")
	fl.StringVar(&f.value, "value", "", "corrected date or category")
	fl.StringVar(&f.reason, "reason", "", "free-form note")
	fl.StringVar(&f.sender, "sender", "", "sender address, when recording by fingerprint")
	fl.StringVar(&f.title, "title", "", "deadline title, when recording by fingerprint")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

// build resolves ref to a record. A small integer is a row of the last scan.
func (f *recordFlags) build(a *app, ref string) (deadline.FeedbackRecord, error) {
	rec := deadline.FeedbackRecord{
		Fingerprint:     ref,
		Label:           deadline.Label(strings.ToLower(strings.TrimSpace(f.label))),
		CorrectionValue: strings.TrimSpace(f.value),
		Reason:          f.reason,
		Sender:          feedback.NormalizeSender(f.sender),
		Title:           f.title,
		RecordedAt:      time.Now().UTC(),
	}
	if !rec.Label.Valid() {
		return rec, fmt.Errorf("unknown label %q", f.label)
	}
	if rec.Label.NeedsCorrection() && rec.CorrectionValue == "" {
		return rec, fmt.Errorf("label %s needs --value", rec.Label)
	}

	n, err := strconv.Atoi(ref)
	if err != nil {
		return rec, nil
	}
	ls, err := loadLastScan(a.lastScanPath())
	if err != nil {
		return rec, err
	}
	d, err := ls.row(n)
	if err != nil {
		return rec, err
	}
	rec.Fingerprint = d.Fingerprint
	if rec.Sender == "" {
		rec.Sender = feedback.NormalizeSender(d.Sender)
	}
	if rec.Title == "" {
		rec.Title = d.Title
	}
	return rec, nil
}

func newFeedbackListCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded feedback, newest last",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := g.load(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			store, err := a.openFeedback()
			if err != nil {
				return err
			}
			records, err := store.List(ctx)
			if err != nil {
				return err
			}
			if limit > 0 && len(records) > limit {
				records = records[len(records)-limit:]
			}
			if g.json {
				if records == nil {
					records = []deadline.FeedbackRecord{}
				}
				return writeJSON(cmd.OutOrStdout(), records)
			}
			renderRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show at most this many records (0 for all)")
	return cmd
}

func newFeedbackStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the feedback history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := g.load(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			store, err := a.openFeedback()
			if err != nil {
				return err
			}
			records, err := store.List(ctx)
			if err != nil {
				return err
			}
			st := feedback.Summarize(records)
			if g.json {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			renderFeedbackStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
}
