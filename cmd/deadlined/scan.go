package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deadlined/internal/config"
	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/extraction"
	"github.com/fyrsmithlabs/deadlined/internal/feedback"
	"github.com/fyrsmithlabs/deadlined/internal/logging"
	"github.com/fyrsmithlabs/deadlined/internal/mail"
	"github.com/fyrsmithlabs/deadlined/internal/normalize"
	"github.com/fyrsmithlabs/deadlined/internal/pipeline"
	"github.com/fyrsmithlabs/deadlined/internal/reconcile"
	"github.com/fyrsmithlabs/deadlined/internal/usage"
)

type scanFlags struct {
	days        int
	startDate   string
	maxMessages int
	source      string
	dir         string
	rulesFile   string
	model       bool
	noModel     bool
	budget      float64
	yes         bool
	quiet       bool
}

// scanOutput is the JSON document printed by scan --json.
type scanOutput struct {
	Deadlines []deadline.Deadline `json:"deadlines"`
	Stats     pipeline.Stats      `json:"stats"`
	Error     string              `json:"error,omitempty"`
}

func newScanCmd(g *globalFlags) *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan recent mail for deadlines",
		Long: `Scan reads messages inside the scan window, extracts deadline
candidates with the pattern rules (and the model, when enabled and within
budget), reconciles them against your feedback and prints the result.

The window is either the last N days (--days) or everything since a date
(--start-date), capped by --max-messages.`,
		Example: `  deadlined scan --days 14
  deadlined scan --source dir --dir ~/mail/export --json
  deadlined scan --model --budget 0.50 --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			f.apply(cmd, a.cfg)
			return runScan(cmd, g, f, a)
		},
	}

	fl := cmd.Flags()
	fl.IntVar(&f.days, "days", 0, "scan messages from the last N days")
	fl.StringVar(&f.startDate, "start-date", "", "scan messages received on or after YYYY-MM-DD")
	fl.IntVar(&f.maxMessages, "max-messages", 0, "stop after this many messages")
	fl.StringVar(&f.source, "source", "", "mail source: imap or dir")
	fl.StringVar(&f.dir, "dir", "", "directory of .eml files for the dir source")
	fl.StringVar(&f.rulesFile, "rules", "", "YAML or TOML file replacing the built-in pattern rules")
	fl.BoolVar(&f.model, "model", false, "enable model extraction")
	fl.BoolVar(&f.noModel, "no-model", false, "disable model extraction")
	fl.Float64Var(&f.budget, "budget", 0, "most to spend on model extraction, in USD")
	fl.BoolVarP(&f.yes, "yes", "y", false, "approve the model cost without asking")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "do not print progress")
	cmd.MarkFlagsMutuallyExclusive("days", "start-date")
	cmd.MarkFlagsMutuallyExclusive("model", "no-model")
	return cmd
}

// apply overrides configuration with the flags given on the command line.
func (f *scanFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("days") {
		cfg.Scan.Mode = config.ScanModeDays
		cfg.Scan.Days = f.days
	}
	if fl.Changed("start-date") {
		cfg.Scan.Mode = config.ScanModeStartDate
		cfg.Scan.StartDate = f.startDate
	}
	if fl.Changed("max-messages") {
		cfg.Scan.MaxMessages = f.maxMessages
	}
	if fl.Changed("source") {
		cfg.Mail.Source = f.source
	}
	if fl.Changed("dir") {
		cfg.Mail.Dir = f.dir
		if !fl.Changed("source") {
			cfg.Mail.Source = config.SourceDir
		}
	}
	if fl.Changed("rules") {
		cfg.Extraction.RulesFile = f.rulesFile
	}
	if f.model {
		cfg.Model.Enabled = true
	}
	if f.noModel {
		cfg.Model.Enabled = false
	}
	if fl.Changed("budget") {
		cfg.Model.Budget = f.budget
	}
	if f.yes {
		cfg.Model.AutoApprove = true
	}
}

func runScan(cmd *cobra.Command, g *globalFlags, f *scanFlags, a *app) error {
	ctx := cmd.Context()
	loc := a.location()

	components, cleanup, err := buildComponents(ctx, a, cmd.InOrStdin(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer cleanup()

	opts := []pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithTracer(a.tel.Tracer(pipeline.InstrumentationName)),
		pipeline.WithMeter(a.tel.Meter(pipeline.InstrumentationName)),
	}
	if !f.quiet && !g.json {
		opts = append(opts, pipeline.WithProgress(progressPrinter(cmd.ErrOrStderr())))
	}

	orch, err := pipeline.New(pipeline.Config{
		Scan:     a.cfg.Scan,
		Workers:  a.cfg.Extraction.Workers,
		UseModel: a.cfg.Model.Enabled,
		Budget:   a.cfg.Model.Budget,
	}, components, opts...)
	if err != nil {
		return err
	}

	res, runErr := orch.Run(ctx)
	if res == nil {
		return runErr
	}

	if runErr == nil {
		ls := lastScan{RunID: res.Stats.RunID, ScannedAt: time.Now().UTC(), Deadlines: res.Deadlines}
		if err := saveLastScan(a.lastScanPath(), ls); err != nil {
			a.logger.Warn(ctx, "could not save scan result", zap.Error(err))
		}
	}
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := pipeline.WriteTextfile(path); err != nil {
			a.logger.Warn(ctx, "could not write metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}

	out := cmd.OutOrStdout()
	if g.json {
		doc := scanOutput{Deadlines: res.Deadlines, Stats: res.Stats}
		if doc.Deadlines == nil {
			doc.Deadlines = []deadline.Deadline{}
		}
		if runErr != nil {
			doc.Error = runErr.Error()
		}
		if err := writeJSON(out, doc); err != nil {
			return err
		}
		return runErr
	}

	renderDeadlines(out, res.Deadlines, loc)
	renderStats(cmd.ErrOrStderr(), res.Stats)
	return runErr
}

// buildComponents wires the pipeline collaborators from configuration.
// The returned cleanup closes whatever was opened.
func buildComponents(ctx context.Context, a *app, in io.Reader, prompt io.Writer) (pipeline.Components, func(), error) {
	var c pipeline.Components
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	loc := a.location()

	src, err := mail.Open(a.cfg.Mail, a.logger)
	if err != nil {
		return c, cleanup, err
	}
	c.Source = src

	rules := extraction.DefaultRules()
	if path := a.cfg.Extraction.RulesFile; path != "" {
		if rules, err = extraction.LoadRules(path); err != nil {
			return c, cleanup, err
		}
	}
	if c.Patterns, err = extraction.NewPatternExtractor(extraction.PatternConfig{
		Rules:    rules,
		Location: loc,
		DayFirst: a.cfg.Extraction.DayFirst,
	}); err != nil {
		return c, cleanup, err
	}
	c.Normalizer = normalize.New(normalize.WithMaxBodyBytes(a.cfg.Extraction.MaxBodyBytes))

	var store feedback.Store
	if !a.cfg.Feedback.Disabled {
		js, err := a.openFeedback()
		if err != nil {
			// The reconciler reports the failure and continues unadjusted.
			store = feedback.Unavailable(err)
		} else {
			store = js
		}
	}
	c.Reconciler = reconcile.New(reconcile.Config{
		SimilarityThreshold: a.cfg.Reconcile.SimilarityThreshold,
		TimeTolerance:       a.cfg.Reconcile.TimeTolerance.Duration(),
		MinConfidence:       a.cfg.Reconcile.MinConfidence,
		Location:            loc,
		Policy:              a.policy(),
	}, store, a.logger)

	if a.cfg.Model.Enabled {
		c.Model = openModel(ctx, a, loc, &closers)
	}

	if a.cfg.Model.AutoApprove {
		c.Approver = pipeline.AutoApprove
	} else {
		c.Approver = promptApprover{in: in, out: prompt}
	}
	return c, cleanup, nil
}

// openModel returns nil when the model cannot be set up; the scan then
// continues with patterns only.
func openModel(ctx context.Context, a *app, loc *time.Location, closers *[]func()) pipeline.ModelStage {
	var ledger extraction.CostLedger
	if l, err := usage.Open(a.cfg.Model.UsageDB); err != nil {
		a.logger.Warn(ctx, "usage ledger unavailable, cost estimates use defaults", zap.Error(err))
	} else {
		ledger = l
		*closers = append(*closers, func() { _ = l.Close() })
	}

	m, err := extraction.NewModelExtractor(extraction.ModelConfig{
		Model:         a.cfg.Model.Model,
		APIKey:        a.cfg.Model.APIKey.Value(),
		BaseURL:       a.cfg.Model.BaseURL,
		BatchSize:     a.cfg.Model.BatchSize,
		Concurrency:   a.cfg.Model.Concurrency,
		MaxRetries:    a.cfg.Model.MaxRetries,
		Timeout:       a.cfg.Model.Timeout.Duration(),
		MinConfidence: a.cfg.Model.MinConfidence,
		Location:      loc,
	}, ledger, a.logger)
	if err != nil {
		a.logger.Warn(ctx, "model extraction unavailable", zap.Error(err))
		return nil
	}
	a.logger.Debug(ctx, "model configured",
		zap.String("model", m.Model()),
		logging.Secret("api_key", a.cfg.Model.APIKey))
	return m
}

func progressPrinter(w io.Writer) pipeline.ProgressCallback {
	return func(p pipeline.Progress) {
		if p.Total > 0 && p.Stage != pipeline.StageDone {
			fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("[%s] %s (%d/%d)", p.Stage, p.Message, p.Done, p.Total)))
			return
		}
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("[%s] %s", p.Stage, p.Message)))
	}
}

// exitCode maps a scan error onto the process exit status.
func exitCode(err error) int {
	var (
		cfgErr *deadline.ConfigError
		srcErr *deadline.SourceUnavailableError
	)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	case errors.As(err, &cfgErr):
		return 2
	case errors.As(err, &srcErr):
		return 3
	default:
		return 1
	}
}
