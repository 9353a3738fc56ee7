package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deadlined/internal/config"
	"github.com/fyrsmithlabs/deadlined/internal/feedback"
	"github.com/fyrsmithlabs/deadlined/internal/logging"
	"github.com/fyrsmithlabs/deadlined/internal/telemetry"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	json       bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "deadlined",
		Short: "Find actionable deadlines in your email",
		Long: `deadlined reads recent email, extracts deadlines such as trial
expirations, cancellation windows, refund cutoffs and renewal dates, and
merges them into one sorted list. Feedback on past results adjusts future
confidence.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default ~/.config/deadlined/config.yaml)")
	pf.StringVar(&g.envFile, "env-file", ".env", "dotenv file to read before the environment")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.BoolVar(&g.json, "json", false, "print JSON instead of tables")

	cmd.AddCommand(
		newScanCmd(g),
		newFeedbackCmd(g),
		newRulesCmd(g),
		newUsageCmd(g),
		newVersionCmd(),
	)
	return cmd
}

// app holds what a command needs after configuration is loaded.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
}

func (g *globalFlags) load(ctx context.Context) (*app, error) {
	cfg, err := config.LoadWithFile(g.configPath, config.WithDotEnv(g.envFile))
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if err := config.EnsureDataDir(cfg); err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, err
	}

	lcfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, errors.Join(err, tel.Shutdown(ctx))
	}
	lcfg.Output.OTEL = cfg.Telemetry.Enabled
	logger, err := logging.NewLogger(lcfg, tel.LoggerProvider())
	if err != nil {
		return nil, errors.Join(err, tel.Shutdown(ctx))
	}

	return &app{cfg: cfg, logger: logger, tel: tel}, nil
}

func (a *app) close() {
	_ = a.logger.Sync()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
}

func (a *app) policy() feedback.Policy {
	p := feedback.DefaultPolicy()
	if a.cfg.Feedback.MaxDelta > 0 {
		p.MaxDelta = a.cfg.Feedback.MaxDelta
	}
	if h := a.cfg.Feedback.HalfLife.Duration(); h > 0 {
		p.HalfLife = h
	}
	return p
}

func (a *app) openFeedback() (*feedback.JSONLStore, error) {
	return feedback.OpenJSONL(a.cfg.Feedback.Path,
		feedback.WithPolicy(a.policy()),
		feedback.WithLogger(a.logger))
}

// lastScanPath is where scan keeps its most recent result for feedback by row.
func (a *app) lastScanPath() string {
	return filepath.Join(filepath.Dir(a.cfg.Feedback.Path), "last_scan.json")
}

func (a *app) location() *time.Location {
	loc, err := time.LoadLocation(a.cfg.Extraction.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deadlined %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildDate)
		},
	}
}
