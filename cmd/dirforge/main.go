package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dirforge/internal/budget"
	"dirforge/internal/campaign"
	"dirforge/internal/checkpoint"
	"dirforge/internal/config"
	"dirforge/internal/dedup"
	"dirforge/internal/logging"
	"dirforge/internal/phase"
	"dirforge/internal/queue"
	"dirforge/internal/report"
	"dirforge/internal/store"
	"dirforge/internal/taxonomy"
)

// Exit codes reported to the shell.
const (
	exitOK         = 0
	exitValidation = 1
	exitBudget     = 2
	exitIdentity   = 3
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Init flags
	campaignName string
	locations    []string
	categories   []string
	totalTarget  int
	dailyTarget  int

	// Run flags
	dailyLimit int

	// Recover flags
	checkpointID string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dirforge",
	Short: "dirforge - business directory campaign orchestrator",
	Long: `dirforge discovers business records through a search collaborator,
filters duplicates against the local store and the live directory,
generates descriptions through an enrichment collaborator, and publishes
the results as directory listings.

A campaign runs one daily batch per invocation of "run". Spend against
each collaborator is capped per day and per campaign lifetime; progress
is checkpointed so an interrupted campaign resumes where it stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// initCmd creates a new campaign in the workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new campaign in the workspace",
	Long: `Validates the location and category selections against the master
lists, expands them into the ordered query backlog, and writes the first
checkpoint.

Example:
  dirforge init --name spring-push \
    --locations austin-tx,dallas-tx \
    --categories plumbing,roofing`,
	RunE: runInit,
}

// runCmd executes one daily batch
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one daily batch of the campaign",
	Long: `Loads the latest checkpoint and runs one daily cycle: search the
pending queries, accept unique candidates, enrich them, and publish.

The cycle stops on its own when the daily target or a daily budget cap
is reached; interrupted runs (SIGINT/SIGTERM) checkpoint and pause.`,
	RunE: runCampaign,
}

// pauseCmd signals a running campaign to pause
var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the running campaign at the next task boundary",
	RunE:  runPause,
}

// resumeCmd signals a paused campaign to continue
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused campaign",
	RunE:  runResume,
}

// statusCmd shows campaign progress
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show campaign progress, queue and budget position",
	RunE:  runStatus,
}

// recoverCmd restores campaign state from a checkpoint
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restore campaign state from a checkpoint",
	Long: `Rebuilds campaign state from a checkpoint and re-stamps it as the
newest one, so the next run starts from there. Tasks that were mid-flight
when the snapshot was taken come back pending.

Examples:
  dirforge recover                                  # newest checkpoint
  dirforge recover --checkpoint cp-20260828T081500Z-1a2b3c4d`,
	RunE: runRecover,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.dirforge/config.yaml)")

	// Init flags
	initCmd.Flags().StringVar(&campaignName, "name", "", "Campaign name (required)")
	initCmd.Flags().StringSliceVar(&locations, "locations", nil, "Target locations from the master list (required)")
	initCmd.Flags().StringSliceVar(&categories, "categories", nil, "Target categories from the master list (required)")
	initCmd.Flags().IntVar(&totalTarget, "total", 0, "Campaign record goal (default from config)")
	initCmd.Flags().IntVar(&dailyTarget, "daily", 0, "Records per daily batch (default from config)")
	initCmd.MarkFlagRequired("name")
	initCmd.MarkFlagRequired("locations")
	initCmd.MarkFlagRequired("categories")

	// Run flags
	runCmd.Flags().IntVar(&dailyLimit, "daily-limit", 0, "Override the daily record target for this run")

	// Recover flags
	recoverCmd.Flags().StringVar(&checkpointID, "checkpoint", checkpoint.Latest, "Checkpoint ID to restore")

	// Add commands to root
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented shell exit code. The local
// record store doubles as the identity store, so its outages report the
// same code as a published-index outage.
func exitCode(err error) int {
	var verr *taxonomy.ValidationError
	switch {
	case errors.As(err, &verr):
		return exitValidation
	case errors.Is(err, phase.ErrBudgetExceeded):
		return exitBudget
	case errors.Is(err, dedup.ErrIdentityStoreUnavailable):
		return exitIdentity
	case errors.Is(err, store.ErrUnavailable):
		return exitIdentity
	}
	return exitValidation
}

// loadConfig reads the workspace config and brings up the categorized
// file logger alongside zap.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(workspace, ".dirforge", "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logging.Initialize(workspace, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

// buildLedger creates the budget ledger from the configured caps, with
// threshold warnings routed to the report sink.
func buildLedger(cfg *config.Config) *budget.Ledger {
	caps := map[budget.Service]budget.Caps{
		budget.ServiceSearch:  {Daily: cfg.Budget.Search.DailyCap, Lifetime: cfg.Budget.Search.LifetimeCap},
		budget.ServiceEnrich:  {Daily: cfg.Budget.Enrich.DailyCap, Lifetime: cfg.Budget.Enrich.LifetimeCap},
		budget.ServicePublish: {Daily: cfg.Budget.Publish.DailyCap, Lifetime: cfg.Budget.Publish.LifetimeCap},
	}
	return budget.NewLedger(caps, cfg.Budget.WarnAtPercent, report.BudgetWarning)
}

func openRecords(cfg *config.Config) (*store.LocalStore, error) {
	path := cfg.Storage.DatabasePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	return store.Open(path)
}

// runInit builds the query backlog and writes the first checkpoint.
func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	locs, cats, err := taxonomy.ValidateSelection(locations, categories)
	if err != nil {
		return err
	}

	tasks, err := queue.Build(locs, cats, queue.DefaultStrategies)
	if err != nil {
		return err
	}

	total := cfg.Campaign.TotalTarget
	if totalTarget > 0 {
		total = totalTarget
	}
	daily := cfg.Campaign.DailyTarget
	if dailyTarget > 0 {
		daily = dailyTarget
	}

	st := campaign.NewCampaignState(campaignName, tasks, total, daily, time.Now())

	ckpts, err := checkpoint.NewStore(workspace, cfg.Campaign.CheckpointsKept)
	if err != nil {
		return err
	}
	snap := st.Checkpoint()
	snap.Budget = buildLedger(cfg).Export()
	id, err := ckpts.Save(snap)
	if err != nil {
		return err
	}

	// Persist the effective targets so later runs agree with init.
	cfg.Campaign.TotalTarget = total
	cfg.Campaign.DailyTarget = daily
	if err := cfg.Save(filepath.Join(workspace, ".dirforge", "config.yaml")); err != nil {
		return err
	}

	logger.Info("Campaign initialized",
		zap.String("campaign", st.ID),
		zap.Int("tasks", len(tasks)),
		zap.Int("total_target", total),
		zap.Int("daily_target", daily),
		zap.String("checkpoint", id))
	fmt.Printf("Initialized campaign %q: %d query tasks, target %d records (%d/day)\n",
		campaignName, len(tasks), total, daily)
	return nil
}

// runCampaign executes one daily cycle from the latest checkpoint.
func runCampaign(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dailyLimit > 0 {
		cfg.Campaign.DailyTarget = dailyLimit
	}

	ckpts, err := checkpoint.NewStore(workspace, cfg.Campaign.CheckpointsKept)
	if err != nil {
		return err
	}
	snap, err := ckpts.Load(checkpoint.Latest)
	if err != nil {
		return fmt.Errorf("no campaign to run (did you run dirforge init?): %w", err)
	}

	st := campaign.FromSnapshot(snap, cfg.Name, cfg.Campaign.TotalTarget, cfg.Campaign.DailyTarget)
	switch st.Status {
	case campaign.StatusCompleted:
		fmt.Println("Campaign already completed")
		return nil
	case campaign.StatusAborted:
		return fmt.Errorf("campaign is aborted (%s); recover from an earlier checkpoint to retry", st.LastError)
	}

	ledger := buildLedger(cfg)
	ledger.Restore(snap.Budget)

	records, err := openRecords(cfg)
	if err != nil {
		return err
	}
	defer records.Close()

	orch := campaign.New(workspace, st, cfg, ledger, ckpts, records, newClients(cfg.Services))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal, pausing at the next task boundary")
			cancel()
		case <-ctx.Done():
		}
	}()

	// Stream progress events while the cycle runs.
	go func() {
		for {
			select {
			case ev := <-orch.Events():
				logger.Info(ev.Message, zap.String("event", ev.Type))
			case <-ctx.Done():
				return
			}
		}
	}()

	err = orch.Run(ctx)
	final := orch.Snapshot()
	fmt.Printf("Campaign %s: %d/%d published, %d accepted today\n",
		final.Status, final.Metrics.Published, final.TotalTarget, final.Metrics.AcceptedToday)
	return err
}

func runPause(cmd *cobra.Command, args []string) error {
	if err := campaign.WriteControl(workspace, "pause"); err != nil {
		return err
	}
	fmt.Println("Pause requested; the campaign stops at the next task boundary")
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	if err := campaign.WriteControl(workspace, "resume"); err != nil {
		return err
	}
	fmt.Println("Resume requested")
	return nil
}

// runStatus renders the latest checkpointed view of the campaign.
func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ckpts, err := checkpoint.NewStore(workspace, cfg.Campaign.CheckpointsKept)
	if err != nil {
		return err
	}
	snap, err := ckpts.Load(checkpoint.Latest)
	if err != nil {
		return fmt.Errorf("no campaign in this workspace: %w", err)
	}

	st := campaign.FromSnapshot(snap, cfg.Name, cfg.Campaign.TotalTarget, cfg.Campaign.DailyTarget)

	ledger := buildLedger(cfg)
	ledger.Restore(snap.Budget)

	records, err := openRecords(cfg)
	if err != nil {
		return err
	}
	defer records.Close()
	counts, err := records.Count()
	if err != nil {
		return err
	}

	budgets := []report.ServiceBudgetLine{
		{Service: budget.ServiceSearch, DailyRemaining: ledger.DailyRemaining(budget.ServiceSearch),
			LifetimeSpent: ledger.LifetimeSpent(budget.ServiceSearch), LifetimeCap: cfg.Budget.Search.LifetimeCap},
		{Service: budget.ServiceEnrich, DailyRemaining: ledger.DailyRemaining(budget.ServiceEnrich),
			LifetimeSpent: ledger.LifetimeSpent(budget.ServiceEnrich), LifetimeCap: cfg.Budget.Enrich.LifetimeCap},
		{Service: budget.ServicePublish, DailyRemaining: ledger.DailyRemaining(budget.ServicePublish),
			LifetimeSpent: ledger.LifetimeSpent(budget.ServicePublish), LifetimeCap: cfg.Budget.Publish.LifetimeCap},
	}

	report.Render(os.Stdout, report.Status{
		State:          st,
		Counts:         counts,
		Budgets:        budgets,
		LastCheckpoint: snap.ID,
		CheckpointAge:  time.Since(snap.CreatedAt),
	})
	return nil
}

// runRecover re-stamps a chosen checkpoint as the newest one.
func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ckpts, err := checkpoint.NewStore(workspace, cfg.Campaign.CheckpointsKept)
	if err != nil {
		return err
	}
	snap, err := ckpts.Load(checkpointID)
	if err != nil {
		return err
	}

	st := campaign.FromSnapshot(snap, cfg.Name, cfg.Campaign.TotalTarget, cfg.Campaign.DailyTarget)

	restored := st.Checkpoint()
	restored.Budget = snap.Budget
	id, err := ckpts.Save(restored)
	if err != nil {
		return err
	}

	logger.Info("Campaign state recovered",
		zap.String("from", snap.ID),
		zap.String("checkpoint", id))
	fmt.Printf("Recovered from %s: status %s, cursor %d, %d/%d published\n",
		snap.ID, st.Status, st.Cursor, st.Metrics.Published, st.TotalTarget)
	return nil
}
