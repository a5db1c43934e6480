package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loopsmith/internal/config"
	"loopsmith/internal/deploy"
	"loopsmith/internal/executor"
	"loopsmith/internal/knowledge"
	"loopsmith/internal/llm"
	"loopsmith/internal/logging"
	"loopsmith/internal/memory"
	"loopsmith/internal/research"
	"loopsmith/internal/store"
	"loopsmith/internal/supervisor"
	"loopsmith/internal/tracker"
	"loopsmith/internal/types"
	"loopsmith/internal/usage"
	"loopsmith/internal/verification"
)

var (
	requiredFiles []string
	maxAttempts   int
	noBrowser     bool
	noHistory     bool
)

// searchOnly keeps web-search fixes available when the research pass is disabled.
type searchOnly struct {
	*research.Researcher
}

func (searchOnly) Run(context.Context, string) (*research.Report, error) {
	return &research.Report{}, nil
}

// runGoal wires every component for one run and drives the supervisor.
func runGoal(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	defer logging.CloseAll()

	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	if maxAttempts > 0 {
		cfg.Supervisor.MaxAttempts = maxAttempts
	}
	if noBrowser {
		cfg.Browser.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	goal := types.Goal{
		Description:   joinArgs(args),
		RequiredFiles: goalFiles(cfg),
		Workspace:     ws,
	}
	stateDir := filepath.Join(ws, config.StateDirName)
	logger.Info("Starting run",
		zap.String("goal", goal.Description),
		zap.String("workspace", ws),
		zap.Strings("files", goal.RequiredFiles))

	usageTracker, err := usage.NewTracker(filepath.Join(stateDir, "usage.json"))
	if err != nil {
		logger.Warn("Usage statistics disabled", zap.Error(err))
		usageTracker, _ = usage.NewTracker("")
	}
	chain, err := llm.NewChainFromConfig(ctx, cfg, usageTracker)
	if err != nil {
		return err
	}
	logger.Info("LLM provider chain", zap.Strings("providers", chain.Providers()))
	gw := llm.NewGateway(chain, llm.GatewayOptions{
		RouterThreshold:      cfg.LLM.RouterThreshold,
		CodeTemperature:      cfg.LLM.CodeTemperature,
		DecomposeTemperature: cfg.LLM.DecomposeTemperature,
	})

	memStore, err := memory.Open(filepath.Join(stateDir, "meta_memory.json"))
	if err != nil {
		return err
	}
	learner := memory.NewLearner(memStore, memory.Signer{Selectors: cfg.Verification.Selectors})

	kb, err := knowledge.Open(filepath.Join(stateDir, "knowledge.json"))
	if err != nil {
		return err
	}

	researcher := research.New(gw, kb,
		research.NewCache(cfg.Research.CacheSize, cfg.GetResearchCacheTTL()),
		research.Config{MinTopics: cfg.Research.MinTopics, MaxTopics: cfg.Research.MaxTopics})
	var rs executor.Researcher = researcher
	if !cfg.Research.Enabled {
		rs = searchOnly{researcher}
	}

	inspector := verification.NewInspector(cfg)
	defer inspector.Close()
	verifier := verification.New(verification.OptionsFromConfig(cfg, ws), inspector)

	deployer := deploy.NewProcessDeployer(deploy.OptionsFromConfig(cfg, ws))
	defer func() {
		if err := deployer.Stop(context.Background()); err != nil {
			logger.Warn("Failed to stop server", zap.Error(err))
		}
	}()

	ex := executor.New(goal, executor.Deps{
		Gateway:   gw,
		Research:  rs,
		Knowledge: kb,
		Learner:   learner,
		Verifier:  verifier,
		Deployer:  deployer,
		Runner:    deploy.NewCommandRunner(ws, cfg.GetCommandTimeout()),
	}, executor.Options{
		Framework:          "flask",
		SmallFileThreshold: cfg.Templates.SmallFileThreshold,
		StateDir:           stateDir,
	})

	var (
		hist  *store.History
		runID string
		sink  tracker.Sink
	)
	if !noHistory {
		hist, runID, sink = openHistory(ctx, stateDir, goal)
		if hist != nil {
			defer hist.Close()
		}
	}

	sup := supervisor.New(ex, learner.Signature, supervisor.Options{
		Lookback:    cfg.Supervisor.Lookback,
		MaxAttempts: cfg.Supervisor.MaxAttempts,
		Sink:        sink,
	})
	report, runErr := sup.Run(ctx, goal)
	if !report.Success {
		if err := learner.DiscardPending(); err != nil {
			logger.Warn("Failed to save meta-memory", zap.Error(err))
		}
	}

	if hist != nil {
		if err := hist.FinishRun(context.Background(), runID, report.Success, report.Attempts, report.Summary); err != nil {
			logger.Warn("Failed to record run outcome", zap.Error(err))
		}
	}
	if err := usageTracker.Save(); err != nil {
		logger.Warn("Failed to save usage statistics", zap.Error(err))
	}

	printRunReport(os.Stdout, report, usageTracker.Stats(), memStore.Statistics())
	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	return nil
}

func goalFiles(cfg *config.Config) []string {
	switch {
	case len(requiredFiles) > 0:
		return requiredFiles
	case len(cfg.Verification.RequiredFiles) > 0:
		return cfg.Verification.RequiredFiles
	default:
		return config.DefaultRequiredFiles
	}
}

// openHistory starts a history record for the run. Failures disable history.
func openHistory(ctx context.Context, stateDir string, goal types.Goal) (*store.History, string, tracker.Sink) {
	hist, err := store.OpenHistory(filepath.Join(stateDir, "history.db"))
	if err != nil {
		logger.Warn("Run history disabled", zap.Error(err))
		return nil, "", nil
	}
	runID, err := hist.StartRun(ctx, goal.Description, goal.Workspace)
	if err != nil {
		logger.Warn("Run history disabled", zap.Error(err))
		_ = hist.Close()
		return nil, "", nil
	}
	return hist, runID, hist.Sink(ctx, runID)
}
