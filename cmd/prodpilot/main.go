// ProdPilot orchestrator: runs one full pipeline pass, ingesting candidate
// posts, driving each through the stage machine, and uploading finished
// products.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/prodpilot/prodpilot/pkg/agent"
	"github.com/prodpilot/prodpilot/pkg/artifacts"
	"github.com/prodpilot/prodpilot/pkg/backup"
	"github.com/prodpilot/prodpilot/pkg/config"
	"github.com/prodpilot/prodpilot/pkg/cost"
	"github.com/prodpilot/prodpilot/pkg/database"
	"github.com/prodpilot/prodpilot/pkg/llm"
	"github.com/prodpilot/prodpilot/pkg/pipeline"
	"github.com/prodpilot/prodpilot/pkg/remotes"
	"github.com/prodpilot/prodpilot/pkg/retrypolicy"
	"github.com/prodpilot/prodpilot/pkg/store"
)

// Exit codes, part of the operator contract.
const (
	exitOK            = 0
	exitFailure       = 1
	exitConfigInvalid = 2
	exitLockHeld      = 3
	exitKillSwitch    = 4
	exitCostExhausted = 5
)

const lockFileName = "pid.lock"

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	dataRoot := flag.String("data-root",
		getEnv("PRODPILOT_DATA_ROOT", "./data"),
		"Path to the data directory (database, artifacts, .env)")
	flag.Parse()

	logger := slog.Default()
	ctx := context.Background()

	// 1. Configuration. Every invalid field is reported before exiting.
	cfg, err := config.Load(*dataRoot)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, reason := range verr.Reasons {
				logger.Error("invalid configuration", "reason", reason)
			}
		} else {
			logger.Error("failed to load configuration", "error", err)
		}
		return exitConfigInvalid
	}
	logger.Info("configuration loaded", "data_root", cfg.DataRoot, "origins", cfg.Origins, "model", cfg.Model)

	// 2. Single-instance lock. A live holder means another run is in flight.
	lockPath := filepath.Join(cfg.DataRoot, lockFileName)
	lock, err := pipeline.AcquireLock(lockPath)
	if err != nil {
		if errors.Is(err, pipeline.ErrLockHeld) {
			logger.Error("another orchestrator is running", "error", err)
			return exitLockHeld
		}
		logger.Error("failed to acquire lock", "path", lockPath, "error", err)
		return exitFailure
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Error("failed to release lock", "error", err)
		}
	}()

	// 3. Store (single writer) and artifacts tree.
	client, err := database.Open(ctx, cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		return exitFailure
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	st := store.New(client)
	writer, err := artifacts.NewWriter(cfg.ArtifactsRoot)
	if err != nil {
		logger.Error("failed to prepare artifacts root", "path", cfg.ArtifactsRoot, "error", err)
		return exitFailure
	}

	// 4. Cost governor, seeded with the lifetime tally.
	governor, err := cost.NewGovernor(ctx, st, cost.Limits{
		MaxTokensPerRun:  int64(cfg.MaxTokensPerRun),
		MaxUSDPerRun:     cfg.MaxUSDPerRun,
		MaxUSDLifetime:   cfg.MaxUSDLifetime,
		PriceInPerToken:  cfg.PriceInPerToken,
		PriceOutPerToken: cfg.PriceOutPerToken,
	}, cfg.Model)
	if err != nil {
		logger.Error("failed to initialize cost governor", "error", err)
		return exitFailure
	}

	// 5. Remote clients. Credentials come straight from the environment.
	retry := retrypolicy.New()
	provider, err := remotes.NewOpenAI(os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_API_KEY"), cfg.Model, cfg.LLMTimeout)
	if err != nil {
		logger.Error("model provider not configured", "error", err)
		return exitConfigInvalid
	}
	forum := remotes.NewForumAPI(getEnv("FORUM_BASE_URL", "https://www.reddit.com"), cfg.ForumTimeout)
	storefront, err := remotes.NewStorefront(getEnv("STOREFRONT_BASE_URL", "https://api.gumroad.com/v2"),
		os.Getenv("STOREFRONT_ACCESS_TOKEN"), cfg.StorefrontTimeout)
	if err != nil {
		logger.Error("storefront not configured", "error", err)
		return exitConfigInvalid
	}

	// 6. Agents over the model gateway.
	prompts, err := agent.LoadPrompts(cfg.PromptsDir)
	if err != nil {
		logger.Error("failed to load prompt templates", "dir", cfg.PromptsDir, "error", err)
		return exitConfigInvalid
	}
	gateway := llm.NewGateway(provider, governor, retry, logger)

	orch, err := pipeline.New(pipeline.Deps{
		Store:            st,
		Artifacts:        writer,
		Governor:         governor,
		Ingestor:         agent.NewIngestor(forum, retry, cfg.Origins, cfg.MinScore, cfg.PostsPerOrigin, logger),
		Problem:          agent.NewProblemAgent(gateway, prompts),
		Spec:             agent.NewSpecAgent(gateway, prompts),
		Content:          agent.NewContentAgent(gateway, prompts),
		Verify:           agent.NewVerifyAgent(gateway, prompts),
		Listing:          agent.NewListingAgent(gateway, prompts),
		Uploader:         agent.NewUploader(storefront, retry),
		KillSwitch:       killSwitchCheck(cfg),
		MaxRegenerations: cfg.MaxRegenerations,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		return exitFailure
	}

	// 7. One run, then a database snapshot.
	summary, err := orch.Run(ctx)
	if err != nil {
		logger.Error("run failed", "run_id", summary.RunID, "error", err)
		return exitFailure
	}

	backups := backup.NewManager(client, cfg.ArtifactsRoot, logger)
	if _, err := backups.Snapshot(ctx); err != nil {
		// The run's results are already durable; a failed snapshot is not fatal.
		logger.Error("post-run snapshot failed", "error", err)
	}

	logger.Info("run complete",
		"run_id", summary.RunID,
		"ingested", summary.Ingested,
		"processed", summary.Processed,
		"uploaded", summary.Uploaded,
		"failed", summary.Failed)

	switch {
	case summary.CostExhausted:
		return exitCostExhausted
	case summary.KillSwitched && summary.Processed == 0:
		// Observed at startup: nothing was attempted.
		return exitKillSwitch
	default:
		return exitOK
	}
}

// killSwitchCheck re-reads the kill switch on every probe so an operator can
// stop a run in flight by editing the .env file or the environment.
func killSwitchCheck(cfg *config.Config) func() bool {
	envPath := filepath.Join(cfg.DataRoot, ".env")
	return func() bool {
		if vals, err := godotenv.Read(envPath); err == nil {
			if raw, ok := vals["KILL_SWITCH"]; ok {
				if b, err := strconv.ParseBool(raw); err == nil {
					return b
				}
			}
		}
		if raw := os.Getenv("KILL_SWITCH"); raw != "" {
			if b, err := strconv.ParseBool(raw); err == nil {
				return b
			}
		}
		return cfg.KillSwitch
	}
}
