package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/promptchain/internal/aimodels"
	"github.com/promptchain/internal/api"
	"github.com/promptchain/internal/chains"
	"github.com/promptchain/internal/config"
	"github.com/promptchain/internal/conversation"
	"github.com/promptchain/internal/database"
	"github.com/promptchain/internal/execution"
	"github.com/promptchain/internal/jobqueue"
	"github.com/promptchain/internal/knowledge"
	"github.com/promptchain/internal/logging"
	"github.com/promptchain/internal/safety"
	"github.com/promptchain/internal/substitute"
)

// ServeCommand returns the CLI command for starting the API server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the prompt chain API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (trace, debug, info, warn, error)",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "no-queue",
				Usage: "Disable the background execution queue",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	logging.Setup(c.String("log-level"))

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if port := c.Int("port"); port > 0 {
		cfg.Server.Port = port
	}

	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	chainStore := chains.NewStore(db)
	conversationStore := conversation.NewStore(db)
	registry := aimodels.NewRegistry(db)
	provider := aimodels.NewStreamingProvider(cfg.Providers)
	retriever := knowledge.NewPGRetriever(db)

	execStore := execution.NewStore(db)
	recorder := execution.NewRecorder(execution.NewEventStore(db))
	engine := substitute.New(substitute.Limits{
		MaxContentLength: cfg.Limits.MaxContentLength,
		MaxPlaceholders:  cfg.Limits.MaxPlaceholders,
	})
	executor := execution.NewExecutor(registry, provider, retriever, execStore, recorder, engine, knowledge.Options{
		Limit:         cfg.Knowledge.MaxChunks,
		MinSimilarity: cfg.Knowledge.MinSimilarity,
	})
	orchestrator := execution.NewOrchestrator(executor, execStore, recorder)
	runner := execution.NewRunner(execStore, recorder, orchestrator)

	deps := api.Deps{
		Chains:        chainStore,
		Store:         execStore,
		Executions:    execStore,
		Events:        execution.NewEventStore(db),
		Models:        registry,
		Conversations: conversationStore,
		Runner:        runner,
		Safety:        safety.Default(),
	}

	if !c.Bool("no-queue") {
		queue, err := jobqueue.NewJobQueue(cfg.Database.URL, chainStore, conversationStore, runner)
		if err != nil {
			return fmt.Errorf("failed to create job queue: %w", err)
		}
		if err := queue.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start job queue: %w", err)
		}
		defer func() {
			if err := queue.Stop(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Job queue shutdown returned an error")
			}
		}()
		deps.Queue = queue
	}

	log.Info().Int("port", cfg.Server.Port).Msg("Starting prompt chain server")
	server := api.NewServer(cfg, deps)
	return server.Start()
}
