// Command yarrow runs the entity resolution engine against the configured
// Postgres backend: setup builds the text indexes, run executes the full
// pipeline, clean drops the engine's output, and stats summarizes the
// similarity graph.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ramsey-B/yarrow/config"
	"github.com/Ramsey-B/yarrow/internal/database"
	clusterrepo "github.com/Ramsey-B/yarrow/internal/repositories/cluster"
	edgerepo "github.com/Ramsey-B/yarrow/internal/repositories/edge"
	goldenrepo "github.com/Ramsey-B/yarrow/internal/repositories/golden"
	recordrepo "github.com/Ramsey-B/yarrow/internal/repositories/record"
	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/events"
	"github.com/Ramsey-B/yarrow/pkg/graph"
	"github.com/Ramsey-B/yarrow/pkg/kafka"
	"github.com/Ramsey-B/yarrow/pkg/pipeline"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
	"github.com/Ramsey-B/yarrow/pkg/tracing/exporters"
)

// app holds everything a command needs plus the resources to release on exit.
type app struct {
	cfg         config.Config
	logger      ectologger.Logger
	coordinator *pipeline.Coordinator
	closers     []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(cfg config.Config) (ectologger.Logger, error) {
	var zapLogger *zap.Logger
	var err error
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, errors.NewSetupError("failed to build logger: %w", err)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

// bootstrap loads the environment, connects the backends, and builds the
// coordinator.
func bootstrap(ctx context.Context, pipelinePath string) (*app, error) {
	_ = godotenv.Load()

	var cfg config.Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, errors.NewConfigError("failed to read environment: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	provider := tracing.InitProvider(&exporters.ConsoleExporter{}, cfg.AppName)
	a.closers = append(a.closers, func() { _ = provider.Shutdown(context.Background()) })

	db, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = db.Close() })

	if err := database.NewMigrationService(cfg, logger).Migrate(db); err != nil {
		a.close()
		return nil, err
	}

	records := recordrepo.NewRepository(db, logger)
	stores := pipeline.Stores{
		Records:  records,
		Edges:    edgerepo.NewRepository(db, logger),
		Clusters: clusterrepo.NewRepository(db, logger),
		Golden:   goldenrepo.NewRepository(db, logger),
		Admin:    records,
	}

	if cfg.GraphDBEnabled {
		client, err := graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := client.VerifyConnectivity(ctx); err != nil {
			a.close()
			return nil, errors.NewBackendError("graph database unreachable: %s",
				errors.Redact(err.Error(), cfg.Secrets()...))
		}
		a.closers = append(a.closers, func() { _ = client.Close(context.Background()) })
		stores.Edges = graph.NewEdgeStore(client, logger)
	}

	if pipelinePath == "" {
		pipelinePath = cfg.PipelineConfigPath
	}
	pipelineConfig, err := pipeline.LoadConfig(pipelinePath)
	if err != nil {
		a.close()
		return nil, err
	}

	coordinator, err := pipeline.NewCoordinator(stores, *pipelineConfig, logger, cfg.Secrets()...)
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.KafkaEnabled {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		a.closers = append(a.closers, func() { _ = producer.Close() })
		coordinator.SetEmitter(events.NewEmitter(producer, logger))
	}

	a.coordinator = coordinator
	return a, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pipelinePath string
	var force bool
	var collection string

	root := &cobra.Command{
		Use:           "yarrow",
		Short:         "Entity resolution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&pipelinePath, "config", "c", "", "pipeline configuration file (defaults to PIPELINE_CONFIG_PATH)")

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Create analyzers and indexed views for the configured collections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), pipelinePath)
			if err != nil {
				return err
			}
			defer a.close()
			report, err := a.coordinator.Setup(cmd.Context(), force)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	setupCmd.Flags().BoolVar(&force, "force", false, "rebuild indexes even when they already exist")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show which analyzers and views currently exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), pipelinePath)
			if err != nil {
				return err
			}
			defer a.close()
			status, err := a.coordinator.SetupStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the full resolution pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), pipelinePath)
			if err != nil {
				return err
			}
			defer a.close()
			report, err := a.coordinator.Run(cmd.Context())
			if report != nil {
				if printErr := printJSON(report); printErr != nil && err == nil {
					err = printErr
				}
			}
			return err
		},
	}

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Drop the engine's edge, cluster, and golden-record output",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), pipelinePath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.coordinator.Clean(cmd.Context())
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize blocking potential and the similarity graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), pipelinePath)
			if err != nil {
				return err
			}
			defer a.close()
			stats, err := a.coordinator.Stats(cmd.Context(), collection)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	statsCmd.Flags().StringVar(&collection, "collection", "", "restrict the summary to one collection")

	root.AddCommand(setupCmd, statusCmd, runCmd, cleanCmd, statsCmd)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(errors.ExitCode(err))
	}
}
