package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aevon-lab/calcengine/internal/actor"
	"github.com/aevon-lab/calcengine/internal/core/calc"
	corecfg "github.com/aevon-lab/calcengine/internal/core/config"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/partition"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/aevon-lab/calcengine/internal/core/storage/memory"
	"github.com/aevon-lab/calcengine/internal/core/storage/postgres"
	"github.com/aevon-lab/calcengine/internal/debug"
	"github.com/aevon-lab/calcengine/internal/ingestion"
	"github.com/aevon-lab/calcengine/internal/metrics"
	"github.com/aevon-lab/calcengine/internal/migrations"
	"github.com/aevon-lab/calcengine/internal/projection"
	"github.com/aevon-lab/calcengine/internal/reprocess"
	"github.com/aevon-lab/calcengine/internal/server"
	"github.com/aevon-lab/calcengine/internal/transport/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type telemetryStore interface {
	storage.TelemetryStore
	storage.TelemetryWriter
}

type directoryStore interface {
	storage.Directory
	storage.DirectoryWriter
}

type definitionStore interface {
	storage.DefinitionStore
	storage.DefinitionWriter
}

// stores bundles the storage backend selected by database.type.
type stores struct {
	db          *sql.DB
	states      storage.StateStore
	telemetry   telemetryStore
	definitions definitionStore
	directory   directoryStore
	closers     []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}
}

func main() {
	configPath := flag.String("config", "calcengine.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Server.Mode == "debug" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	slog.Info("Loaded config", "config", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Initialize Storage
	st, err := openStores(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to initialize storage", "type", cfg.Database.Type, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// 2.1. Seed calculated fields from YAML files
	if cfg.Definitions.SeedDir != "" {
		files, err := field.NewFileSystemRepository(cfg.Definitions.SeedDir)
		if err != nil {
			slog.Error("Failed to load calculated field files", "dir", cfg.Definitions.SeedDir, "error", err)
			os.Exit(1)
		}
		seeded, err := storage.SeedDefinitions(ctx, files, st.definitions, st.definitions, cfg.Engine.PageSize)
		if err != nil {
			slog.Error("Failed to seed calculated fields", "error", err)
			os.Exit(1)
		}
		slog.Info("Calculated fields seeded", "dir", cfg.Definitions.SeedDir, "stored", seeded)
	}

	// 3. Observability
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	recorder := debug.NewRecorder(cfg.Engine.DebugBufferSize)

	// 4. Result sink and link forwarding
	var sink calc.Sink = ingestion.NewTelemetrySink(st.telemetry)
	var forwarder actor.Forwarder
	kafkaCfg := kafka.Config{
		Brokers:      cfg.Kafka.Brokers,
		GroupID:      cfg.Kafka.GroupID,
		InboundTopic: cfg.Kafka.InboundTopic,
		ResultsTopic: cfg.Kafka.ResultsTopic,
		LinkedTopic:  cfg.Kafka.LinkedTopic,
		PollTimeout:  cfg.Kafka.PollTimeout,
	}
	if cfg.Kafka.Enabled {
		resultSink := kafka.NewResultSink(kafka.NewWriter(kafkaCfg, kafkaCfg.ResultsTopic))
		defer resultSink.Close()
		linkForwarder := kafka.NewForwarder(kafka.NewWriter(kafkaCfg, kafkaCfg.LinkedTopic))
		defer linkForwarder.Close()
		sink, forwarder = resultSink, linkForwarder
	}

	// 5. Initialize the actor system
	fetcher := calc.NewFetcher(st.telemetry, st.directory)
	system := actor.NewSystem(actor.Deps{
		States:      st.states,
		Fetcher:     fetcher,
		Definitions: st.definitions,
		Directory:   st.directory,
		Sink:        sink,
		Partitions:  partition.NewStaticResolver(cfg.Engine.Partitions),
		Forwarder:   forwarder,
		Debug:       recorder,
		Metrics:     m,
	}, actor.Config{
		Queue:                cfg.Engine.Queue,
		StateFetchTimeout:    cfg.Engine.StateFetchTimeout,
		CalculationTimeout:   cfg.Engine.CalculationTimeout,
		ReevaluationInterval: cfg.Engine.ReevaluationInterval,
		MaxStateSizeBytes:    cfg.Engine.MaxStateSizeBytes(),
		PageSize:             cfg.Engine.PageSize,
	})
	if err := system.Start(ctx); err != nil {
		slog.Error("Failed to start actor system", "error", err)
		os.Exit(1)
	}
	defer system.Stop()

	// 6. Reprocessing
	deps := ingestion.Deps{
		Engine:      system,
		Telemetry:   st.telemetry,
		Definitions: st.definitions,
		Writer:      st.definitions,
		Directory:   st.directory,
		Debug:       recorder,
		Metrics:     m,
	}
	if cfg.Reprocess.Enabled {
		engine := reprocess.NewEngine(st.definitions, st.telemetry, fetcher, st.states, sink, m, reprocess.Options{
			PageSize:           cfg.Reprocess.PageSize,
			CalculationTimeout: cfg.Engine.CalculationTimeout,
			MaxStateSizeBytes:  cfg.Engine.MaxStateSizeBytes(),
		})
		runner := reprocess.NewRunner(engine, reprocess.RunnerOptions{
			WorkerCount: cfg.Reprocess.WorkerCount,
			QueueSize:   cfg.Reprocess.QueueSize,
		})
		runner.Start(ctx)
		defer runner.Stop()
		deps.Reprocess = runner
	} else {
		slog.Info("Reprocessing disabled by config")
	}

	// 7. Kafka consumers (inbound changes and linked updates from other nodes)
	var consumers sync.WaitGroup
	if cfg.Kafka.Enabled {
		for _, topic := range []string{kafkaCfg.InboundTopic, kafkaCfg.LinkedTopic} {
			reader := kafka.NewReader(kafkaCfg, topic)
			consumer := kafka.NewConsumer(reader, system, m, kafkaCfg.PollTimeout, cfg.Server.ProcessTimeout)
			consumers.Add(1)
			go func(topic string) {
				defer consumers.Done()
				defer reader.Close()
				if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("Kafka consumer stopped with error", "topic", topic, "error", err)
				}
			}(topic)
		}
		slog.Info("Kafka transport enabled",
			"brokers", kafkaCfg.Brokers,
			"inbound_topic", kafkaCfg.InboundTopic,
			"results_topic", kafkaCfg.ResultsTopic,
			"linked_topic", kafkaCfg.LinkedTopic)
	}

	// 8. Initialize Server
	var health server.HealthChecker
	if st.db != nil {
		health = st.db
	}
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), health, registry, cfg.Server.Mode)
	ingestion.NewService(deps, cfg.Server.MaxBodySizeMB, cfg.Server.ProcessTimeout).RegisterRoutes(srv.Engine)
	projection.NewService(st.telemetry, st.states).RegisterRoutes(srv.Engine)

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
		cancel()
	}
	consumers.Wait()

	slog.Info("Shutdown complete")
}

func openStores(ctx context.Context, cfg corecfg.DatabaseConfig) (*stores, error) {
	if cfg.Type == corecfg.DatabaseMemory {
		slog.Warn("Using in-memory storage; state is lost on restart")
		return &stores{
			states:      memory.NewStateStore(),
			telemetry:   memory.NewTelemetryStore(),
			definitions: memory.NewDefinitionStore(),
			directory:   memory.NewDirectory(),
		}, nil
	}

	db, err := postgres.Open(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	if err := migrations.RunMigrations(db, cfg.AutoMigrate); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := postgres.ValidateSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	states, err := postgres.NewStateAdapter(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &stores{
		db:          db,
		states:      states,
		telemetry:   postgres.NewTelemetryAdapter(db),
		definitions: postgres.NewDefinitionAdapter(db),
		directory:   postgres.NewDirectoryAdapter(db),
		closers:     []func() error{db.Close, states.Close},
	}, nil
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
