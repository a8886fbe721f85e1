package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/agent-orchestrator/config/logger"
	postgresConfig "github.com/crabzie/agent-orchestrator/config/storage/postgresql"
	redisConfig "github.com/crabzie/agent-orchestrator/config/storage/redis"
	config "github.com/crabzie/agent-orchestrator/config/utils"
	"github.com/crabzie/agent-orchestrator/internal/adapter/executor"
	"github.com/crabzie/agent-orchestrator/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/agent-orchestrator/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/agent-orchestrator/internal/adapter/storage/redis"
	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/crabzie/agent-orchestrator/internal/core/port"
	"github.com/crabzie/agent-orchestrator/internal/core/service"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// _shutdownHardPeriod bounds cleanup after the drain timeout
const _shutdownHardPeriod = 10 * time.Second

type flags struct {
	configPath  string
	nodeID      string
	standalone  bool
	minDuration time.Duration
	maxDuration time.Duration
	failureRate float64
}

func main() {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "node",
		Short:         "Run one agent orchestrator node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "config file, defaults to ./config.yaml or /etc/secrets/config.yaml")
	cmd.Flags().StringVar(&f.nodeID, "node-id", "", "node id, overrides node.id and NODE_ID")
	cmd.Flags().BoolVar(&f.standalone, "standalone", false, "run without the shared store")
	cmd.Flags().DurationVar(&f.minDuration, "sim-min", time.Second, "minimum simulated task duration")
	cmd.Flags().DurationVar(&f.maxDuration, "sim-max", 5*time.Second, "maximum simulated task duration")
	cmd.Flags().Float64Var(&f.failureRate, "sim-failure-rate", 0.05, "share of simulated tasks that fail")

	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	if err := cmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(rootCtx context.Context, f *flags) error {
	// 1. Init Config & Logger
	appConfig, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.nodeID != "" {
		appConfig.Node.ID = f.nodeID
	}
	if appConfig.Node.ID == "" {
		appConfig.Node.ID = "node-" + uuid.NewString()[:8]
	}

	log, err := logger.Build(appConfig.Logger, appConfig.Node.ID)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting the node",
		zap.String("app", appConfig.App.Name),
		zap.String("env", appConfig.App.Env),
		zap.Any("agents", appConfig.Agents))

	// 2. Init Adapters
	var (
		store   port.SharedStore
		opts    []service.OrchestratorOption
		intake  port.TaskIntake
		closers []func()
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	if appConfig.Cluster.Enabled && !f.standalone {
		rds, err := redisConfig.New(rootCtx, appConfig.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		closers = append(closers, func() { _ = rds.Close() })
		log.Info("Successfully connected to the shared store", zap.String("address", appConfig.Redis.Addr))

		store = redisAdapter.NewStore(rds.Client, log.Named("store"))
		opts = append(opts, service.WithArchive(redisAdapter.NewResultArchive(
			rds.Storage, appConfig.Cluster.KeyPrefix, appConfig.Scheduler.ArchiveRetention)))
	}

	if appConfig.DB.Enabled {
		db, err := postgresConfig.New(rootCtx, appConfig.DB, log.Named("DB"))
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		closers = append(closers, db.Close)
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		log.Info("Successfully migrated the task journal")
		opts = append(opts, service.WithJournal(postgres.NewTaskJournal(db.Pool, log.Named("journal"))))
	}

	if appConfig.RabbitMQ.Enabled {
		broker, err := rabbitmq.NewBroker(rootCtx, appConfig.RabbitMQ.URL, rabbitmq.Options{
			TaskQueue: appConfig.RabbitMQ.TaskQueue,
			Exchange:  appConfig.RabbitMQ.Exchange,
			Prefetch:  appConfig.RabbitMQ.Prefetch,
		}, log.Named("rabbitmq"))
		if err != nil {
			return fmt.Errorf("init rabbitmq: %w", err)
		}
		closers = append(closers, func() { _ = broker.Close() })
		intake = broker
		opts = append(opts, service.WithRelay(broker))
	}

	// 3. Init Orchestrator & Worker
	orch := service.NewOrchestrator(orchestratorConfig(appConfig), store, log, opts...)
	orch.OnStatusChange(func(change domain.StatusChange) {
		if change.Status == domain.StatusError {
			log.Error("Node entered error status", zap.Float64("error_rate", change.ErrorRate))
		}
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if err := orch.Start(runCtx); err != nil {
		return err
	}

	exec := executor.NewSimulated(f.minDuration, f.maxDuration, f.failureRate, log.Named("executor"))
	worker := service.NewWorker(orch, exec, intake, appConfig.Scheduler.PollInterval, log.Named("worker"))
	consumeCtx, stopConsume := context.WithCancel(runCtx)
	defer stopConsume()
	if err := worker.StartWorker(consumeCtx); err != nil {
		return err
	}
	log.Info("Node started successfully. Waiting for tasks...")

	// 4. Wait for Shutdown
	<-rootCtx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Scheduler.DrainTimeout+_shutdownHardPeriod)
	defer cancel()
	stopConsume()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown failed", zap.Error(err))
	}
	cancelRun()
	worker.Wait()

	log.Info("Graceful shutdown complete.")
	return nil
}

func orchestratorConfig(c *config.AppConfig) service.OrchestratorConfig {
	cl := c.Cluster
	return service.OrchestratorConfig{
		NodeID:         c.Node.ID,
		Host:           c.Node.Host,
		Port:           c.Node.Port,
		Version:        c.Node.Version,
		Agents:         c.Agents,
		HealthInterval: c.Scheduler.HealthInterval,
		DrainTimeout:   c.Scheduler.DrainTimeout,
		DrainPoll:      c.Scheduler.DrainPoll,
		Cluster: service.ClusterConfig{
			NodeID:               c.Node.ID,
			KeyPrefix:            cl.KeyPrefix,
			HeartbeatInterval:    cl.HeartbeatInterval,
			StateSyncInterval:    cl.StateSyncInterval,
			CleanupInterval:      cl.CleanupInterval,
			NodeTimeout:          cl.NodeTimeout,
			RegistryTTL:          cl.RegistryTTL,
			BalanceInterval:      cl.BalanceInterval,
			BalanceThreshold:     cl.BalanceThreshold,
			InitialElectionDelay: cl.InitialElectionDelay,
			CallTimeout:          cl.CallTimeout,
			Election: service.ElectionConfig{
				LeaseTTL:      cl.LeaseTTL,
				RenewInterval: cl.RenewInterval,
				RetryBackoff:  cl.ElectionBackoff,
				CallTimeout:   cl.CallTimeout,
			},
		},
	}
}
