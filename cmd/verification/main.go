package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/crabzie/agent-orchestrator/config/logger"
	postgresConfig "github.com/crabzie/agent-orchestrator/config/storage/postgresql"
	redisConfig "github.com/crabzie/agent-orchestrator/config/storage/redis"
	config "github.com/crabzie/agent-orchestrator/config/utils"
	"github.com/crabzie/agent-orchestrator/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/agent-orchestrator/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/agent-orchestrator/internal/adapter/storage/redis"
	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"go.uber.org/zap"
)

// verification checks every external collaborator of a node against the configured infrastructure.
func main() {
	// 1. Setup Logger & Config
	appConfig := config.New()
	log, err := logger.Build(appConfig.Logger, "verification")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	log.Info("Starting Verification...")
	failed := false

	now := time.Now()
	task := &domain.Task{
		ID:          fmt.Sprintf("verify-task-%d", now.Unix()),
		AgentName:   "verification",
		Priority:    domain.PriorityNormal,
		Status:      domain.TaskStatusCompleted,
		CreatedAt:   now,
		CompletedAt: &now,
	}

	// 2. Test Redis
	log.Info("--- Testing Redis ---")
	rds, err := redisConfig.New(ctx, appConfig.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rds.Close()

	store := redisAdapter.NewStore(rds.Client, log)
	lockKey := appConfig.Cluster.KeyPrefix + "verification:lock"
	if ok, err := store.SetIfAbsent(ctx, lockKey, "verification", 10*time.Second); err != nil || !ok {
		log.Error("X Redis: Acquire Lock Failed", zap.Bool("acquired", ok), zap.Error(err))
		failed = true
	} else if ok, err := store.DeleteIfHolder(ctx, lockKey, "verification"); err != nil || !ok {
		log.Error("X Redis: Release Lock Failed", zap.Error(err))
		failed = true
	} else {
		log.Info("✓ Redis: Lock Roundtrip Success")
	}

	archive := redisAdapter.NewResultArchive(rds.Storage, appConfig.Cluster.KeyPrefix, time.Minute)
	if err := archive.Put(ctx, task); err != nil {
		log.Error("X Redis: Archive Task Failed", zap.Error(err))
		failed = true
	} else if fetched, err := archive.Get(ctx, task.ID); err != nil {
		log.Error("X Redis: Archive Lookup Failed", zap.Error(err))
		failed = true
	} else {
		log.Info("✓ Redis: Archive Success", zap.String("FetchedID", fetched.ID))
	}

	// 3. Test Postgres
	if appConfig.DB.Enabled {
		log.Info("--- Testing Postgres ---")
		db, err := postgresConfig.New(ctx, appConfig.DB, log)
		if err != nil {
			log.Fatal("Failed to connect to DB", zap.Error(err))
		}
		defer db.Close()
		if err := db.Health(ctx); err != nil {
			log.Fatal("DB is not healthy", zap.Error(err))
		}
		if err := db.Migrate(); err != nil {
			log.Fatal("Failed to migrate DB", zap.Error(err))
		}

		journal := postgres.NewTaskJournal(db.Pool, log)
		event := domain.TaskEvent{Type: domain.TaskEventCompleted, Task: task, Timestamp: now}
		if err := journal.Record(ctx, "verification", event); err != nil {
			log.Error("X Postgres: Record Failed", zap.Error(err))
			failed = true
		} else if history, err := journal.History(ctx, task.ID); err != nil {
			log.Error("X Postgres: History Failed", zap.Error(err))
			failed = true
		} else {
			log.Info("✓ Postgres: Journal Success", zap.Int("Entries", len(history)))
		}
	}

	// 4. Test RabbitMQ
	if appConfig.RabbitMQ.Enabled {
		log.Info("--- Testing RabbitMQ ---")
		broker, err := rabbitmq.NewBroker(ctx, appConfig.RabbitMQ.URL, rabbitmq.Options{
			TaskQueue: appConfig.RabbitMQ.TaskQueue,
			Exchange:  appConfig.RabbitMQ.Exchange,
		}, log)
		if err != nil {
			log.Error("X RabbitMQ: Connection Failed", zap.Error(err))
			failed = true
		} else {
			defer broker.Close()
			event := domain.TaskEvent{Type: domain.TaskEventCompleted, Task: task, Timestamp: now}
			if err := broker.PublishTaskEvent(ctx, event); err != nil {
				log.Error("X RabbitMQ: Publish Failed", zap.Error(err))
				failed = true
			} else {
				log.Info("✓ RabbitMQ: Publish Success")
			}
		}
	}

	if failed {
		log.Error("Verification failed.")
		os.Exit(1)
	}
	log.Info("Verification Complete.")
}
