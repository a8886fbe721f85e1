package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/gofiber/storage/redis/v3"
	goredis "github.com/redis/go-redis/v9"
)

func newTestArchive(t *testing.T) (*ResultArchive, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewResultArchive(redis.NewFromConnection(client), "distributed:", time.Hour), mr
}

func TestResultArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, mr := newTestArchive(t)

	done := time.Unix(2000, 0).UTC()
	task := &domain.Task{
		ID:          "t1",
		AgentName:   "research",
		Priority:    domain.PriorityHigh,
		Status:      domain.TaskStatusFailed,
		Error:       "agent failed",
		CreatedAt:   time.Unix(1000, 0).UTC(),
		CompletedAt: &done,
	}
	if err := a.Put(ctx, task); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("distributed:task:t1") {
		t.Fatal("archive key missing")
	}

	got, err := a.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskStatusFailed || got.Error != "agent failed" || got.Priority != domain.PriorityHigh {
		t.Fatalf("got = %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Fatalf("completed at = %v", got.CompletedAt)
	}
}

func TestResultArchiveMissingAndExpired(t *testing.T) {
	ctx := context.Background()
	a, mr := newTestArchive(t)

	if _, err := a.Get(ctx, "missing"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("err = %v", err)
	}

	_ = a.Put(ctx, &domain.Task{ID: "t2", Status: domain.TaskStatusCompleted})
	mr.FastForward(2 * time.Hour)
	if _, err := a.Get(ctx, "t2"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("err after retention = %v", err)
	}
}

func TestResultArchiveCancelledContext(t *testing.T) {
	a, _ := newTestArchive(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Put(ctx, &domain.Task{ID: "t3"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
