// Package postgres persists the task journal.
package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/crabzie/agent-orchestrator/internal/core/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const journalTable = "task_journal"

var journalColumns = []string{
	"task_id", "node_id", "event", "status", "agent_name", "priority", "error", "occurred_at",
}

// querier is the subset of pgxpool.Pool the journal uses
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ port.TaskJournal = (*TaskJournal)(nil)

type TaskJournal struct {
	db  querier
	qb  squirrel.StatementBuilderType
	log *zap.Logger
}

// NewTaskJournal creates a journal writing through db with the dollar placeholder builder.
func NewTaskJournal(db querier, log *zap.Logger) *TaskJournal {
	return &TaskJournal{
		db:  db,
		qb:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		log: log,
	}
}

func (j *TaskJournal) insertQuery(nodeID string, event domain.TaskEvent) (string, []any, error) {
	t := event.Task
	return j.qb.Insert(journalTable).
		Columns(journalColumns...).
		Values(t.ID, nodeID, string(event.Type), string(t.Status), t.AgentName, int(t.Priority), t.Error, event.Timestamp).
		ToSql()
}

func (j *TaskJournal) historyQuery(taskID string) (string, []any, error) {
	return j.qb.Select(journalColumns...).
		From(journalTable).
		Where(squirrel.Eq{"task_id": taskID}).
		OrderBy("occurred_at ASC", "id ASC").
		ToSql()
}

// Record appends one transition.
func (j *TaskJournal) Record(ctx context.Context, nodeID string, event domain.TaskEvent) error {
	query, args, err := j.insertQuery(nodeID, event)
	if err != nil {
		return fmt.Errorf("task journal: build insert: %w", err)
	}
	if _, err := j.db.Exec(ctx, query, args...); err != nil {
		j.log.Error("Failed to record task event",
			zap.String("task_id", event.Task.ID),
			zap.String("event", string(event.Type)),
			zap.Error(err))
		return fmt.Errorf("task journal: insert: %w", err)
	}
	return nil
}

// History lists the transitions of one task, oldest first.
func (j *TaskJournal) History(ctx context.Context, taskID string) ([]domain.JournalEntry, error) {
	query, args, err := j.historyQuery(taskID)
	if err != nil {
		return nil, fmt.Errorf("task journal: build select: %w", err)
	}
	rows, err := j.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("task journal: select: %w", err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var (
			e        domain.JournalEntry
			event    string
			status   string
			priority int
		)
		if err := rows.Scan(&e.TaskID, &e.NodeID, &event, &status, &e.AgentName, &priority, &e.Error, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("task journal: scan: %w", err)
		}
		e.Event = domain.TaskEventType(event)
		e.Status = domain.TaskStatus(status)
		e.Priority = domain.Priority(priority)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task journal: rows: %w", err)
	}
	if len(entries) == 0 {
		return nil, domain.ErrTaskNotFound
	}
	return entries, nil
}
