package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/torii-sh/torii/internal/model"
)

// CreateTask inserts a task in the pending_approval state. No
// deduplication is performed: a redelivered signal produces a second
// row (documented at-least-once gap).
func (db *DB) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = model.TaskStatusPendingApproval
	}
	if task.InputPayload == nil {
		task.InputPayload = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO tasks (id, description, input_payload, agent_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.Description, task.InputPayload, task.AgentID,
		string(task.Status), task.CreatedAt,
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: create task: %w", err)
	}
	return task, nil
}

// GetTask fetches a task by ID. Returns ErrNotFound when absent.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	var t model.Task
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, description, input_payload, agent_id, status, created_at
		 FROM tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.Description, &t.InputPayload, &t.AgentID, &status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: get task: %w", err)
	}
	t.Status = model.TaskStatus(status)
	return t, nil
}

// ListTasks returns the most recent tasks, newest first. limit <= 0
// defaults to 100.
func (db *DB) ListTasks(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, description, input_payload, agent_id, status, created_at
		 FROM tasks ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		var status string
		if err := rows.Scan(&t.ID, &t.Description, &t.InputPayload, &t.AgentID, &status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		t.Status = model.TaskStatus(status)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ApproveTask transitions a task from pending_approval to approved.
// Returns ErrNotFound if no such task exists and ErrTaskNotPending if
// the task exists but was already approved.
func (db *DB) ApproveTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	var t model.Task
	var status string
	err := db.pool.QueryRow(ctx,
		`UPDATE tasks SET status = $1
		 WHERE id = $2 AND status = $3
		 RETURNING id, description, input_payload, agent_id, status, created_at`,
		string(model.TaskStatusApproved), id, string(model.TaskStatusPendingApproval),
	).Scan(&t.ID, &t.Description, &t.InputPayload, &t.AgentID, &status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish "missing" from "already approved".
		if _, getErr := db.GetTask(ctx, id); getErr == nil {
			return model.Task{}, ErrTaskNotPending
		}
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: approve task: %w", err)
	}
	t.Status = model.TaskStatus(status)
	return t, nil
}

// CountTasks returns the total number of task rows.
func (db *DB) CountTasks(ctx context.Context) (int64, error) {
	var count int64
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count tasks: %w", err)
	}
	return count, nil
}
