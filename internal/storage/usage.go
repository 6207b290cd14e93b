package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/torii-sh/torii/internal/model"
)

// InsertUsageLog appends one row to the accounting ledger. Rows are
// never updated or deleted.
func (db *DB) InsertUsageLog(ctx context.Context, log model.UsageLog) (model.UsageLog, error) {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}
	if log.Metadata == nil {
		log.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO usage_logs (id, agent_id, action, tokens, cost_usd, metadata, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.ID, log.AgentID, string(log.Action), log.Tokens, log.CostUSD,
		log.Metadata, log.Timestamp,
	)
	if err != nil {
		return model.UsageLog{}, fmt.Errorf("storage: insert usage log: %w", err)
	}
	return log, nil
}

// GetUsageByAgent returns an agent's usage rows, newest first. limit <= 0
// defaults to 100.
func (db *DB) GetUsageByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]model.UsageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, action, tokens, cost_usd, metadata, timestamp
		 FROM usage_logs WHERE agent_id = $1
		 ORDER BY timestamp DESC LIMIT $2`, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get usage by agent: %w", err)
	}
	defer rows.Close()

	var logs []model.UsageLog
	for rows.Next() {
		var l model.UsageLog
		var action string
		if err := rows.Scan(&l.ID, &l.AgentID, &action, &l.Tokens, &l.CostUSD, &l.Metadata, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan usage log: %w", err)
		}
		l.Action = model.UsageAction(action)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
