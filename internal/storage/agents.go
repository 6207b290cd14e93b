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

// UpsertAgent inserts an agent or, if one with the same role already
// exists, updates its profile fields. Role is the routing key and is
// unique.
func (db *DB) UpsertAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	err := db.pool.QueryRow(ctx,
		`INSERT INTO agents (id, name, role, goal, system_prompt, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (role) DO UPDATE SET
		     name = EXCLUDED.name,
		     goal = EXCLUDED.goal,
		     system_prompt = EXCLUDED.system_prompt,
		     updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		agent.ID, agent.Name, agent.Role, agent.Goal, agent.SystemPrompt,
		agent.CreatedAt, agent.UpdatedAt,
	).Scan(&agent.ID, &agent.CreatedAt)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: upsert agent: %w", err)
	}
	return agent, nil
}

// GetAgentByRole looks up the agent whose role equals the given routing
// key. Returns ErrNotFound when no agent matches.
func (db *DB) GetAgentByRole(ctx context.Context, role string) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, role, goal, system_prompt, created_at, updated_at
		 FROM agents WHERE role = $1`, role,
	).Scan(&a.ID, &a.Name, &a.Role, &a.Goal, &a.SystemPrompt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent by role: %w", err)
	}
	return a, nil
}

// GetAgent fetches an agent by ID. Returns ErrNotFound when absent.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, role, goal, system_prompt, created_at, updated_at
		 FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.Role, &a.Goal, &a.SystemPrompt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by name.
func (db *DB) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, role, goal, system_prompt, created_at, updated_at
		 FROM agents ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.Goal, &a.SystemPrompt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpsertTool inserts a tool or updates its description if the name is
// already registered.
func (db *DB) UpsertTool(ctx context.Context, tool model.Tool) (model.Tool, error) {
	if tool.ID == uuid.Nil {
		tool.ID = uuid.New()
	}
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = time.Now().UTC()
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO tools (id, name, description, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		 RETURNING id, created_at`,
		tool.ID, tool.Name, tool.Description, tool.CreatedAt,
	).Scan(&tool.ID, &tool.CreatedAt)
	if err != nil {
		return model.Tool{}, fmt.Errorf("storage: upsert tool: %w", err)
	}
	return tool, nil
}

// AttachTool links a tool to an agent. Idempotent.
func (db *DB) AttachTool(ctx context.Context, agentID, toolID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_tools (agent_id, tool_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		agentID, toolID,
	)
	if err != nil {
		return fmt.Errorf("storage: attach tool: %w", err)
	}
	return nil
}

// GetToolsByAgent returns the tools linked to an agent, ordered by name.
func (db *DB) GetToolsByAgent(ctx context.Context, agentID uuid.UUID) ([]model.Tool, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT t.id, t.name, t.description, t.created_at
		 FROM tools t
		 JOIN agent_tools at ON at.tool_id = t.id
		 WHERE at.agent_id = $1
		 ORDER BY t.name ASC`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get tools by agent: %w", err)
	}
	defer rows.Close()

	var tools []model.Tool
	for rows.Next() {
		var t model.Tool
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tool: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}
