// torii-seed registers agents and their tools from a JSON file.
//
// Usage:
//
//	go run ./cmd/torii-seed -file agents.json
//
// The file holds an array of agent profiles:
//
//	[{"name": "GitHub Agent", "role": "github", "goal": "...",
//	  "systemPrompt": "...",
//	  "tools": [{"name": "create_issue", "description": "..."}]}]
//
// Upserts by role (agents) and name (tools), so the file can be
// re-applied safely.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/torii-sh/torii/internal/model"
	"github.com/torii-sh/torii/internal/storage"
	"github.com/torii-sh/torii/migrations"
)

type seedTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type seedAgent struct {
	Name         string     `json:"name"`
	Role         string     `json:"role"`
	Goal         string     `json:"goal"`
	SystemPrompt string     `json:"systemPrompt"`
	Tools        []seedTool `json:"tools"`
}

func main() {
	file := flag.String("file", "agents.json", "path to the agent seed file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(context.Background(), logger, *file); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, file string) error {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seeds []seedAgent
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	db, err := storage.New(ctx, dsn, "", logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	for _, s := range seeds {
		agent, err := db.UpsertAgent(ctx, model.Agent{
			Name:         s.Name,
			Role:         s.Role,
			Goal:         s.Goal,
			SystemPrompt: s.SystemPrompt,
		})
		if err != nil {
			return err
		}
		for _, t := range s.Tools {
			tool, err := db.UpsertTool(ctx, model.Tool{
				Name:        t.Name,
				Description: t.Description,
			})
			if err != nil {
				return err
			}
			if err := db.AttachTool(ctx, agent.ID, tool.ID); err != nil {
				return err
			}
		}
		logger.Info("seeded agent", "name", agent.Name, "role", agent.Role, "tools", len(s.Tools))
	}

	fmt.Printf("seeded %d agents\n", len(seeds))
	return nil
}
