package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/toolgate/toolgate/pkg/database"
	"github.com/toolgate/toolgate/pkg/models"
)

// ToolService manages the tools catalogue. MCP tools are upserted from
// server listings at warmup and on config reload; rows keyed by tool_id
// survive across restarts so the orchestrator can resolve a tool to its
// server without a live listing.
type ToolService struct {
	db *database.Client
}

// NewToolService creates a new ToolService
func NewToolService(db *database.Client) *ToolService {
	return &ToolService{db: db}
}

// Upsert inserts or refreshes catalogue rows. Existing rows keep their
// enabled flag; everything else follows the listing.
func (s *ToolService) Upsert(httpCtx context.Context, records []models.ToolRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if rec.ToolID == "" {
			return NewValidationError("tool_id", "required")
		}
		if rec.Type != models.ToolTypeMCP && rec.Type != models.ToolTypeHTTP {
			return NewValidationError("type", fmt.Sprintf("invalid: %q", rec.Type))
		}
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rec := range records {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tools (tool_id, name, type, description, endpoint, request_schema, server_name)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (tool_id) DO UPDATE SET
			   name = EXCLUDED.name,
			   type = EXCLUDED.type,
			   description = EXCLUDED.description,
			   endpoint = EXCLUDED.endpoint,
			   request_schema = EXCLUDED.request_schema,
			   server_name = EXCLUDED.server_name,
			   updated_at = now()`,
			rec.ToolID, rec.Name, rec.Type, rec.Description,
			nullableJSON(rec.Endpoint), nullableJSON(rec.RequestSchema), nullableText(rec.ServerName),
		); err != nil {
			return fmt.Errorf("failed to upsert tool %s: %w", rec.ToolID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tool upserts: %w", err)
	}

	return nil
}

// List returns catalogue rows, optionally restricted to enabled tools.
func (s *ToolService) List(ctx context.Context, enabledOnly bool) ([]*models.ToolRecord, error) {
	query := `SELECT tool_id, name, type, description,
	                 COALESCE(endpoint, 'null'::jsonb), COALESCE(request_schema, 'null'::jsonb),
	                 COALESCE(server_name, ''), enabled, created_at, updated_at
	          FROM tools`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY tool_id`

	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var records []*models.ToolRecord
	for rows.Next() {
		rec, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tools: %w", err)
	}

	return records, nil
}

// Resolve returns the catalogue row for a tool id.
func (s *ToolService) Resolve(ctx context.Context, toolID string) (*models.ToolRecord, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT tool_id, name, type, description,
		        COALESCE(endpoint, 'null'::jsonb), COALESCE(request_schema, 'null'::jsonb),
		        COALESCE(server_name, ''), enabled, created_at, updated_at
		 FROM tools WHERE tool_id = $1`,
		toolID,
	)
	rec, err := scanTool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// SetEnabled flips a tool's enabled flag.
func (s *ToolService) SetEnabled(httpCtx context.Context, toolID string, enabled bool) error {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE tools SET enabled = $1, updated_at = now() WHERE tool_id = $2`,
		enabled, toolID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneServer removes catalogue rows for a server that left the registry.
func (s *ToolService) PruneServer(httpCtx context.Context, serverName string) (int64, error) {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tag, err := s.db.Pool().Exec(ctx,
		`DELETE FROM tools WHERE server_name = $1`, serverName)
	if err != nil {
		return 0, fmt.Errorf("failed to prune tools for %s: %w", serverName, err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(row rowScanner) (*models.ToolRecord, error) {
	var rec models.ToolRecord
	var endpoint, schema []byte
	if err := row.Scan(&rec.ToolID, &rec.Name, &rec.Type, &rec.Description,
		&endpoint, &schema, &rec.ServerName, &rec.Enabled,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan tool row: %w", err)
	}
	if string(endpoint) != "null" {
		rec.Endpoint = endpoint
	}
	if string(schema) != "null" {
		rec.RequestSchema = schema
	}
	return &rec, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
