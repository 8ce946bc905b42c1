package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cstoian/Maki/common/spec/script"
)

// List returns all script definitions, ordered by name.
func (s *Store) List(ctx context.Context) ([]*script.ScriptDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, tags, trigger_phrases, parameters,
		       execution_kind, code, action_endpoint, created_at, updated_at
		FROM scripts
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query scripts: %w", err)
	}
	defer rows.Close()

	var defs []*script.ScriptDefinition
	for rows.Next() {
		def, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scripts: %w", err)
	}
	return defs, nil
}

// GetByID retrieves a single script definition.
func (s *Store) GetByID(ctx context.Context, id string) (*script.ScriptDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, tags, trigger_phrases, parameters,
		       execution_kind, code, action_endpoint, created_at, updated_at
		FROM scripts
		WHERE id = ?
	`, id)

	def, err := scanScript(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("script %q: %w", id, script.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

// UpsertScript inserts or replaces a script definition. The definition must
// already be validated; the store does not re-check it.
func (s *Store) UpsertScript(ctx context.Context, def *script.ScriptDefinition) error {
	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	tags, err := json.Marshal(def.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	triggers, err := json.Marshal(def.TriggerPhrases)
	if err != nil {
		return fmt.Errorf("marshal trigger phrases: %w", err)
	}
	params, err := json.Marshal(def.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	var endpoint sql.NullString
	if def.ActionEndpoint != nil {
		raw, err := json.Marshal(def.ActionEndpoint)
		if err != nil {
			return fmt.Errorf("marshal action endpoint: %w", err)
		}
		endpoint = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scripts (id, name, description, tags, trigger_phrases, parameters,
		                     execution_kind, code, action_endpoint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			tags = excluded.tags,
			trigger_phrases = excluded.trigger_phrases,
			parameters = excluded.parameters,
			execution_kind = excluded.execution_kind,
			code = excluded.code,
			action_endpoint = excluded.action_endpoint,
			updated_at = excluded.updated_at
	`, def.ID, def.Name, def.Description, string(tags), string(triggers), string(params),
		string(def.ExecutionKind), def.Code, endpoint, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert script %q: %w", def.ID, err)
	}
	return nil
}

// DeleteScript removes a script definition by ID.
func (s *Store) DeleteScript(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete script %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete script %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("script %q: %w", id, script.ErrNotFound)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanScript.
type scanner interface {
	Scan(dest ...any) error
}

func scanScript(row scanner) (*script.ScriptDefinition, error) {
	var (
		def      script.ScriptDefinition
		kind     string
		tags     string
		triggers string
		params   string
		endpoint sql.NullString
	)

	err := row.Scan(
		&def.ID, &def.Name, &def.Description, &tags, &triggers, &params,
		&kind, &def.Code, &endpoint, &def.CreatedAt, &def.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan script: %w", err)
	}

	def.ExecutionKind = script.ExecutionKind(kind)
	if err := json.Unmarshal([]byte(tags), &def.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags for %q: %w", def.ID, err)
	}
	if err := json.Unmarshal([]byte(triggers), &def.TriggerPhrases); err != nil {
		return nil, fmt.Errorf("unmarshal trigger phrases for %q: %w", def.ID, err)
	}
	if err := json.Unmarshal([]byte(params), &def.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters for %q: %w", def.ID, err)
	}
	if endpoint.Valid {
		var ep script.ActionEndpoint
		if err := json.Unmarshal([]byte(endpoint.String), &ep); err != nil {
			return nil, fmt.Errorf("unmarshal action endpoint for %q: %w", def.ID, err)
		}
		def.ActionEndpoint = &ep
	}
	return &def, nil
}
