package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cstoian/Maki/common/spec/script"
)

// RegisteredAction is an action endpoint bound to a conversational verb.
type RegisteredAction struct {
	Verb      string
	Endpoint  script.ActionEndpoint
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Resolve returns the endpoint registered for a verb.
func (s *Store) Resolve(ctx context.Context, verb string) (*script.ActionEndpoint, error) {
	var (
		ep      script.ActionEndpoint
		body    sql.NullString
		timeout int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT endpoint, method, body, timeout_ms
		FROM action_endpoints
		WHERE verb = ?
	`, verb).Scan(&ep.Endpoint, &ep.Method, &body, &timeout)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action verb %q: %w", verb, script.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query action endpoint: %w", err)
	}

	ep.TimeoutMs = timeout
	if body.Valid {
		ep.Body = json.RawMessage(body.String)
	}
	return &ep, nil
}

// RegisterAction inserts or replaces the endpoint for a verb.
func (s *Store) RegisterAction(ctx context.Context, verb string, ep *script.ActionEndpoint) error {
	now := time.Now()

	var body sql.NullString
	if len(ep.Body) > 0 {
		body = sql.NullString{String: string(ep.Body), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_endpoints (verb, endpoint, method, body, timeout_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (verb) DO UPDATE SET
			endpoint = excluded.endpoint,
			method = excluded.method,
			body = excluded.body,
			timeout_ms = excluded.timeout_ms,
			updated_at = excluded.updated_at
	`, verb, ep.Endpoint, ep.Method, body, ep.TimeoutMs, now, now)
	if err != nil {
		return fmt.Errorf("register action %q: %w", verb, err)
	}
	return nil
}

// ListActions returns all registered actions, ordered by verb.
func (s *Store) ListActions(ctx context.Context) ([]*RegisteredAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT verb, endpoint, method, body, timeout_ms, created_at, updated_at
		FROM action_endpoints
		ORDER BY verb
	`)
	if err != nil {
		return nil, fmt.Errorf("query action endpoints: %w", err)
	}
	defer rows.Close()

	var actions []*RegisteredAction
	for rows.Next() {
		var (
			ra   RegisteredAction
			body sql.NullString
		)
		if err := rows.Scan(
			&ra.Verb, &ra.Endpoint.Endpoint, &ra.Endpoint.Method, &body,
			&ra.Endpoint.TimeoutMs, &ra.CreatedAt, &ra.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan action endpoint: %w", err)
		}
		if body.Valid {
			ra.Endpoint.Body = json.RawMessage(body.String)
		}
		actions = append(actions, &ra)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action endpoints: %w", err)
	}
	return actions, nil
}

// DeleteAction removes the endpoint registered for a verb.
func (s *Store) DeleteAction(ctx context.Context, verb string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM action_endpoints WHERE verb = ?`, verb)
	if err != nil {
		return fmt.Errorf("delete action %q: %w", verb, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete action %q: %w", verb, err)
	}
	if n == 0 {
		return fmt.Errorf("action verb %q: %w", verb, script.ErrNotFound)
	}
	return nil
}
