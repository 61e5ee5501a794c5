package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/itsneelabh/callrelay/core"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS callables (
	callable_id    TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	type           TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	slug           TEXT NOT NULL DEFAULT '',
	icon           TEXT NOT NULL DEFAULT '',
	group_name     TEXT NOT NULL DEFAULT '',
	input_schema   TEXT,
	output_schema  TEXT,
	auth_mode      TEXT NOT NULL DEFAULT '',
	is_owner       INTEGER NOT NULL DEFAULT 0,
	category       TEXT NOT NULL DEFAULT '',
	last_synced_at TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_callables_name ON callables(name);
CREATE TABLE IF NOT EXISTS agent_callables (
	agent_id    TEXT NOT NULL,
	callable_id TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	UNIQUE(agent_id, callable_id)
);`

const upsertCallableSQL = `
INSERT INTO callables (callable_id, name, type, description, slug, icon, group_name,
	input_schema, output_schema, auth_mode, is_owner, category, last_synced_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(callable_id) DO UPDATE SET
	name = excluded.name,
	type = excluded.type,
	description = excluded.description,
	slug = excluded.slug,
	icon = excluded.icon,
	group_name = excluded.group_name,
	input_schema = excluded.input_schema,
	output_schema = excluded.output_schema,
	auth_mode = excluded.auth_mode,
	is_owner = excluded.is_owner,
	category = excluded.category,
	last_synced_at = excluded.last_synced_at,
	updated_at = excluded.updated_at`

const selectCallableColumns = `
SELECT c.callable_id, c.name, c.type, c.description, c.slug, c.icon, c.group_name,
	c.input_schema, c.output_schema, c.auth_mode, c.is_owner, c.category,
	c.last_synced_at, c.updated_at
FROM callables c`

// SQLStore persists the registry in a SQLite database file.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required: %w", core.ErrMissingConfiguration)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal=WAL&_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one writer avoids SQLITE_BUSY under concurrent upserts
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) UpsertCallables(ctx context.Context, defs []core.CallableDefinition) error {
	if len(defs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertCallableSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, def := range defs {
		input, err := encodeSchema(def.InputSchema)
		if err != nil {
			return fmt.Errorf("callable %s input schema: %w", def.ID, err)
		}
		output, err := encodeSchema(def.OutputSchema)
		if err != nil {
			return fmt.Errorf("callable %s output schema: %w", def.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			def.ID, def.Name, def.Type, def.Description, def.Slug, def.Icon, def.GroupName,
			input, output, def.AuthMode, def.IsOwner, string(def.Category),
			formatTime(def.LastSyncedAt), formatTime(def.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert callable %s: %w", def.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ListCallables(ctx context.Context) ([]core.CallableDefinition, error) {
	rows, err := s.db.QueryContext(ctx, selectCallableColumns+` ORDER BY c.name, c.callable_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list callables: %w", err)
	}
	return scanCallables(rows)
}

func (s *SQLStore) GetCallable(ctx context.Context, id string) (*core.CallableDefinition, error) {
	rows, err := s.db.QueryContext(ctx, selectCallableColumns+` WHERE c.callable_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get callable %s: %w", id, err)
	}
	defs, err := scanCallables(rows)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, core.ErrCallableNotFound
	}
	return &defs[0], nil
}

func (s *SQLStore) InsertLink(ctx context.Context, link core.AgentCallableLink) error {
	created := link.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_callables (agent_id, callable_id, created_at) VALUES (?, ?, ?)`,
		link.AgentID, link.CallableID, formatTime(created))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return core.ErrDuplicateLink
		}
		return fmt.Errorf("failed to link callable: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteLink(ctx context.Context, agentID, callableID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_callables WHERE agent_id = ? AND callable_id = ?`, agentID, callableID)
	if err != nil {
		return fmt.Errorf("failed to unlink callable: %w", err)
	}
	return nil
}

func (s *SQLStore) ListCallablesForAgent(ctx context.Context, agentID string) ([]core.CallableDefinition, error) {
	rows, err := s.db.QueryContext(ctx, selectCallableColumns+`
JOIN agent_callables l ON l.callable_id = c.callable_id
WHERE l.agent_id = ?
ORDER BY c.name, c.callable_id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent callables: %w", err)
	}
	return scanCallables(rows)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanCallables(rows *sql.Rows) ([]core.CallableDefinition, error) {
	defer rows.Close()

	out := []core.CallableDefinition{}
	for rows.Next() {
		var (
			def            core.CallableDefinition
			category       string
			input, output  sql.NullString
			synced, update string
		)
		err := rows.Scan(&def.ID, &def.Name, &def.Type, &def.Description, &def.Slug, &def.Icon,
			&def.GroupName, &input, &output, &def.AuthMode, &def.IsOwner, &category, &synced, &update)
		if err != nil {
			return nil, fmt.Errorf("failed to scan callable: %w", err)
		}
		def.Category = core.Category(category)
		if def.InputSchema, err = decodeSchema(input); err != nil {
			return nil, fmt.Errorf("callable %s input schema: %w", def.ID, err)
		}
		if def.OutputSchema, err = decodeSchema(output); err != nil {
			return nil, fmt.Errorf("callable %s output schema: %w", def.ID, err)
		}
		def.LastSyncedAt = parseTime(synced)
		def.UpdatedAt = parseTime(update)
		out = append(out, def)
	}
	return out, rows.Err()
}

func encodeSchema(schema map[string]interface{}) (sql.NullString, error) {
	if schema == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeSchema(s sql.NullString) (map[string]interface{}, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var schema map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &schema); err != nil {
		return nil, err
	}
	return schema, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
