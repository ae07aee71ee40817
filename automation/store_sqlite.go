package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/pulse/async"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
	"github.com/crashkill/hub-automation-sub001/pulse/schedule"
)

// SQLStore persists definitions in the automations table
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over a migrated database
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const definitionColumns = `id, name, description, type, schema_version, enabled, schedule, parameters,
	priority, timeout_seconds, secrets, author, category, tags, created_at, updated_at`

type encodedDefinition struct {
	schedule, parameters, secrets, tags string
}

func encodeDefinition(d *Definition) (encodedDefinition, error) {
	var enc encodedDefinition
	fields := []struct {
		name string
		src  interface{}
		dst  *string
	}{
		{"schedule", d.Schedule, &enc.schedule},
		{"parameters", d.Parameters, &enc.parameters},
		{"secrets", nonNil(d.Secrets), &enc.secrets},
		{"tags", nonNil(d.Tags), &enc.tags},
	}
	for _, f := range fields {
		raw, err := json.Marshal(f.src)
		if err != nil {
			return enc, errors.Wrapf(err, "failed to encode %s for automation %s", f.name, d.ID)
		}
		*f.dst = string(raw)
	}
	return enc, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Create inserts a new definition
func (s *SQLStore) Create(ctx context.Context, d *Definition) error {
	enc, err := encodeDefinition(d)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automations (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.Name,
		d.Description,
		d.Type,
		d.SchemaVersion,
		d.Enabled,
		enc.schedule,
		enc.parameters,
		d.Priority.String(),
		d.TimeoutSeconds,
		enc.secrets,
		d.Author,
		d.Category,
		enc.tags,
		execution.FormatTime(d.CreatedAt),
		execution.FormatTime(d.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.Wrapf(ErrAlreadyExists, "id %s", d.ID)
		}
		return errors.Wrapf(err, "failed to create automation %s", d.ID)
	}
	return nil
}

// Update overwrites a definition; created_at is never changed
func (s *SQLStore) Update(ctx context.Context, d *Definition) error {
	enc, err := encodeDefinition(d)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE automations
		SET name = ?,
		    description = ?,
		    type = ?,
		    schema_version = ?,
		    enabled = ?,
		    schedule = ?,
		    parameters = ?,
		    priority = ?,
		    timeout_seconds = ?,
		    secrets = ?,
		    author = ?,
		    category = ?,
		    tags = ?,
		    updated_at = ?
		WHERE id = ?`,
		d.Name,
		d.Description,
		d.Type,
		d.SchemaVersion,
		d.Enabled,
		enc.schedule,
		enc.parameters,
		d.Priority.String(),
		d.TimeoutSeconds,
		enc.secrets,
		d.Author,
		d.Category,
		enc.tags,
		execution.FormatTime(d.UpdatedAt),
		d.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update automation %s", d.ID)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return errors.NewNotFoundError("automation", d.ID)
	}
	return nil
}

// Delete removes a definition
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM automations WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete automation %s", id)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return errors.NewNotFoundError("automation", id)
	}
	return nil
}

// Get retrieves a definition by id
func (s *SQLStore) Get(ctx context.Context, id string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM automations WHERE id = ?`, id)
	d, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("automation", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get automation %s", id)
	}
	return d, nil
}

// List returns all definitions in creation order
func (s *SQLStore) List(ctx context.Context) ([]*Definition, error) {
	return s.query(ctx, `SELECT `+definitionColumns+` FROM automations ORDER BY created_at ASC, id ASC`)
}

// ListByType returns definitions bound to one automation type
func (s *SQLStore) ListByType(ctx context.Context, automationType string) ([]*Definition, error) {
	return s.query(ctx, `SELECT `+definitionColumns+` FROM automations WHERE type = ? ORDER BY created_at ASC, id ASC`, automationType)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) ([]*Definition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query automations")
	}
	defer rows.Close()

	var out []*Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan automation")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate automations")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDefinition(row rowScanner) (*Definition, error) {
	var (
		d                       Definition
		sched, params, priority string
		secretsJSON, tagsJSON   string
		createdAt, updatedAt    string
	)
	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Description,
		&d.Type,
		&d.SchemaVersion,
		&d.Enabled,
		&sched,
		&params,
		&priority,
		&d.TimeoutSeconds,
		&secretsJSON,
		&d.Author,
		&d.Category,
		&tagsJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	var spec schedule.Spec
	if err := json.Unmarshal([]byte(sched), &spec); err != nil {
		return nil, errors.Wrapf(err, "invalid schedule for automation %s", d.ID)
	}
	if d.Schedule, err = schedule.FromSpec(spec); err != nil {
		return nil, errors.Wrapf(err, "invalid schedule for automation %s", d.ID)
	}
	if err := json.Unmarshal([]byte(params), &d.Parameters); err != nil {
		return nil, errors.Wrapf(err, "invalid parameters for automation %s", d.ID)
	}
	if err := json.Unmarshal([]byte(secretsJSON), &d.Secrets); err != nil {
		return nil, errors.Wrapf(err, "invalid secrets for automation %s", d.ID)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &d.Tags); err != nil {
		return nil, errors.Wrapf(err, "invalid tags for automation %s", d.ID)
	}
	if d.Priority, err = async.ParsePriority(priority); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = execution.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = execution.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if d.Parameters == nil {
		d.Parameters = map[string]any{}
	}
	return &d, nil
}
