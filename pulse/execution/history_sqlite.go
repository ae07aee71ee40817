package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/pulse/async"
)

// TimeLayout is fixed-width so stored timestamps sort lexically
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC using TimeLayout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid timestamp %q", s)
	}
	return t, nil
}

// SQLHistory stores executions in the executions table
type SQLHistory struct {
	db *sql.DB
}

// NewSQLHistory creates a history store over a migrated database
func NewSQLHistory(db *sql.DB) *SQLHistory {
	return &SQLHistory{db: db}
}

const executionColumns = `id, automation_id, automation_type, status, triggered_by, priority, user_id,
	started_at, completed_at, duration_ms, success, data, error, error_kind, logs,
	cpu_percent, memory_bytes, network_bytes`

// Save upserts the execution record. A record already terminal is kept as is.
func (s *SQLHistory) Save(ctx context.Context, e *Execution) error {
	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			success = excluded.success,
			data = excluded.data,
			error = excluded.error,
			error_kind = excluded.error_kind,
			logs = excluded.logs,
			cpu_percent = excluded.cpu_percent,
			memory_bytes = excluded.memory_bytes,
			network_bytes = excluded.network_bytes
		WHERE executions.status NOT IN ('completed', 'error', 'stopped')
	`

	var completedAt interface{}
	if e.CompletedAt != nil {
		completedAt = FormatTime(*e.CompletedAt)
	}

	var (
		success bool
		data    interface{}
		errMsg  string
		usage   plugin.ResourceUsage
	)
	logs := []string{}
	if e.Result != nil {
		success = e.Result.Success
		errMsg = e.Result.Error
		if e.Result.Logs != nil {
			logs = e.Result.Logs
		}
		if e.Result.Data != nil {
			raw, err := json.Marshal(e.Result.Data)
			if err != nil {
				return errors.Wrapf(err, "failed to encode result data for execution %s", e.ID)
			}
			data = string(raw)
		}
		if e.Result.Metrics != nil {
			usage = e.Result.Metrics.ResourceUsage
		}
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return errors.Wrap(err, "failed to encode execution logs")
	}

	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.AutomationID,
		e.AutomationType,
		string(e.Status),
		string(e.TriggeredBy),
		e.Priority.String(),
		e.UserID,
		FormatTime(e.StartedAt),
		completedAt,
		e.Duration.Milliseconds(),
		success,
		data,
		errMsg,
		e.ErrorKind,
		string(logsJSON),
		usage.CPU,
		int64(usage.Memory),
		int64(usage.Network),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save execution %s", e.ID)
	}
	return nil
}

// Get retrieves an execution by ID
func (s *SQLHistory) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("execution", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return e, nil
}

// ListByAutomation returns an automation's executions, newest first
func (s *SQLHistory) ListByAutomation(ctx context.Context, automationID string, limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE automation_id = ? ORDER BY started_at DESC, id DESC`
	args := []interface{}{automationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// ListTerminal returns every terminal execution, oldest first
func (s *SQLHistory) ListTerminal(ctx context.Context) ([]*Execution, error) {
	return s.query(ctx, `SELECT `+executionColumns+` FROM executions
		WHERE status IN ('completed', 'error', 'stopped')
		ORDER BY started_at ASC, id ASC`)
}

// Prune deletes all but the newest keep executions of an automation
func (s *SQLHistory) Prune(ctx context.Context, automationID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE automation_id = ?
		  AND id NOT IN (
			SELECT id FROM executions
			WHERE automation_id = ?
			ORDER BY started_at DESC, id DESC
			LIMIT ?
		  )`, automationID, automationID, keep)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to prune executions for %s", automationID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}
	return n, nil
}

// DeleteByAutomation removes an automation's entire history
func (s *SQLHistory) DeleteByAutomation(ctx context.Context, automationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE automation_id = ?`, automationID); err != nil {
		return errors.Wrapf(err, "failed to delete executions for %s", automationID)
	}
	return nil
}

// RecoverInterrupted marks executions a crashed process left live as failed
func (s *SQLHistory) RecoverInterrupted(ctx context.Context, msg string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'error', success = 0, error = ?, error_kind = ?, completed_at = ?
		WHERE status NOT IN ('completed', 'error', 'stopped')`,
		msg, errors.Kind(errors.ErrPluginExecution), FormatTime(time.Now()))
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover interrupted executions")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}
	return n, nil
}

func (s *SQLHistory) query(ctx context.Context, query string, args ...interface{}) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query executions")
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate executions")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e                         Execution
		status, trigger, priority string
		startedAt                 string
		completedAt, data         sql.NullString
		durationMS                int64
		success                   bool
		errMsg, logsJSON          string
		cpu                       float64
		memoryBytes, networkBytes int64
	)
	err := row.Scan(
		&e.ID,
		&e.AutomationID,
		&e.AutomationType,
		&status,
		&trigger,
		&priority,
		&e.UserID,
		&startedAt,
		&completedAt,
		&durationMS,
		&success,
		&data,
		&errMsg,
		&e.ErrorKind,
		&logsJSON,
		&cpu,
		&memoryBytes,
		&networkBytes,
	)
	if err != nil {
		return nil, err
	}

	e.Status = plugin.Status(status)
	e.TriggeredBy = Trigger(trigger)
	if p, perr := async.ParsePriority(priority); perr == nil {
		e.Priority = p
	}
	if e.StartedAt, err = ParseTime(startedAt); err != nil {
		return nil, err
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond

	if !e.Status.IsTerminal() {
		return &e, nil
	}

	if completedAt.Valid {
		t, err := ParseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		e.CompletedAt = &t
	}

	result := &plugin.Result{Success: success, Error: errMsg}
	if err := json.Unmarshal([]byte(logsJSON), &result.Logs); err != nil {
		return nil, errors.Wrapf(err, "invalid logs for execution %s", e.ID)
	}
	if data.Valid {
		var decoded any
		if err := json.Unmarshal([]byte(data.String), &decoded); err != nil {
			return nil, errors.Wrapf(err, "invalid result data for execution %s", e.ID)
		}
		result.Data = decoded
	}
	result.Metrics = &plugin.Metrics{
		Duration: e.Duration,
		ResourceUsage: plugin.ResourceUsage{
			CPU:     cpu,
			Memory:  uint64(memoryBytes),
			Network: uint64(networkBytes),
		},
	}
	e.Result = result
	return &e, nil
}
