package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// ErrEngineOwned is returned when another live process owns the execution engine
var ErrEngineOwned = errors.New("execution engine owned by another process")

// ErrLeaseLost is returned by Heartbeat when the lease was taken over
var ErrLeaseLost = errors.New("engine lease lost")

// Owner is the process holding the engine lease. Only the owner may run
// executions or close those a dead owner left live.
type Owner struct {
	ID          string
	PID         int
	APIAddr     string // host:port of the owner's HTTP API, empty when it serves none
	HeartbeatAt time.Time
}

// AcquireOwner takes the engine lease for o. A lease whose heartbeat is older
// than stale is taken over; a fresh lease held by someone else fails with
// ErrEngineOwned.
func AcquireOwner(ctx context.Context, db *sql.DB, o Owner, stale time.Duration) error {
	now := time.Now()
	res, err := db.ExecContext(ctx, `
		INSERT INTO engine_owner (id, owner_id, pid, api_addr, heartbeat_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			pid = excluded.pid,
			api_addr = excluded.api_addr,
			heartbeat_at = excluded.heartbeat_at
		WHERE engine_owner.owner_id = excluded.owner_id OR engine_owner.heartbeat_at < ?`,
		o.ID, o.PID, o.APIAddr, now.UnixMilli(), now.Add(-stale).UnixMilli())
	if err != nil {
		return errors.Wrap(err, "failed to acquire engine lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to acquire engine lease")
	}
	if n > 0 {
		return nil
	}

	current, ok, err := CurrentOwner(ctx, db, stale)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrEngineOwned, "lease changed hands while acquiring")
	}
	err = errors.Wrapf(ErrEngineOwned, "pid %d holds the engine lease", current.PID)
	return errors.WithHint(err, "stop the running hub or send requests to its API")
}

// Heartbeat refreshes the lease, optionally recording the API address
func Heartbeat(ctx context.Context, db *sql.DB, ownerID, apiAddr string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE engine_owner SET heartbeat_at = ?, api_addr = COALESCE(NULLIF(?, ''), api_addr)
		WHERE id = 1 AND owner_id = ?`,
		time.Now().UnixMilli(), apiAddr, ownerID)
	if err != nil {
		return errors.Wrap(err, "failed to refresh engine lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to refresh engine lease")
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseOwner drops the lease if ownerID still holds it
func ReleaseOwner(ctx context.Context, db *sql.DB, ownerID string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM engine_owner WHERE id = 1 AND owner_id = ?", ownerID); err != nil {
		return errors.Wrap(err, "failed to release engine lease")
	}
	return nil
}

// CurrentOwner returns the lease holder when its heartbeat is fresher than stale
func CurrentOwner(ctx context.Context, db *sql.DB, stale time.Duration) (*Owner, bool, error) {
	var (
		o         Owner
		heartbeat int64
	)
	err := db.QueryRowContext(ctx,
		"SELECT owner_id, pid, api_addr, heartbeat_at FROM engine_owner WHERE id = 1").
		Scan(&o.ID, &o.PID, &o.APIAddr, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read engine lease")
	}
	o.HeartbeatAt = time.UnixMilli(heartbeat)
	if time.Since(o.HeartbeatAt) > stale {
		return nil, false, nil
	}
	return &o, true, nil
}
