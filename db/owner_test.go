package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashkill/hub-automation-sub001/errors"
)

func TestEngineOwner(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hub.db")

	server, err := OpenWithMigrations(path, nil)
	require.NoError(t, err)
	defer server.Close()
	cli, err := OpenWithMigrations(path, nil)
	require.NoError(t, err)
	defer cli.Close()

	serverOwner := Owner{ID: "server", PID: 100, APIAddr: "127.0.0.1:8820"}
	cliOwner := Owner{ID: "cli", PID: 200}

	t.Run("first process takes the lease", func(t *testing.T) {
		require.NoError(t, AcquireOwner(ctx, server, serverOwner, time.Minute))

		o, ok, err := CurrentOwner(ctx, cli, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "server", o.ID)
		assert.Equal(t, 100, o.PID)
		assert.Equal(t, "127.0.0.1:8820", o.APIAddr)
	})

	t.Run("second process is refused while the lease is fresh", func(t *testing.T) {
		err := AcquireOwner(ctx, cli, cliOwner, time.Minute)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrEngineOwned))
		assert.Contains(t, err.Error(), "pid 100")
	})

	t.Run("owner can reacquire and heartbeat", func(t *testing.T) {
		require.NoError(t, AcquireOwner(ctx, server, serverOwner, time.Minute))
		require.NoError(t, Heartbeat(ctx, server, "server", ""))

		o, ok, err := CurrentOwner(ctx, server, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "127.0.0.1:8820", o.APIAddr, "empty address keeps the recorded one")
	})

	t.Run("stale lease is taken over", func(t *testing.T) {
		_, err := server.Exec("UPDATE engine_owner SET heartbeat_at = ?", time.Now().Add(-time.Hour).UnixMilli())
		require.NoError(t, err)

		_, ok, err := CurrentOwner(ctx, cli, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, AcquireOwner(ctx, cli, cliOwner, time.Minute))
		assert.True(t, errors.Is(Heartbeat(ctx, server, "server", ""), ErrLeaseLost))
	})

	t.Run("release only drops the caller's lease", func(t *testing.T) {
		require.NoError(t, ReleaseOwner(ctx, server, "server"))
		_, ok, err := CurrentOwner(ctx, server, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, ReleaseOwner(ctx, cli, "cli"))
		_, ok, err = CurrentOwner(ctx, server, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
