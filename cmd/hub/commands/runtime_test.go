package commands

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashkill/hub-automation-sub001/automation"
	"github.com/crashkill/hub-automation-sub001/db"
	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
)

// holdPlugin runs until released
type holdPlugin struct {
	*plugin.BasePlugin
	release chan struct{}
}

func (p *holdPlugin) Execute(ctx context.Context, _ map[string]any, ec plugin.ExecutionContext) (*plugin.Result, error) {
	runCtx, finish := p.Track(ctx, ec.ExecutionID())
	select {
	case <-p.release:
		finish(plugin.StatusCompleted)
		return plugin.Succeeded(nil, "released"), nil
	case <-runCtx.Done():
		finish(plugin.StatusStopped)
		return nil, runCtx.Err()
	}
}

func TestRuntime_SecondRuntimeOnSharedDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hub.db")

	first, err := newRuntime(ctx, runtimeOptions{dbPath: path})
	require.NoError(t, err)
	closed := false
	defer func() {
		if !closed {
			first.Close(ctx)
		}
	}()

	p := &holdPlugin{
		BasePlugin: plugin.NewBasePlugin(plugin.Metadata{Type: "hold", Name: "Hold", Version: "1.0.0"}, plugin.Schema{}),
		release:    make(chan struct{}),
	}
	require.NoError(t, first.svc.RegisterPlugin(p))
	_, err = first.svc.Upsert(ctx, &automation.Definition{ID: "held", Name: "Held", Type: "hold", Enabled: true})
	require.NoError(t, err)

	live, err := first.svc.Start(ctx, "held", automation.StartOptions{Trigger: execution.TriggerManual})
	require.NoError(t, err)

	// A second process is refused the engine and leaves the live record alone
	_, err = newRuntime(ctx, runtimeOptions{dbPath: path})
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrEngineOwned), "got %v", err)

	stored, err := execution.NewSQLHistory(first.db).Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusRunning, stored.Status)
	assert.True(t, first.engine.Running("held"))

	// Without an advertised API there is nothing to forward to
	_, err = remoteController(ctx, path, err)
	assert.True(t, errors.Is(err, db.ErrEngineOwned), "got %v", err)

	require.NoError(t, first.advertise(ctx, "127.0.0.1:8820"))
	owner, ok, err := leaseHolder(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:8820", owner.APIAddr)

	client, err := remoteController(ctx, path, db.ErrEngineOwned)
	require.NoError(t, err)
	assert.NotNil(t, client)

	// The run closes with its real outcome once, and the lease is handed back on Close
	close(p.release)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := first.svc.Await(waitCtx, "held")
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusCompleted, final.Status)

	first.Close(ctx)
	closed = true

	second, err := newRuntime(ctx, runtimeOptions{dbPath: path})
	require.NoError(t, err)
	defer second.Close(ctx)

	stored, err = second.engine.GetExecution(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusCompleted, stored.Status)
	assert.Empty(t, stored.Result.Error)
}

func TestAdvertiseAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8820", advertiseAddr("[::]:8820"))
	assert.Equal(t, "127.0.0.1:8820", advertiseAddr("0.0.0.0:8820"))
	assert.Equal(t, "127.0.0.1:8820", advertiseAddr(":8820"))
	assert.Equal(t, "10.0.0.5:8820", advertiseAddr("10.0.0.5:8820"))
	assert.Equal(t, "not-an-address", advertiseAddr("not-an-address"))
}
