package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hubtest "github.com/crashkill/hub-automation-sub001/internal/testing"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/secrets"
)

func TestContextFactory_Build(t *testing.T) {
	provider := secrets.NewMemoryProvider(map[string]string{"token": "t0k", "extra": "e"})
	f := NewContextFactory(provider, nil, "staging", nil)

	p := &secretPlugin{newTestPlugin("backup", succeed)}
	p.secrets = []string{"token"}
	exec := &Execution{ID: "x1", AutomationID: "a1", AutomationType: "backup", UserID: "u1"}

	c, err := f.Build(context.Background(), p, exec, []string{"token", ""})
	require.NoError(t, err)

	assert.Equal(t, "x1", c.ExecutionID())
	assert.Equal(t, "a1", c.AutomationID())
	assert.Equal(t, "u1", c.UserID())
	assert.Equal(t, "staging", c.Environment())
	assert.Equal(t, map[string]string{"token": "t0k"}, c.Secrets())

	// Optional secrets are looked up lazily
	v, ok := c.Secret("extra")
	assert.True(t, ok)
	assert.Equal(t, "e", v)
	_, ok = c.Secret("nope")
	assert.False(t, ok)
	assert.Len(t, c.Secrets(), 2)

	// Returned map is a copy
	c.Secrets()["token"] = "changed"
	v, _ = c.Secret("token")
	assert.Equal(t, "t0k", v)
}

func TestContextLogger(t *testing.T) {
	f := NewContextFactory(nil, nil, "", nil)
	c, err := f.Build(context.Background(), newTestPlugin("backup", succeed), &Execution{ID: "x1", AutomationID: "a1"}, nil)
	require.NoError(t, err)

	var l plugin.Logger = c.Logger()
	l.Info("started")
	l.Warn("slow", "seconds", 3)
	l.Error("odd", "dangling")
	l.Debug("detail", "a", 1, "b", "two")

	assert.Equal(t, []string{
		"[info] started",
		"[warn] slow seconds=3",
		"[error] odd dangling",
		"[debug] detail a=1 b=two",
	}, c.Logs())
}

func TestScopedStorage(t *testing.T) {
	stores := map[string]KVStore{
		"memory": NewMemoryKV(),
		"sqlite": NewSQLKV(hubtest.CreateTestDB(t)),
	}
	for name, kv := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := Scoped(kv, "a1")
			b := Scoped(kv, "a2")

			require.NoError(t, a.Set(ctx, "cursor", "10"))
			require.NoError(t, a.Set(ctx, "cursor", "11"))
			require.NoError(t, b.Set(ctx, "cursor", "99"))

			v, ok, err := a.Get(ctx, "cursor")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "11", v)

			v, _, _ = b.Get(ctx, "cursor")
			assert.Equal(t, "99", v)

			require.NoError(t, a.Delete(ctx, "cursor"))
			_, ok, err = a.Get(ctx, "cursor")
			require.NoError(t, err)
			assert.False(t, ok)

			assert.Error(t, a.Set(ctx, "", "x"))

			require.NoError(t, kv.DeleteScope(ctx, "a2"))
			_, ok, _ = b.Get(ctx, "cursor")
			assert.False(t, ok)
		})
	}
}
