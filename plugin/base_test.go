package plugin

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashkill/hub-automation-sub001/errors"
)

func TestBasePlugin_TrackAndStop(t *testing.T) {
	b := NewBasePlugin(Metadata{Type: "t"}, Schema{})

	ctx, finish := b.Track(context.Background(), "e1")
	status, err := b.GetStatus("e1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	require.NoError(t, b.Stop("e1"))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("stop did not cancel the run context")
	}

	finish(StatusStopped)
	status, err = b.GetStatus("e1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)
}

func TestBasePlugin_UnknownExecution(t *testing.T) {
	b := NewBasePlugin(Metadata{Type: "t"}, Schema{})

	assert.True(t, errors.Is(b.Stop("nope"), errors.ErrNotFound))
	_, err := b.GetStatus("nope")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestBasePlugin_PauseResume(t *testing.T) {
	b := NewBasePlugin(Metadata{Type: "t"}, Schema{})
	ctx, finish := b.Track(context.Background(), "e1")
	defer finish(StatusCompleted)

	require.NoError(t, b.PauseRun("e1"))
	assert.True(t, errors.Is(b.PauseRun("e1"), errors.ErrUnsupportedOperation))

	released := make(chan error, 1)
	go func() { released <- b.WaitIfPaused(ctx, "e1") }()

	select {
	case <-released:
		t.Fatal("WaitIfPaused returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.ResumeRun("e1"))
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitIfPaused did not return after resume")
	}

	assert.True(t, errors.Is(b.ResumeRun("e1"), errors.ErrUnsupportedOperation))
}

func TestBasePlugin_StopReleasesPaused(t *testing.T) {
	b := NewBasePlugin(Metadata{Type: "t"}, Schema{})
	ctx, finish := b.Track(context.Background(), "e1")
	defer finish(StatusStopped)

	require.NoError(t, b.PauseRun("e1"))
	require.NoError(t, b.Stop("e1"))

	err := b.WaitIfPaused(ctx, "e1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBasePlugin_FinishedRetentionBounded(t *testing.T) {
	b := NewBasePlugin(Metadata{Type: "t"}, Schema{})
	for i := 0; i < finishedRetention+10; i++ {
		_, finish := b.Track(context.Background(), fmt.Sprintf("e%d", i))
		finish(StatusCompleted)
	}
	assert.Len(t, b.finished, finishedRetention)
}

func TestBasePlugin_DefaultsAndValidation(t *testing.T) {
	b := NewBasePlugin(Metadata{Type: "t"}, backupSchema())

	assert.Equal(t, 7, b.GetDefaultConfig()["retention"])
	assert.False(t, b.ValidateConfig(map[string]any{}).Valid)
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.True(t, StatusStopped.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())

	assert.True(t, StatusPaused.IsLive())
	assert.False(t, StatusScheduled.IsLive())
	assert.False(t, Status("bogus").Valid())
}
