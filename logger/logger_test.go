package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
		level      string
	}{
		{"JSON output mode", true, "info"},
		{"Console output mode", false, "debug"},
		{"Unknown level falls back", false, "verbose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := Logger
			defer func() { Logger = original; JSONOutput = false }()

			require.NoError(t, Initialize(tt.jsonOutput, tt.level))
			assert.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	ctx := WithAutomationID(context.Background(), "auto-1")
	ctx = WithExecutionID(ctx, "exec-1")

	FromContext(ctx, base).Infow("started")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "auto-1", fields[FieldAutomationID])
	assert.Equal(t, "exec-1", fields[FieldExecutionID])
}

func TestFromContext_NoFields(t *testing.T) {
	base := zap.NewNop().Sugar()
	assert.Same(t, base, FromContext(context.Background(), base))
}

func TestPackageLevelFunctions_NilLogger(t *testing.T) {
	original := Logger
	defer func() { Logger = original }()

	Logger = nil
	Infow("test", "key", "value")
	Warnw("test", "key", "value")
	Errorw("test", "key", "value")
	Debugw("test", "key", "value")
	Cleanup()
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewNop().Sugar()
	assert.Same(t, l, OrNop(l))
}

func TestInitializeForStderr(t *testing.T) {
	original := Logger
	defer func() { Logger = original }()

	require.NoError(t, InitializeForStderr("warn"))
	assert.False(t, JSONOutput)
	assert.False(t, Logger.Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Logger.Desugar().Core().Enabled(zapcore.WarnLevel))
}
