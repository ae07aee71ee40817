package builtin

import (
	"context"
	"strconv"

	"github.com/crashkill/hub-automation-sub001/plugin"
)

// LogType is the automation type of the log plugin
const LogType = "log"

// Log writes a message to the execution log. Useful for smoke tests of a
// schedule or webhook.
type Log struct {
	*plugin.BasePlugin
}

// NewLog creates the log plugin
func NewLog() *Log {
	return &Log{BasePlugin: plugin.NewBasePlugin(
		metadata(LogType, "Log message", "Write a message to the execution log", "diagnostics"),
		plugin.Schema{Fields: []plugin.Field{
			{Key: "message", Label: "Message", Type: plugin.FieldText, Required: true},
			{Key: "level", Label: "Level", Type: plugin.FieldSelect, Default: "info",
				Options: []string{"debug", "info", "warn", "error"}},
		}},
	)}
}

// Execute logs the message and counts runs in the automation's storage
func (l *Log) Execute(ctx context.Context, config map[string]any, ec plugin.ExecutionContext) (*plugin.Result, error) {
	runCtx, finish := l.Track(ctx, ec.ExecutionID())
	defer finish(plugin.StatusCompleted)

	msg := stringParam(config, "message")
	log := ec.Logger()
	switch stringParam(config, "level") {
	case "debug":
		log.Debug(msg)
	case "warn":
		log.Warn(msg)
	case "error":
		log.Error(msg)
	default:
		log.Info(msg)
	}

	runs := 1
	store := ec.Storage()
	if prev, ok, err := store.Get(runCtx, "runs"); err == nil && ok {
		runs = intParam(map[string]any{"n": prev}, "n", 0) + 1
	}
	if err := store.Set(runCtx, "runs", strconv.Itoa(runs)); err != nil {
		log.Warn("Failed to record run count", "error", err.Error())
	}

	return plugin.Succeeded(map[string]any{
		"message": msg,
		"runs":    runs,
	}), nil
}
