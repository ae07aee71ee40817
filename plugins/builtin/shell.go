package builtin

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/plugin"
)

// ShellType is the automation type of the shell plugin
const ShellType = "shell"

// maxOutputLines bounds how many trailing output lines a result carries
const maxOutputLines = 200

// Shell runs a command without a shell interpreter. The command line is
// split with POSIX quoting rules. Stop kills the process.
type Shell struct {
	*plugin.BasePlugin
}

// NewShell creates the shell plugin
func NewShell() *Shell {
	return &Shell{BasePlugin: plugin.NewBasePlugin(
		metadata(ShellType, "Shell command", "Run a command and capture its output", "operations"),
		plugin.Schema{Fields: []plugin.Field{
			{Key: "command", Label: "Command", Type: plugin.FieldTextarea, Required: true, Check: checkCommand},
			{Key: "workdir", Label: "Working directory", Type: plugin.FieldText},
			{Key: "env", Label: "Environment", Type: plugin.FieldTextarea,
				Description: "KEY=VALUE per line", Check: checkEnv},
		}},
	)}
}

func checkCommand(value any, _ map[string]any) string {
	s, _ := value.(string)
	argv, err := shellquote.Split(s)
	if err != nil {
		return "cannot be parsed: " + err.Error()
	}
	if len(argv) == 0 {
		return "is empty"
	}
	return ""
}

func checkEnv(value any, _ map[string]any) string {
	s, _ := value.(string)
	if _, err := parseEnv(s); err != nil {
		return err.Error()
	}
	return ""
}

func parseEnv(s string) ([]string, error) {
	var out []string
	for i, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, errors.Newf("line %d is not KEY=VALUE", i+1)
		}
		out = append(out, line)
	}
	return out, nil
}

// Execute runs the command to completion or until stopped
func (s *Shell) Execute(ctx context.Context, config map[string]any, ec plugin.ExecutionContext) (*plugin.Result, error) {
	runCtx, finish := s.Track(ctx, ec.ExecutionID())
	status := plugin.StatusError
	defer func() { finish(status) }()

	argv, err := shellquote.Split(stringParam(config, "command"))
	if err != nil || len(argv) == 0 {
		return plugin.Failed("invalid command"), nil
	}
	env, err := parseEnv(stringParam(config, "env"))
	if err != nil {
		return plugin.Failed("invalid env: " + err.Error()), nil
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = stringParam(config, "workdir")
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = 2 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	ec.Logger().Info("Running command", "argv", shellquote.Join(argv...), "workdir", cmd.Dir)
	start := time.Now()
	runErr := cmd.Run()
	lines := tailLines(out.String(), maxOutputLines)

	if runCtx.Err() != nil {
		status = plugin.StatusStopped
		return nil, runCtx.Err()
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return plugin.Failed("failed to start command: "+runErr.Error(), lines...), nil
		}
		exitCode = exitErr.ExitCode()
	}

	data := map[string]any{
		"exit_code":   exitCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if exitCode != 0 {
		r := plugin.Failed("command exited with status "+strconv.Itoa(exitCode), lines...)
		r.Data = data
		return r, nil
	}
	status = plugin.StatusCompleted
	return plugin.Succeeded(data, lines...), nil
}

func tailLines(s string, n int) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
