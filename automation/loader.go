package automation

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/pulse/async"
	"github.com/crashkill/hub-automation-sub001/pulse/schedule"
)

// fileDefinition is the on-disk form of a definition. Schedule uses the
// shorthand accepted by schedule.Parse.
type fileDefinition struct {
	ID             string         `toml:"id" yaml:"id"`
	Name           string         `toml:"name" yaml:"name"`
	Description    string         `toml:"description" yaml:"description"`
	Type           string         `toml:"type" yaml:"type"`
	SchemaVersion  int            `toml:"schema_version" yaml:"schema_version"`
	Enabled        *bool          `toml:"enabled" yaml:"enabled"`
	Schedule       string         `toml:"schedule" yaml:"schedule"`
	Timezone       string         `toml:"timezone" yaml:"timezone"`
	Priority       string         `toml:"priority" yaml:"priority"`
	TimeoutSeconds int            `toml:"timeout_seconds" yaml:"timeout_seconds"`
	Secrets        []string       `toml:"secrets" yaml:"secrets"`
	Author         string         `toml:"author" yaml:"author"`
	Category       string         `toml:"category" yaml:"category"`
	Tags           []string       `toml:"tags" yaml:"tags"`
	Parameters     map[string]any `toml:"parameters" yaml:"parameters"`
}

// IsDefinitionFile reports whether path has a definition file extension
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", ".yaml", ".yml":
		return true
	}
	return false
}

// DefinitionID returns the id a file defines when it does not set one
func DefinitionID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ParseFile decodes a TOML or YAML definition. Automations from files are
// enabled unless they say otherwise.
func ParseFile(path string, data []byte) (*Definition, error) {
	var fd fileDefinition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&fd); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&fd); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
	default:
		return nil, errors.NewInvalidRequestError("unsupported definition file %s", path)
	}

	sched, err := schedule.Parse(fd.Schedule)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid schedule in %s", path)
	}
	if fd.Timezone != "" {
		if sched.Kind != schedule.KindCron {
			return nil, errors.NewInvalidRequestError("%s: timezone requires a cron schedule", path)
		}
		if sched, err = schedule.Cron(sched.Expr, fd.Timezone); err != nil {
			return nil, errors.Wrapf(err, "invalid schedule in %s", path)
		}
	}
	prio, err := async.ParsePriority(fd.Priority)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid priority in %s", path)
	}

	d := &Definition{
		ID:             fd.ID,
		Name:           fd.Name,
		Description:    fd.Description,
		Type:           fd.Type,
		SchemaVersion:  fd.SchemaVersion,
		Enabled:        fd.Enabled == nil || *fd.Enabled,
		Schedule:       sched,
		Parameters:     fd.Parameters,
		Priority:       prio,
		TimeoutSeconds: fd.TimeoutSeconds,
		Secrets:        fd.Secrets,
		Author:         fd.Author,
		Category:       fd.Category,
		Tags:           fd.Tags,
	}
	if d.ID == "" {
		d.ID = DefinitionID(path)
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	return d, nil
}

// LoadFile reads and parses one definition file
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return ParseFile(path, data)
}

// Loader upserts definition files through the Service so they pass the same
// validation as API calls
type Loader struct {
	svc    *Service
	dir    string
	logger *zap.SugaredLogger
}

// NewLoader creates a loader for dir
func NewLoader(svc *Service, dir string, log *zap.SugaredLogger) *Loader {
	return &Loader{
		svc:    svc,
		dir:    dir,
		logger: logger.OrNop(log).Named("automation.loader"),
	}
}

// Dir returns the watched directory
func (l *Loader) Dir() string {
	return l.dir
}

// LoadDir applies every definition file in the directory. A bad file is
// logged and skipped; the returned map is path to automation id for the
// files that applied.
func (l *Loader) LoadDir(ctx context.Context) (map[string]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errors.Wrapf(err, "failed to read automations directory %s", l.dir)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsDefinitionFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	applied := make(map[string]string, len(names))
	for _, name := range names {
		path := filepath.Join(l.dir, name)
		id, err := l.Apply(ctx, path)
		if err != nil {
			l.logger.Warnw("Skipping automation file",
				logger.FieldFile, path,
				logger.FieldError, err,
				logger.FieldErrorKind, errors.Kind(err))
			continue
		}
		applied[path] = id
	}

	l.logger.Infow("Automation files loaded",
		logger.FieldPath, l.dir,
		logger.FieldCount, len(applied))
	return applied, nil
}

// Apply upserts the definition in path and returns its id
func (l *Loader) Apply(ctx context.Context, path string) (string, error) {
	d, err := LoadFile(path)
	if err != nil {
		return "", err
	}
	if _, err := l.svc.Upsert(ctx, d); err != nil {
		return "", err
	}
	l.logger.Debugw("Automation file applied",
		logger.FieldFile, path,
		logger.FieldAutomationID, d.ID)
	return d.ID, nil
}
