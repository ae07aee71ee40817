package builtin

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/plugin"
)

// BackupType is the automation type of the backup plugin
const BackupType = "backup"

// Backup archives a directory into a tar or tar.gz file and keeps the newest
// archives up to the retention count. Runs can be paused between files.
type Backup struct {
	*plugin.BasePlugin
	now func() time.Time
}

// NewBackup creates the backup plugin
func NewBackup() *Backup {
	return &Backup{
		BasePlugin: plugin.NewBasePlugin(
			metadata(BackupType, "Backup", "Archive a directory into a timestamped tarball", "operations"),
			plugin.Schema{Fields: []plugin.Field{
				{Key: "sourcePath", Label: "Source directory", Type: plugin.FieldText, Required: true},
				{Key: "targetPath", Label: "Target directory", Type: plugin.FieldText, Required: true},
				{Key: "compress", Label: "Gzip", Type: plugin.FieldBoolean, Default: true},
				{Key: "retention", Label: "Archives kept", Type: plugin.FieldNumber, Default: 7,
					Min: plugin.Bound(1), Max: plugin.Bound(365)},
			}},
		),
		now: time.Now,
	}
}

// Pause suspends the run before the next file
func (b *Backup) Pause(executionID string) error { return b.PauseRun(executionID) }

// Resume continues a paused run
func (b *Backup) Resume(executionID string) error { return b.ResumeRun(executionID) }

// Execute writes the archive
func (b *Backup) Execute(ctx context.Context, config map[string]any, ec plugin.ExecutionContext) (*plugin.Result, error) {
	runCtx, finish := b.Track(ctx, ec.ExecutionID())
	status := plugin.StatusError
	defer func() { finish(status) }()

	source := stringParam(config, "sourcePath")
	target := stringParam(config, "targetPath")
	compress := boolParam(config, "compress", true)
	retention := intParam(config, "retention", 7)
	log := ec.Logger()

	info, err := os.Stat(source)
	if err != nil {
		return plugin.Failed("source not readable: " + err.Error()), nil
	}
	if !info.IsDir() {
		return plugin.Failed("source " + source + " is not a directory"), nil
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create target %s", target)
	}

	prefix := archivePrefix(ec.AutomationID())
	name := prefix + b.now().UTC().Format("20060102T150405.000000000Z") + ".tar"
	if compress {
		name += ".gz"
	}
	archivePath := filepath.Join(target, name)

	log.Info("Backup started", "source", source, "archive", archivePath)
	files, size, err := b.writeArchive(runCtx, ec.ExecutionID(), source, archivePath, compress)
	if err != nil {
		os.Remove(archivePath)
		if runCtx.Err() != nil {
			status = plugin.StatusStopped
			return nil, runCtx.Err()
		}
		return nil, err
	}

	pruned, err := pruneArchives(target, prefix, retention)
	if err != nil {
		log.Warn("Failed to prune old archives", "error", err.Error())
	}
	if err := ec.Storage().Set(runCtx, "last_archive", archivePath); err != nil {
		log.Warn("Failed to record last archive", "error", err.Error())
	}

	log.Info("Backup finished", "files", files, "bytes", size, "pruned", len(pruned))
	status = plugin.StatusCompleted
	return plugin.Succeeded(map[string]any{
		"archive": archivePath,
		"files":   files,
		"bytes":   size,
		"pruned":  pruned,
	}), nil
}

func (b *Backup) writeArchive(ctx context.Context, executionID, source, archivePath string, compress bool) (files int, size int64, err error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to create archive %s", archivePath)
	}
	defer out.Close()

	var w io.Writer = out
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(out)
		w = gz
	}
	tw := tar.NewWriter(w)

	walkErr := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := b.WaitIfPaused(ctx, executionID); err != nil {
			return err
		}
		if path == archivePath {
			return nil
		}
		rel, err := filepath.Rel(source, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}
		files++
		size += n
		return nil
	})
	if walkErr != nil {
		return files, size, errors.Wrap(walkErr, "failed to archive source")
	}

	if err := tw.Close(); err != nil {
		return files, size, errors.Wrap(err, "failed to finish tar stream")
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return files, size, errors.Wrap(err, "failed to finish gzip stream")
		}
	}
	return files, size, out.Sync()
}

func archivePrefix(automationID string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(automationID) + "-"
}

// pruneArchives removes all but the newest keep archives with prefix.
// Timestamps in the names sort chronologically.
func pruneArchives(dir, prefix string, keep int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var archives []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, prefix) &&
			(strings.HasSuffix(name, ".tar") || strings.HasSuffix(name, ".tar.gz")) {
			archives = append(archives, name)
		}
	}
	if len(archives) <= keep {
		return nil, nil
	}
	sort.Strings(archives)

	var removed []string
	for _, name := range archives[:len(archives)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}
