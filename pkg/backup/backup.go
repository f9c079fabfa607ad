package backup

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog"

	"github.com/cubeforge/minefleet/pkg/events"
	"github.com/cubeforge/minefleet/pkg/log"
	"github.com/cubeforge/minefleet/pkg/registry"
	"github.com/cubeforge/minefleet/pkg/types"
)

// skipDirs are top-level workspace directories never worth archiving.
var skipDirs = map[string]bool{
	"logs":          true,
	"crash-reports": true,
	"debug":         true,
}

// Stopper is the lifecycle port restore uses to quiesce an instance.
type Stopper interface {
	Stop(id string, skipBackends bool) error
	IsRunning(id string) bool
}

// Manager archives and restores workspaces under a single backups root.
type Manager struct {
	backupsDir string
	registry   *registry.Store
	lifecycle  Stopper
	bus        *events.Bus
	logger     zerolog.Logger
}

// New creates a backup manager rooted at backupsDir.
func New(backupsDir string, reg *registry.Store, lifecycle Stopper, bus *events.Bus) *Manager {
	return &Manager{
		backupsDir: backupsDir,
		registry:   reg,
		lifecycle:  lifecycle,
		bus:        bus,
		logger:     log.WithComponent("backup"),
	}
}

// Create archives the instance workspace. An empty name falls back to a
// timestamp label. The backup id doubles as the archive filename minus
// its extension.
func (m *Manager) Create(instanceID, name string) (*types.BackupRecord, error) {
	inst, err := m.registry.Get(instanceID)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(m.backupsDir, instanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	label := sanitizeLabel(name)
	if label == "" {
		label = time.Now().UTC().Format("20060102-150405")
	}
	id := fmt.Sprintf("%s-%d", label, time.Now().Unix())
	path := filepath.Join(dir, id+".zip")

	if err := m.archive(inst.Workspace, path); err != nil {
		_ = os.Remove(path)
		m.publish(events.EventBackupFailed, instanceID, "", err)
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	record := &types.BackupRecord{
		ID:         id,
		InstanceID: instanceID,
		Path:       path,
		SizeBytes:  info.Size(),
		CreatedAt:  info.ModTime().UTC(),
	}
	m.publish(events.EventBackupDone, instanceID, id, nil)
	m.logger.Info().
		Str("instance_id", instanceID).
		Str("backup_id", id).
		Int64("bytes", record.SizeBytes).
		Msg("backup created")
	return record, nil
}

// archive writes the workspace into a zip at path with maximum deflate
// compression.
func (m *Manager) archive(workspace, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	walkErr := filepath.WalkDir(workspace, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(workspace, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if skipDirs[rel] {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, src)
		src.Close()
		return err
	})

	if walkErr != nil {
		_ = zw.Close()
		_ = f.Close()
		return fmt.Errorf("archive workspace: %w", walkErr)
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("finalize archive: %w", err)
	}
	return f.Close()
}

// List returns the instance's backups, newest first.
func (m *Manager) List(instanceID string) ([]types.BackupRecord, error) {
	dir := filepath.Join(m.backupsDir, instanceID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var records []types.BackupRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zip") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		records = append(records, types.BackupRecord{
			ID:         strings.TrimSuffix(entry.Name(), ".zip"),
			InstanceID: instanceID,
			Path:       filepath.Join(dir, entry.Name()),
			SizeBytes:  info.Size(),
			CreatedAt:  info.ModTime().UTC(),
		})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// PathFor resolves a backup id to its archive path.
func (m *Manager) PathFor(instanceID, backupID string) (string, error) {
	if strings.ContainsAny(backupID, `/\`) || backupID == "" {
		return "", fmt.Errorf("backup id %q: %w", backupID, types.ErrInvalidArgument)
	}
	path := filepath.Join(m.backupsDir, instanceID, backupID+".zip")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("backup %s: %w", backupID, types.ErrNotFound)
		}
		return "", err
	}
	return path, nil
}

// Delete removes a backup archive.
func (m *Manager) Delete(instanceID, backupID string) error {
	path, err := m.PathFor(instanceID, backupID)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func (m *Manager) publish(kind events.EventType, instanceID, backupID string, err error) {
	payload := events.BackupEvent{
		InstanceID: instanceID,
		BackupID:   backupID,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	m.bus.Publish(events.Event{
		Topic:   events.StatusTopic(instanceID),
		Type:    kind,
		Payload: payload,
	})
}

// sanitizeLabel strips characters that would escape the archive
// directory or break filenames.
func sanitizeLabel(name string) string {
	name = strings.TrimSpace(name)
	replacer := strings.NewReplacer("/", "-", `\`, "-", " ", "_", "..", "-")
	return replacer.Replace(name)
}
