package backup

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cubeforge/minefleet/pkg/types"
)

// Restore replaces the instance workspace with a backup's contents. The
// instance is stopped first if running. Extraction happens in a staging
// directory next to the workspace; the workspace's top-level entries
// are only swapped once the whole archive has been extracted.
func (m *Manager) Restore(instanceID, backupID string) error {
	inst, err := m.registry.Get(instanceID)
	if err != nil {
		return err
	}
	path, err := m.PathFor(instanceID, backupID)
	if err != nil {
		return err
	}

	if m.lifecycle.IsRunning(instanceID) {
		if err := m.lifecycle.Stop(instanceID, false); err != nil && !errors.Is(err, types.ErrNotRunning) {
			return fmt.Errorf("stop before restore: %w", err)
		}
	}

	staging := filepath.Join(filepath.Dir(inst.Workspace),
		fmt.Sprintf(".%s.restore-%d", filepath.Base(inst.Workspace), time.Now().Unix()))
	if err := extractZip(path, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("extract backup: %w", err)
	}

	if err := swapTopLevel(staging, inst.Workspace); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("swap workspace entries: %w", err)
	}
	_ = os.RemoveAll(staging)

	m.logger.Info().
		Str("instance_id", instanceID).
		Str("backup_id", backupID).
		Msg("backup restored")
	return nil
}

// extractZip unpacks an archive into dir, refusing entries that would
// escape it.
func extractZip(path, dir string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, file := range r.File {
		name := filepath.FromSlash(file.Name)
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry %q escapes target: %w", file.Name, types.ErrInvalidArgument)
		}
		target := filepath.Join(dir, name)

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(file, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(file *zip.File, target string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// swapTopLevel replaces each top-level entry of workspace with the one
// extracted into staging. Entries present in the workspace but absent
// from the archive are left alone.
func swapTopLevel(staging, workspace string) error {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		dst := filepath.Join(workspace, entry.Name())
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(staging, entry.Name()), dst); err != nil {
			return err
		}
	}
	return nil
}
