package blkcache

import (
	"os"
	"path/filepath"
)

// checkpointStatusMap serialises sm to mapPath.tmp, fsyncs it, renames it
// over mapPath, then fsyncs the containing directory — the usual
// write-tmp/fsync/rename/fsync-dir discipline so a crash mid-checkpoint
// never leaves a torn mapfile behind.
func checkpointStatusMap(sm *StatusMap, mapPath string, comments []string) error {
	tmpPath := mapPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &IOError{Op: "create mapfile.tmp", Err: err}
	}

	if err := sm.Save(f, comments); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return &IOError{Op: "fsync mapfile.tmp", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return &IOError{Op: "close mapfile.tmp", Err: err}
	}

	if err := os.Rename(tmpPath, mapPath); err != nil {
		return &IOError{Op: "rename mapfile.tmp", Err: err}
	}

	dir, err := os.Open(filepath.Dir(mapPath))
	if err != nil {
		return &IOError{Op: "open mapfile directory", Err: err}
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return &IOError{Op: "fsync mapfile directory", Err: err}
	}
	return nil
}
