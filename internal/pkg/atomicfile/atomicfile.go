package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write replaces path with data. The data is staged in a temp file, fsynced,
// renamed over path, and the parent directory is synced, so a reader never
// observes partial contents.
func Write(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// Create publishes path with data only if path does not exist yet, and
// reports whether this call won the creation. The data is staged in a temp
// file and hard-linked into place, so concurrent creators get exactly one
// winner and readers only ever see complete contents.
func Create(path string, data []byte, perm os.FileMode) (bool, error) {
	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return false, fmt.Errorf("writing temp file: %w", err)
	}
	defer os.Remove(tmp)
	if err := syncFile(tmp); err != nil {
		return false, err
	}
	if err := os.Link(tmp, path); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("linking temp file: %w", err)
	}
	return true, syncDir(filepath.Dir(path))
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("reopening temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening dir for sync: %w", err)
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return fmt.Errorf("syncing dir: %w", err)
	}
	return d.Close()
}
