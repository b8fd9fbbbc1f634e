package collab

import (
	"fmt"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Workspace resolves the root of a project's running environment.
type Workspace interface {
	RunningRoot(projectID string) (string, error)
}

// Files reads and writes documents on an environment's filesystem.
type Files interface {
	ReadFile(projectID, fileID string) ([]byte, error)
	WriteFile(projectID, fileID string, data []byte) error
}

// TempPrefix marks write-through temp files so the watcher can ignore them.
const TempPrefix = ".wsgate-"

// DiskFiles implements Files on the environment root directory.
type DiskFiles struct {
	ws       Workspace
	maxBytes int64
}

// NewDiskFiles creates a Files backed by running environment roots.
func NewDiskFiles(ws Workspace, maxBytes int) *DiskFiles {
	return &DiskFiles{ws: ws, maxBytes: int64(maxBytes)}
}

func (d *DiskFiles) path(projectID, fileID string) (string, error) {
	root, err := d.ws.RunningRoot(projectID)
	if err != nil {
		return "", err
	}
	return securejoin.SecureJoin(root, filepath.FromSlash(fileID))
}

// ReadFile returns the file's content.
func (d *DiskFiles) ReadFile(projectID, fileID string) ([]byte, error) {
	p, err := d.path(projectID, fileID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", fileID)
	}
	if d.maxBytes > 0 && info.Size() > d.maxBytes {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", fileID, info.Size(), d.maxBytes)
	}
	return os.ReadFile(p)
}

// WriteFile replaces the file atomically, keeping its mode.
func (d *DiskFiles) WriteFile(projectID, fileID string, data []byte) error {
	p, err := d.path(projectID, fileID)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(p); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}
