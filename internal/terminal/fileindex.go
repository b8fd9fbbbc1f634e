package terminal

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/sync"
)

// maxIndexedPaths bounds the autocomplete file index per environment.
const maxIndexedPaths = 5000

// FileIndex is the set of paths visible in an environment root, relative to
// the root. Directories carry a trailing slash.
type FileIndex struct {
	paths map[string]bool
	skip  map[string]bool
	max   int
	mu    sync.RWMutex
}

// BuildFileIndex walks root and indexes up to max paths.
func BuildFileIndex(root string, max int) *FileIndex {
	x := &FileIndex{
		paths: make(map[string]bool),
		skip:  config.SkipDirectoriesSet(nil),
		max:   max,
	}

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}
		if d.IsDir() && x.skip[d.Name()] {
			return filepath.SkipDir
		}
		if len(x.paths) >= x.max {
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		x.paths[indexKey(rel, d.IsDir())] = true
		return nil
	})
	return x
}

func indexKey(rel string, dir bool) string {
	rel = filepath.ToSlash(rel)
	if dir {
		return rel + "/"
	}
	return rel
}

// Update records a created or removed path reported by the watcher.
func (x *FileIndex) Update(rel string, isDir, removed bool) {
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if x.skip[part] {
			return
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if removed {
		delete(x.paths, rel)
		delete(x.paths, rel+"/")
		return
	}
	if len(x.paths) < x.max {
		x.paths[indexKey(rel, isDir)] = true
	}
}

// Paths returns the indexed paths, sorted.
func (x *FileIndex) Paths() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]string, 0, len(x.paths))
	for p := range x.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
