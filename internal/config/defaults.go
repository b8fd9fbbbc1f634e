package config

// Runtime names.
const (
	RuntimeProcess = "process"
	RuntimeDocker  = "docker"
)

// Document store names.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// DefaultSkipDirectories is the canonical list of directories skipped by the
// file watcher and the autocomplete index.
var DefaultSkipDirectories = []string{
	".git",
	".svn",
	".hg",
	"node_modules",
	"vendor",
	"__pycache__",
	".pytest_cache",
	".mypy_cache",
	".tox",
	".venv",
	"venv",
	".idea",
	".vscode",
	"dist",
	"build",
	"target",
	"coverage",
	".next",
	".nuxt",
	".cache",
	".turbo",
}

// DefaultWatcherIgnorePatterns is the canonical list of patterns for file watcher.
// These include both directories and file patterns (e.g., *.pyc, *.swp).
var DefaultWatcherIgnorePatterns = []string{
	".git",
	"node_modules",
	".venv",
	"venv",
	"__pycache__",
	"*.pyc",
	".DS_Store",
	"dist",
	"build",
	"target",
	"coverage",
	".next",
	".nuxt",
	"*.log",
	"*.swp",
	"*.swo",
	"*~",
}

// SkipDirectoriesSet returns a map for O(1) lookups of skip directories.
// Uses the provided list if non-empty, otherwise falls back to defaults.
func SkipDirectoriesSet(customDirs []string) map[string]bool {
	dirs := DefaultSkipDirectories
	if len(customDirs) > 0 {
		dirs = customDirs
	}

	set := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		set[d] = true
	}
	return set
}
