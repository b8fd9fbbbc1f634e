package preview

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/brianly1003/wsgate/internal/domain"
)

// portPlaceholder is replaced with the assigned port in detected commands.
const portPlaceholder = "{port}"

// Detection is a run command inferred from a project's manifests.
type Detection struct {
	// Language is the detected ecosystem (Node, Python, Go, Rust, Ruby, HTML)
	Language string
	// Manifest is the file the detection was based on
	Manifest string
	// Template may contain {port}; the PORT env var is always set as well
	Template string
}

// Command returns the run command for the given port.
func (d *Detection) Command(port int) string {
	return strings.ReplaceAll(d.Template, portPlaceholder, strconv.Itoa(port))
}

// detector inspects root and returns a detection, or nil if it does not
// apply.
type detector func(root string) *Detection

// Detectors in priority order.
var detectors = []detector{
	detectNode,
	detectPyproject,
	detectRequirements,
	detectGo,
	detectRust,
	detectRuby,
	detectStatic,
	detectEntryFile,
}

// Detect infers a run command from the manifests in root.
func Detect(root string) (*Detection, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, domain.NewOpError("detect run command", root, err)
	}
	if !info.IsDir() {
		return nil, domain.NewOpError("detect run command", root, os.ErrInvalid)
	}

	for _, detect := range detectors {
		if d := detect(root); d != nil {
			return d, nil
		}
	}
	return nil, domain.NewOpError("detect run command", root, domain.ErrNoRunCommand)
}

func exists(root string, name ...string) bool {
	_, err := os.Stat(filepath.Join(append([]string{root}, name...)...))
	return err == nil
}

func detectNode(root string) *Detection {
	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return nil
	}

	var pkg struct {
		Main    string            `json:"main"`
		Scripts map[string]string `json:"scripts"`
	}
	d := &Detection{Language: "Node", Manifest: "package.json"}
	if err := json.Unmarshal(data, &pkg); err != nil {
		d.Template = "npm start"
		return d
	}

	// npm scripts put node_modules/.bin on PATH
	switch {
	case pkg.Scripts["start"] != "":
		d.Template = "npm start"
	case pkg.Scripts["dev"] != "":
		d.Template = "npm run dev"
	case pkg.Main != "":
		d.Template = "node " + pkg.Main
	case exists(root, "server.js"):
		d.Template = "node server.js"
	default:
		d.Template = "npm start"
	}
	return d
}

type pyproject struct {
	Project struct {
		Name    string            `toml:"name"`
		Scripts map[string]string `toml:"scripts"`
	} `toml:"project"`
	Tool struct {
		Poetry *struct {
			Name    string            `toml:"name"`
			Scripts map[string]string `toml:"scripts"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

func firstKey(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

func detectPyproject(root string) *Detection {
	var cfg pyproject
	if _, err := toml.DecodeFile(filepath.Join(root, "pyproject.toml"), &cfg); err != nil {
		return nil
	}

	d := &Detection{Language: "Python", Manifest: "pyproject.toml"}
	if poetry := cfg.Tool.Poetry; poetry != nil {
		if script := firstKey(poetry.Scripts); script != "" {
			d.Template = "poetry run " + script
			return d
		}
		if entry := pythonEntry(root); entry != "" {
			d.Template = "poetry run " + entry
			return d
		}
		if poetry.Name != "" {
			d.Template = "poetry run python3 -m " + pythonModule(poetry.Name)
			return d
		}
	}
	if script := firstKey(cfg.Project.Scripts); script != "" {
		d.Template = script
		return d
	}
	if entry := pythonEntry(root); entry != "" {
		d.Template = entry
		return d
	}
	if cfg.Project.Name != "" {
		d.Template = "python3 -m " + pythonModule(cfg.Project.Name)
		return d
	}
	return nil
}

func pythonModule(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// pythonEntry returns a command for the first Python entry point in root,
// with the port passed the way each framework expects it.
func pythonEntry(root string) string {
	switch {
	case exists(root, "manage.py"):
		return "python3 manage.py runserver 0.0.0.0:" + portPlaceholder
	case exists(root, "app.py"):
		return "python3 app.py --port " + portPlaceholder
	case exists(root, "main.py"):
		return "python3 main.py --port " + portPlaceholder
	}
	return ""
}

func detectRequirements(root string) *Detection {
	data, err := os.ReadFile(filepath.Join(root, "requirements.txt"))
	if err != nil {
		return nil
	}
	reqs := strings.ToLower(string(data))

	d := &Detection{Language: "Python", Manifest: "requirements.txt"}
	switch {
	case exists(root, "manage.py"):
		d.Template = "python3 manage.py runserver 0.0.0.0:" + portPlaceholder
	case strings.Contains(reqs, "uvicorn") && exists(root, "main.py"):
		d.Template = "uvicorn main:app --host 0.0.0.0 --port " + portPlaceholder
	case strings.Contains(reqs, "flask") && exists(root, "app.py"):
		d.Template = "python3 -m flask --app app run --host 0.0.0.0 --port " + portPlaceholder
	default:
		d.Template = pythonEntry(root)
	}
	if d.Template == "" {
		return nil
	}
	return d
}

func detectGo(root string) *Detection {
	if !exists(root, "go.mod") {
		return nil
	}
	d := &Detection{Language: "Go", Manifest: "go.mod", Template: "go run ."}
	if !exists(root, "main.go") && exists(root, "cmd") {
		d.Template = "go run ./cmd/..."
	}
	return d
}

func detectRust(root string) *Detection {
	var cargo struct {
		Package struct {
			Name string `toml:"name"`
		} `toml:"package"`
	}
	if _, err := toml.DecodeFile(filepath.Join(root, "Cargo.toml"), &cargo); err != nil {
		return nil
	}
	d := &Detection{Language: "Rust", Manifest: "Cargo.toml", Template: "cargo run"}
	if cargo.Package.Name != "" {
		d.Template = "cargo run --bin " + cargo.Package.Name
	}
	return d
}

func detectRuby(root string) *Detection {
	if !exists(root, "Gemfile") {
		return nil
	}
	d := &Detection{Language: "Ruby", Manifest: "Gemfile"}
	switch {
	case exists(root, "config", "application.rb"):
		d.Template = "bundle exec rails server -b 0.0.0.0 -p " + portPlaceholder
	case exists(root, "config.ru"):
		d.Template = "bundle exec rackup -o 0.0.0.0 -p " + portPlaceholder
	case exists(root, "app.rb"):
		d.Template = "bundle exec ruby app.rb -o 0.0.0.0 -p " + portPlaceholder
	default:
		d.Template = "bundle exec ruby main.rb"
	}
	return d
}

func detectStatic(root string) *Detection {
	for _, name := range []string{"index.html", "index.htm"} {
		if exists(root, name) {
			return &Detection{
				Language: "HTML",
				Manifest: name,
				Template: "python3 -m http.server " + portPlaceholder + " --bind 0.0.0.0",
			}
		}
	}
	return nil
}

func detectEntryFile(root string) *Detection {
	entries := []struct {
		file, language, template string
	}{
		{"main.py", "Python", "python3 main.py --port " + portPlaceholder},
		{"app.py", "Python", "python3 app.py --port " + portPlaceholder},
		{"server.js", "Node", "node server.js"},
		{"index.js", "Node", "node index.js"},
		{"main.go", "Go", "go run main.go"},
	}
	for _, e := range entries {
		if exists(root, e.file) {
			return &Detection{Language: e.language, Manifest: e.file, Template: e.template}
		}
	}
	return nil
}
