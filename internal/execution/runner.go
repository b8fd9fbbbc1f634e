// Package execution runs one-shot commands and code snippets inside a running
// environment and captures their output.
package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/environment"
	"github.com/brianly1003/wsgate/internal/procutil"
)

// scriptPrefix marks snippet files so the watcher and collab ignore them.
const scriptPrefix = ".wsgate-exec-"

// waitDelay bounds how long Wait blocks on output pipes after a kill.
const waitDelay = 2 * time.Second

// Environments is the part of the environment manager the runner needs.
type Environments interface {
	Status(projectID string) (*environment.Info, error)
	Acquire(envID string) (environment.Spawner, error)
	Touch(projectID string)
}

// Request is a one-shot execution. Exactly one of Command and Code is set;
// Code needs a Language.
type Request struct {
	Command        string `json:"command,omitempty"`
	Language       string `json:"language,omitempty"`
	Code           string `json:"code,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// Result is the captured outcome of a run.
type Result struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	TimedOut   bool   `json:"timedOut"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// interpreter runs a snippet file for one language.
type interpreter struct {
	ext  string
	argv func(file string) []string
}

var interpreters = map[string]interpreter{
	"python": {".py", func(f string) []string { return []string{"python3", f} }},
	"node":   {".js", func(f string) []string { return []string{"node", f} }},
	"go":     {".go", func(f string) []string { return []string{"go", "run", f} }},
	"ruby":   {".rb", func(f string) []string { return []string{"ruby", f} }},
	"bash":   {".sh", func(f string) []string { return []string{"bash", f} }},
	"sh":     {".sh", func(f string) []string { return []string{"sh", f} }},
}

var languageAliases = map[string]string{
	"python3":    "python",
	"py":         "python",
	"javascript": "node",
	"js":         "node",
	"nodejs":     "node",
	"golang":     "go",
	"rb":         "ruby",
	"shell":      "sh",
}

// Runner executes requests through an environment's Spawner.
type Runner struct {
	envs   Environments
	cfg    config.ExecConfig
	logger *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(envs Environments, cfg config.ExecConfig, logger *slog.Logger) *Runner {
	return &Runner{envs: envs, cfg: cfg, logger: logger}
}

// Run executes req in the project's running environment and waits for it.
// A run that exceeds its timeout is killed and reported with TimedOut set; it
// is not an error.
func (r *Runner) Run(ctx context.Context, projectID string, req Request) (*Result, error) {
	if err := r.validate(req); err != nil {
		return nil, err
	}

	info, err := r.envs.Status(projectID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewOpError("exec", projectID, domain.ErrEnvironmentNotReady)
		}
		return nil, err
	}
	sp, err := r.envs.Acquire(info.ID)
	if err != nil {
		return nil, err
	}
	r.envs.Touch(projectID)

	args := procutil.ShellCommand(req.Command)
	if req.Code != "" {
		script, err := writeScript(sp.Root(), req)
		if err != nil {
			return nil, domain.NewOpError("exec", projectID, err)
		}
		defer os.Remove(filepath.Join(sp.Root(), script))
		args = interpreters[canonicalLanguage(req.Language)].argv(script)
	}

	timeout := r.timeout(req.TimeoutSeconds)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := sp.Command(runCtx, environment.CommandOptions{Args: args})
	if err != nil {
		return nil, domain.NewOpError("exec", projectID, err)
	}
	stdout := &cappedBuffer{max: r.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{max: r.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, domain.NewOpError("exec", projectID, err)
	}
	sp.Track(cmd.Process.Pid)
	waitErr := cmd.Wait()
	sp.Untrack(cmd.Process.Pid)
	elapsed := time.Since(start)

	res := &Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   procutil.ExitCode(waitErr),
		DurationMs: elapsed.Milliseconds(),
		TimedOut:   errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil,
		Truncated:  stdout.truncated || stderr.truncated,
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.logger.Info("Exec finished",
		"project_id", projectID,
		"env_id", info.ID,
		"language", req.Language,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"duration", elapsed)
	return res, nil
}

func (r *Runner) validate(req Request) error {
	hasCommand := strings.TrimSpace(req.Command) != ""
	hasCode := req.Code != ""
	switch {
	case hasCommand && hasCode:
		return domain.NewValidationError("command", "set either command or code, not both")
	case !hasCommand && !hasCode:
		return domain.NewValidationError("command", "command or code is required")
	case req.TimeoutSeconds < 0:
		return domain.NewValidationError("timeoutSeconds", "must not be negative")
	}
	if hasCode {
		if _, ok := interpreters[canonicalLanguage(req.Language)]; !ok {
			return domain.NewValidationError("language", fmt.Sprintf("unsupported language %q", req.Language))
		}
	}
	return nil
}

// timeout resolves the requested timeout against the configured bounds.
func (r *Runner) timeout(seconds int) time.Duration {
	d := r.cfg.DefaultTimeout
	if seconds > 0 {
		d = time.Duration(seconds) * time.Second
	}
	if r.cfg.MaxTimeout > 0 && d > r.cfg.MaxTimeout {
		d = r.cfg.MaxTimeout
	}
	return d
}

// Languages lists the accepted snippet languages.
func Languages() []string {
	out := make([]string, 0, len(interpreters))
	for name := range interpreters {
		out = append(out, name)
	}
	return out
}

func canonicalLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if alias, ok := languageAliases[lang]; ok {
		return alias
	}
	return lang
}

// writeScript stores the snippet in the environment root and returns its
// name relative to the root.
func writeScript(root string, req Request) (string, error) {
	in := interpreters[canonicalLanguage(req.Language)]
	f, err := os.CreateTemp(root, scriptPrefix+"*"+in.ext)
	if err != nil {
		return "", fmt.Errorf("create script: %w", err)
	}
	if _, err := f.WriteString(req.Code); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write script: %w", err)
	}
	return filepath.Base(f.Name()), nil
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.max > 0 {
		room := b.max - b.buf.Len()
		if room <= 0 {
			b.truncated = b.truncated || n > 0
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
