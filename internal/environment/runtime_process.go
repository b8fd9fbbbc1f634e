package environment

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/brianly1003/wsgate/internal/procutil"
	"github.com/brianly1003/wsgate/internal/sync"
)

// SandboxCommand is the hidden CLI command that confines a process to its
// environment root before exec'ing the target.
const SandboxCommand = "sandbox-exec"

// ProcessRuntime runs environments as host directories with sandboxed
// process groups.
type ProcessRuntime struct {
	sandbox    bool
	executable string
}

// NewProcessRuntime creates a process runtime. When sandbox is set, every
// command is wrapped in "<executable> sandbox-exec".
func NewProcessRuntime(sandbox bool) (*ProcessRuntime, error) {
	r := &ProcessRuntime{sandbox: sandbox}
	if sandbox {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable for sandbox: %w", err)
		}
		r.executable = exe
	}
	return r, nil
}

// Name returns "process".
func (r *ProcessRuntime) Name() string {
	return "process"
}

// Create prepares the root directory. Nothing else has to be provisioned.
func (r *ProcessRuntime) Create(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(spec.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}

	log.Debug().
		Str("env_id", spec.EnvironmentID).
		Str("root", spec.Root).
		Bool("sandbox", r.sandbox).
		Msg("process environment ready")

	return &processHandle{
		runtime: r,
		spec:    spec,
		tracked: make(map[int]struct{}),
	}, nil
}

type processHandle struct {
	runtime *ProcessRuntime
	spec    Spec
	tracked map[int]struct{}
	mu      sync.Mutex
}

func (h *processHandle) NetworkNamespace() string {
	return "host"
}

func (h *processHandle) Command(ctx context.Context, opts CommandOptions) (*exec.Cmd, error) {
	if len(opts.Args) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	dir, err := securejoin.SecureJoin(h.spec.Root, opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	argv := opts.Args
	if h.runtime.sandbox {
		argv = append([]string{
			h.runtime.executable, SandboxCommand,
			"--root", h.spec.Root,
			"--memory-mb", strconv.Itoa(h.spec.Limits.MemoryMB),
			"--",
		}, opts.Args...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(baseEnv(h.spec.Root), opts.Env...)
	if !opts.TTY {
		procutil.SetProcessGroup(cmd)
	}
	cmd.Cancel = func() error {
		return procutil.Kill(cmd.Process.Pid)
	}
	return cmd, nil
}

// baseEnv is the minimal environment every command starts from.
func baseEnv(home string) []string {
	env := []string{
		"HOME=" + home,
		"LANG=C.UTF-8",
		"WSGATE_ENVIRONMENT=1",
	}
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	} else {
		env = append(env, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	}
	return env
}

func (h *processHandle) Track(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracked[pid] = struct{}{}
}

func (h *processHandle) Untrack(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tracked, pid)
}

func (h *processHandle) pids() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	pids := make([]int, 0, len(h.tracked))
	for pid := range h.tracked {
		pids = append(pids, pid)
	}
	return pids
}

// Usage sums CPU and RSS over tracked processes and their descendants, and
// measures the root tree on disk.
func (h *processHandle) Usage(ctx context.Context) (Usage, error) {
	var usage Usage
	seen := make(map[int32]bool)

	var visit func(p *process.Process)
	visit = func(p *process.Process) {
		if seen[p.Pid] {
			return
		}
		seen[p.Pid] = true

		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			usage.CPUPercent += cpu
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			usage.MemoryMB += float64(mem.RSS) / (1024 * 1024)
		}
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			return
		}
		for _, child := range children {
			visit(child)
		}
	}

	for _, pid := range h.pids() {
		p, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			// Exited between Track and the sample
			continue
		}
		visit(p)
	}

	disk, err := dirSize(ctx, h.spec.Root)
	if err != nil {
		return usage, fmt.Errorf("measure root: %w", err)
	}
	usage.DiskMB = float64(disk) / (1024 * 1024)
	return usage, nil
}

func dirSize(ctx context.Context, root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files disappear while commands run
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size, err
}

// Alive is always true: the host is the environment.
func (h *processHandle) Alive(ctx context.Context) (bool, error) {
	return true, nil
}

// Destroy kills any process group still tracked. Files are kept for the next
// environment of the project.
func (h *processHandle) Destroy(ctx context.Context) error {
	for _, pid := range h.pids() {
		if err := procutil.Kill(pid); err != nil {
			log.Debug().Err(err).Int("pid", pid).Msg("kill leftover process")
		}
		h.Untrack(pid)
	}
	return nil
}
