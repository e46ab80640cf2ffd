// Package sandbox is the Process Sandbox Executor of spec.md §4.7: runs a
// single untrusted command under hard CPU, memory, process-count, and
// wall-clock bounds, with a watchdog that forcibly reaps on breach.
//
// The original implementation (original_source/executor-rs/src/
// windows_executor.rs) isolates with a Windows Job Object and launches
// CREATE_SUSPENDED → assign to job → lower integrity → resume. This
// package re-architects that sequence for Linux per SPEC_FULL.md §4.7 and
// §9: the job/cgroup-equivalent container is a cgroup (containerd/cgroups,
// opencontainers/runtime-spec resource limits); suspended launch is
// emulated with os/exec + SIGSTOP/SIGCONT around adding the child to its
// cgroup; lowered privilege maps to a dedicated unprivileged
// syscall.Credential when the caller runs as root.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/trustfabric/identitycore/infrastructure/errors"
	"github.com/trustfabric/identitycore/infrastructure/logging"
	"github.com/trustfabric/identitycore/internal/audit"
	"github.com/trustfabric/identitycore/internal/coreerr"
)

// Sandbox exit code contract (spec.md §6).
const (
	ExitResourceBreach = 888
	ExitTimeout        = 999
	ExitLaunchFailure  = -1
)

// Limits are the hard caps enforced on a single run. Zero fields fall back
// to DefaultLimits' values.
type Limits struct {
	MemoryBytes  int64         // M
	CPUPercent   float64       // C, percent of one core
	MaxProcesses int64         // P
	WallTimeout  time.Duration // T
}

// DefaultLimits returns spec.md §4.7's defaults: M=512MiB, C=50%, P=5,
// T=10000ms.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes:  512 * 1024 * 1024,
		CPUPercent:   50,
		MaxProcesses: 5,
		WallTimeout:  10 * time.Second,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.CPUPercent <= 0 {
		l.CPUPercent = d.CPUPercent
	}
	if l.MaxProcesses <= 0 {
		l.MaxProcesses = d.MaxProcesses
	}
	if l.WallTimeout <= 0 {
		l.WallTimeout = d.WallTimeout
	}
	return l
}

// Result is the outcome of a sandboxed run (spec.md §4.7's Output
// capture).
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs commands under the limits above. Credential, when set, is
// applied to the child process so it runs with lowered privilege; leave nil
// when the host process is already unprivileged.
type Executor struct {
	sandboxRoot string
	credential  *syscall.Credential
	audit       *audit.Sink
	logger      *logging.Logger
}

// NewExecutor constructs an Executor rooted at sandboxRoot, created if
// absent on first Run.
func NewExecutor(sandboxRoot string, credential *syscall.Credential, auditSink *audit.Sink, logger *logging.Logger) *Executor {
	return &Executor{sandboxRoot: sandboxRoot, credential: credential, audit: auditSink, logger: logger}
}

// Run implements spec.md §4.7's full startup/supervision/cleanup sequence.
func (e *Executor) Run(ctx context.Context, command string, args []string, env map[string]string, limits Limits) (*Result, error) {
	limits = limits.withDefaults()

	if err := os.MkdirAll(e.sandboxRoot, 0o700); err != nil {
		return nil, coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "sandbox: create sandbox root", 500, err)
	}
	runID := uuid.NewString()
	workDir := filepath.Join(e.sandboxRoot, "run-"+runID)
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "sandbox: create run directory", 500, err)
	}
	defer e.cleanupWorkDir(ctx, workDir)

	group, err := newCgroup("identitycore-sandbox-"+runID, limits)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "sandbox: create cgroup", 500, err)
	}
	defer e.cleanupCgroup(ctx, group)

	cmd := exec.Command(command, args...)
	cmd.Dir = workDir
	cmd.Env = buildEnv(env, workDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if e.credential != nil {
		cmd.SysProcAttr.Credential = e.credential
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		e.logAudit(ctx, command, ExitLaunchFailure, false)
		return nil, coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "sandbox: launch child process", 500, err)
	}
	pid := cmd.Process.Pid

	// Launch suspended, assign to the cgroup, then resume — spec.md
	// §4.7's startup sequence step 4.
	if err := cmd.Process.Signal(syscall.SIGSTOP); err != nil {
		_ = cmd.Process.Kill()
		return nil, coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "sandbox: suspend child process", 500, err)
	}
	if err := group.addPID(pid); err != nil {
		_ = cmd.Process.Kill()
		return nil, coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "sandbox: assign child to cgroup", 500, err)
	}
	if err := cmd.Process.Signal(syscall.SIGCONT); err != nil {
		_ = cmd.Process.Kill()
		return nil, coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeInternal, "sandbox: resume child process", 500, err)
	}

	wd := newWatchdog(pid, limits, e.logger)
	breach := wd.start()
	defer wd.stop()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	exitCode, err := waitForCompletion(cmd, waitErr, breach)
	if err != nil {
		return nil, err
	}

	e.logAudit(ctx, command, exitCode, exitCode == 0)
	return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// waitForCompletion races the child's natural exit against a watchdog
// breach, killing the child's process group on breach per spec.md §4.7's
// Supervision clause.
func waitForCompletion(cmd *exec.Cmd, waitErr <-chan error, breach <-chan int) (int, error) {
	select {
	case err := <-waitErr:
		return exitCodeOf(err), nil
	case code := <-breach:
		if pgid, pgErr := syscall.Getpgid(cmd.Process.Pid); pgErr == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = cmd.Process.Kill()
		}
		<-waitErr // reap
		return code, nil
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	return ExitLaunchFailure
}

// buildEnv overrides PATH to prepend workDir per spec.md §4.7's
// custom-environment-block requirement.
func buildEnv(env map[string]string, workDir string) []string {
	out := make([]string, 0, len(env)+len(os.Environ()))
	path := os.Getenv("PATH")
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "PATH=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, fmt.Sprintf("PATH=%s%c%s", workDir, os.PathListSeparator, path))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (e *Executor) cleanupWorkDir(ctx context.Context, workDir string) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "script_") {
			_ = os.Remove(filepath.Join(workDir, entry.Name()))
		}
	}
	if err := os.RemoveAll(workDir); err != nil && e.logger != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("sandbox: failed to remove run directory")
	}
}

func (e *Executor) cleanupCgroup(ctx context.Context, group *cgroupHandle) {
	peak, err := group.peakUsage()
	if err == nil && e.logger != nil {
		e.logger.Info(ctx, "sandbox: final resource usage", map[string]interface{}{
			"peak_memory_bytes": peak.MemoryBytes, "peak_processes": peak.Processes,
		})
	}
	if err := group.killAll(); err != nil && e.logger != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("sandbox: failed to kill surviving cgroup processes")
	}
	if err := group.delete(); err != nil && e.logger != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("sandbox: failed to delete cgroup")
	}
}

func (e *Executor) logAudit(ctx context.Context, command string, exitCode int, success bool) {
	outcome := audit.OutcomeSuccess
	if !success {
		outcome = audit.OutcomeFailure
	}
	e.audit.Log(ctx, audit.Event{
		EventType: audit.EventSandboxExecution, Outcome: outcome,
		Action: "execute_sandboxed", Resource: command,
		Metadata: map[string]string{"exit_code": fmt.Sprintf("%d", exitCode)},
	})
}
