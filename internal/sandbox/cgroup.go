package sandbox

import (
	"fmt"
	"syscall"

	"github.com/containerd/cgroups/cgroup1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// cgroupHandle wraps a cgroup1.Cgroup with the kill-on-close and
// peak-usage-reporting behavior spec.md §4.7's Cleanup clause requires.
type cgroupHandle struct {
	cg   cgroup1.Cgroup
	path string
}

const cpuPeriodMicros uint64 = 100000

func newCgroup(name string, limits Limits) (*cgroupHandle, error) {
	path := "/" + name
	memLimit := limits.MemoryBytes
	quota := int64(float64(cpuPeriodMicros) * limits.CPUPercent / 100)
	period := cpuPeriodMicros
	pids := limits.MaxProcesses

	resources := &specs.LinuxResources{
		Memory: &specs.LinuxMemory{Limit: &memLimit},
		CPU:    &specs.LinuxCPU{Quota: &quota, Period: &period},
		Pids:   &specs.LinuxPids{Limit: pids},
	}

	cg, err := cgroup1.New(cgroup1.StaticPath(path), resources)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create cgroup %s: %w", path, err)
	}
	return &cgroupHandle{cg: cg, path: path}, nil
}

func (h *cgroupHandle) addPID(pid int) error {
	if err := h.cg.Add(cgroup1.Process{Pid: pid}); err != nil {
		return fmt.Errorf("sandbox: add pid %d to cgroup %s: %w", pid, h.path, err)
	}
	return nil
}

// usage is the peak resource usage summary logged on cleanup.
type usage struct {
	MemoryBytes uint64
	Processes   int
}

func (h *cgroupHandle) peakUsage() (usage, error) {
	stats, err := h.cg.Stat(cgroup1.IgnoreNotExist)
	if err != nil {
		return usage{}, err
	}
	u := usage{}
	if stats.Memory != nil && stats.Memory.Usage != nil {
		u.MemoryBytes = stats.Memory.Usage.Max
	}
	if stats.Pids != nil {
		u.Processes = int(stats.Pids.Current)
	}
	return u, nil
}

// processCount reports the number of tasks currently in the cgroup. The
// watchdog does not call it; its process-count check counts the child's
// descendants through gopsutil instead.
func (h *cgroupHandle) processCount() (int, error) {
	procs, err := h.cg.Processes(cgroup1.Devices, true)
	if err != nil {
		return 0, err
	}
	return len(procs), nil
}

// killAll sends SIGKILL to every process still resident in the cgroup —
// spec.md §4.7's "kill on container close".
func (h *cgroupHandle) killAll() error {
	procs, err := h.cg.Processes(cgroup1.Devices, true)
	if err != nil {
		return err
	}
	for _, p := range procs {
		_ = syscall.Kill(p.Pid, syscall.SIGKILL)
	}
	return nil
}

func (h *cgroupHandle) delete() error {
	return h.cg.Delete()
}
