package sandbox

import (
	"os"
	"testing"
)

// Cgroup creation talks to the real kernel cgroup v1 hierarchy and requires
// root; these tests only run in a privileged CI/sandbox environment and
// skip everywhere else, matching the way the pgstore suites skip without a
// reachable database.
func requireRoot(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("cgroup operations require root")
	}
}

func TestNewCgroupAddAndDelete(t *testing.T) {
	requireRoot(t)

	h, err := newCgroup("identitycore-test-cgroup", DefaultLimits())
	if err != nil {
		t.Fatalf("newCgroup: %v", err)
	}
	defer func() { _ = h.delete() }()

	if err := h.addPID(os.Getpid()); err != nil {
		t.Fatalf("addPID: %v", err)
	}
	count, err := h.processCount()
	if err != nil {
		t.Fatalf("processCount: %v", err)
	}
	if count < 1 {
		t.Fatalf("processCount = %d, want at least 1", count)
	}
}

func TestNewCgroupPeakUsageReportsAfterAdd(t *testing.T) {
	requireRoot(t)

	h, err := newCgroup("identitycore-test-cgroup-usage", DefaultLimits())
	if err != nil {
		t.Fatalf("newCgroup: %v", err)
	}
	defer func() { _ = h.delete() }()

	if err := h.addPID(os.Getpid()); err != nil {
		t.Fatalf("addPID: %v", err)
	}
	if _, err := h.peakUsage(); err != nil {
		t.Fatalf("peakUsage: %v", err)
	}
}
