package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"go.viam.com/test"
)

// MockRunDir points RunDir at a temporary directory for the duration of the
// test and returns it.
func MockRunDir(t *testing.T) string {
	t.Helper()
	old := RunDir
	t.Cleanup(func() {
		RunDir = old
	})
	RunDir = t.TempDir()
	return RunDir
}

func MockBuildInfo(t *testing.T, version, revision string) {
	originalVersion := Version
	originalRevision := GitRevision
	t.Cleanup(func() {
		Version = originalVersion
		GitRevision = originalRevision
	})
	Version = version
	GitRevision = revision
}

var socketSeq atomic.Int64

// SocketPath returns a filesystem socket path inside a fresh temp dir.
func SocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "sock")
}

// AbstractSocketPath returns an abstract socket name unique to the test.
func AbstractSocketPath(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("@btipc_test_%d_%d", os.Getpid(), socketSeq.Add(1))
}

// OpenFDs counts the descriptors open in this process.
func OpenFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	test.That(t, err, test.ShouldBeNil)
	// includes the descriptor ReadDir holds while listing
	return len(entries)
}
