// Package utils contains configuration and process helpers shared by the
// tester and bridge binaries.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nightlyone/lockfile"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

var (
	// versions embedded at build time.
	Version     = ""
	GitRevision = ""

	// RunDir holds pid files.
	RunDir = "/run/btipc"
)

// GetVersion returns the version embedded at build time.
func GetVersion() string {
	if Version == "" {
		return "custom"
	}
	return Version
}

// GetRevision returns the git revision embedded at build time.
func GetRevision() string {
	if GitRevision == "" {
		return "unknown"
	}
	return GitRevision
}

// GetLock takes the single-instance lock for the named binary. A lock left
// behind by a dead process, or by a reused PID that belongs to some other
// program, is removed and retaken.
func GetLock(logger logging.Logger, name string) (lockfile.Lockfile, error) {
	//nolint:gosec
	if err := os.MkdirAll(RunDir, 0o755); err != nil {
		return "", errw.Wrapf(err, "creating %s", RunDir)
	}
	pidFile, err := lockfile.New(filepath.Join(RunDir, name+".pid"))
	if err != nil {
		return "", errw.Wrap(err, "init lockfile")
	}
	err = pidFile.TryLock()
	if err == nil {
		return pidFile, nil
	}

	logger.Warn(errw.Wrapf(err, "locking %s", pidFile))

	// if it's a potentially temporary error, retry
	if errw.Is(err, lockfile.ErrBusy) || errw.Is(err, lockfile.ErrNotExist) {
		time.Sleep(2 * time.Second)
		logger.Warn("retrying lock")
		err = pidFile.TryLock()
		if err == nil {
			return pidFile, nil
		}

		// PIDs get reused after a reboot, so check the owner is really us
		if errw.Is(err, lockfile.ErrBusy) {
			var staleFile bool
			proc, err := pidFile.GetOwner()
			if err != nil {
				logger.Error(errw.Wrap(err, "getting lockfile owner"))
				staleFile = true
			} else {
				runPath, err := filepath.EvalSymlinks(fmt.Sprintf("/proc/%d/exe", proc.Pid))
				if err != nil {
					logger.Error(errw.Wrap(err, "cannot get info on lockfile owner"))
					staleFile = true
				} else if !strings.Contains(runPath, name) {
					logger.Warnf("lockfile owner isn't %s", name)
					staleFile = true
				}
				if !staleFile {
					return "", errw.Errorf("other instance of %s is already running with PID: %d", name, proc.Pid)
				}
			}
			logger.Warnf("deleting lockfile %s", pidFile)
			if err := os.RemoveAll(string(pidFile)); err != nil {
				return "", errw.Wrap(err, "removing lockfile")
			}
			return pidFile, pidFile.TryLock()
		}
	}
	return "", err
}
