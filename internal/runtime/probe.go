package runtime

import (
	"errors"
	"fmt"
	"os/exec"
	goruntime "runtime"
	"strings"
)

// ErrCapabilityUnavailable indicates the surrounding environment cannot host
// a sandboxed runtime. It is fatal and user-facing; callers must refuse to
// boot rather than attempt and fail later.
var ErrCapabilityUnavailable = errors.New("runtime capability unavailable")

// Capability captures which runtime prerequisites are present.
type Capability struct {
	OSSupported bool
	Install     bool
	Dev         bool
}

// Probe validates that the environment can host a workspace runtime: a
// supported platform plus the configured install and dev-server commands on
// PATH. Failures wrap ErrCapabilityUnavailable.
func Probe(installCommand, devCommand string) (Capability, error) {
	return probe(installCommand, devCommand, goruntime.GOOS, exec.LookPath)
}

func probe(
	installCommand string,
	devCommand string,
	goos string,
	lookPath func(file string) (string, error),
) (Capability, error) {
	if lookPath == nil {
		return Capability{}, errors.New("lookPath function is required")
	}

	capability := Capability{
		OSSupported: goos == "linux" || goos == "darwin",
		Install:     toolAvailable(lookPath, installCommand),
		Dev:         toolAvailable(lookPath, devCommand),
	}

	if !capability.OSSupported {
		return capability, fmt.Errorf("%w: platform %s lacks process isolation support", ErrCapabilityUnavailable, goos)
	}
	if !capability.Install {
		return capability, fmt.Errorf("%w: install command %q not found on PATH", ErrCapabilityUnavailable, installCommand)
	}
	if !capability.Dev {
		return capability, fmt.Errorf("%w: dev command %q not found on PATH", ErrCapabilityUnavailable, devCommand)
	}
	return capability, nil
}

func toolAvailable(lookPath func(file string) (string, error), binary string) bool {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return false
	}
	_, err := lookPath(binary)
	return err == nil
}
