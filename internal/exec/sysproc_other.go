//go:build !windows

package exec

import (
	"os"
	osexec "os/exec"
	"syscall"
)

// configureCmd is a no-op: there is no console window to hide and POSIX
// command lines are always built from argv.
func configureCmd(_ *osexec.Cmd, _ launchPlan) {}

func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
