//go:build windows

package exec

import (
	"os"
	osexec "os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// configureCmd creates the child without a visible console window and, for
// shell lines, hands cmd.exe the command line unquoted.
func configureCmd(cmd *osexec.Cmd, plan launchPlan) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
		CmdLine:       plan.cmdLine,
	}
}

// terminate has no gentler option than TerminateProcess on Windows; the
// helper handshake exists for callers that need one.
func terminate(p *os.Process) error {
	return p.Kill()
}
