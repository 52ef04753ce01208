//go:build !unix

package exec

import "os"

func exitStatus(state *os.ProcessState) int {
	return state.ExitCode()
}
