// Command buildrun-helper runs a command on behalf of buildrun, mirroring its
// output and exit code, and terminates it when its stdin is closed.
package main

import (
	"os"

	"github.com/jmgilman/buildrun/internal/helper"
	"github.com/jmgilman/buildrun/internal/slogger"
)

func main() {
	verbosity := 0
	if os.Getenv("BUILDRUN_HELPER_DEBUG") != "" {
		verbosity = 2
	}
	logger := slogger.New(slogger.Config{
		Verbosity: verbosity,
		Output:    os.Stderr,
		Prefix:    "buildrun-helper",
	})

	os.Exit(helper.Run(os.Args[1:], helper.Config{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: logger,
	}))
}
