// Command buildrun runs build commands and streams their output.
package main

import (
	"os"

	"github.com/jmgilman/buildrun/internal/cmd"
)

func main() {
	os.Exit(cmd.Main())
}
