// Package version provides build-time version information for buildrun.
// Release builds stamp these through ldflags:
//
//	go build -ldflags "-X github.com/jmgilman/buildrun/internal/version.Version=v0.3.0 \
//	                   -X github.com/jmgilman/buildrun/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/jmgilman/buildrun/internal/version.Date=$(date -u +%Y-%m-%d)" ./cmd/buildrun
package version

import "fmt"

var (
	// Version is the semantic version of the build.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO 8601 format.
	Date = "unknown"
)

// String renders the multi-line banner printed by `buildrun version`.
func String(program string) string {
	return fmt.Sprintf("%s %s\n  commit: %s\n  built:  %s\n", program, Version, Commit, Date)
}
