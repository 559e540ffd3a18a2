// Package version exposes build metadata set through -ldflags.
package version

import "fmt"

var (
	// Version of the medallion binary.
	Version = "dev"
	// Commit the binary was built from.
	Commit = "unknown"
	// BuildDate of the binary, RFC 3339.
	BuildDate = "unknown"
)

// String renders the build metadata for the version command.
func String() string {
	return fmt.Sprintf("medallion %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildDate)
}
