// Package version provides version information for the relay.
package version

// These variables are set at build time via ldflags.
var (
	// Version is the semantic version of the relay binary.
	Version = "0.1.0-dev"

	// Commit is the git commit hash.
	Commit = "unknown"

	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)
