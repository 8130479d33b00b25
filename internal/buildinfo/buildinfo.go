// Package buildinfo exposes compile-time metadata of the merchantauth binary.
package buildinfo

// The following variables are overridden via ldflags during release builds.
// Defaults cover local development builds.
var (
	// Version is the semantic version or git describe output of the binary.
	Version = "dev"

	// Commit is the git commit SHA baked into the binary.
	Commit = "none"

	// BuildDate records when the binary was built in UTC.
	BuildDate = "unknown"
)

// UserAgent is sent on every merchant API request.
func UserAgent() string {
	return "merchantauth/" + Version
}
