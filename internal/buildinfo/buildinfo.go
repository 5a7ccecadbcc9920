package buildinfo

import "fmt"

// Set with -ldflags "-X github.com/psantana5/platform-worker/internal/buildinfo.Version=..."
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build info for the version command and startup log
func String() string {
	return fmt.Sprintf("platform-worker %s (commit=%s, date=%s)", Version, Commit, Date)
}
