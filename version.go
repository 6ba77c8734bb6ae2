package stanchion

import (
	"fmt"
	"runtime"
)

// Build metadata. Version follows semver; the rest is populated through
// -ldflags at release time and stays "unknown" for plain builds.
var (
	Version   = "v0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = runtime.Version()
)

// GetVersion returns a single-line version string suitable for banners.
func GetVersion() string {
	return fmt.Sprintf("Stanchion %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, GoVersion)
}

// GetVersionInfo returns the build metadata as key-value pairs for
// structured logs.
func GetVersionInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
		"go_version": GoVersion,
	}
}
