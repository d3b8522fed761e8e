// Package buildinfo carries the version stamped into the missiond binary.
package buildinfo

import "fmt"

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build metadata for `missiond version` and startup logs.
func String() string {
	return fmt.Sprintf("missiond version=%s commit=%s date=%s", Version, Commit, Date)
}

// Labels returns the build metadata as metric labels.
func Labels() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	}
}
