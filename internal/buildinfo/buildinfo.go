// Package buildinfo resolves the running binary's VCS revision for use in
// outbound User-Agent headers.
package buildinfo

import "runtime/debug"

// CommitRevision returns the embedded VCS revision, or "local" when the
// binary was built without one (e.g. `go run` against an uncommitted tree).
func CommitRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "local"
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return "local"
}
