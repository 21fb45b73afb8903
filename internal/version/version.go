// Package version carries build metadata for the binary. The values are
// overridden at build time via -ldflags on the main package, which forwards
// them through Set.
package version

var (
	Version   = "0.1.0-dev"
	Commit    = "HEAD"
	BuildDate = "unknown"
)

// Set records the build metadata; both the CLI version command and the
// HTTP /version route read from this package.
func Set(version, commit, buildDate string) {
	Version = version
	Commit = commit
	BuildDate = buildDate
}
