package common

// Version information (set via -ldflags during build)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// GetVersion returns the current version string. Bundled toolkit records
// are seeded with this value so an upgrade re-stamps them.
func GetVersion() string {
	return Version
}
