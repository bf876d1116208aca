// Package version carries build metadata for the bridge binary, stamped at
// link time via -ldflags and reported by /api/status and the -version flag.
package version

var (
	// Version is the bridge release version
	Version = "dev"
	// GitSHA is the git commit the binary was built from
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)
