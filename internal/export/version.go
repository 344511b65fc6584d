package export

// Build metadata, overridden with -ldflags at release time.
var (
	Version = "dev"
	GitSHA  = "unknown"
)
