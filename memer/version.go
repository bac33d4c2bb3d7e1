package memer

// Set at build time via -ldflags.
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)
