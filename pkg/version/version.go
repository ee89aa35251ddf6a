package version

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// String names the binary and build for -v output and the startup log line.
func String(binary string) string {
	return binary + " version=" + Build
}
