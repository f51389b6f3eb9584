package version

// Version is the build version, overridden at link time with
// -ldflags "-X github.com/townshq/botfather/internal/version.Version=...".
var Version = "dev"
