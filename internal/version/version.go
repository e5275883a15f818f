package version

// Version is set at build time with -ldflags "-X OpenHome/Songshark-Go/internal/version.Version=..."
var Version = "dev"
