// internal/cli/version.go
package cli

// Version is the application version, intended to be set at build time:
// go build -ldflags "-X github.com/syntrik/mend/internal/cli.Version=1.2.0"
var Version = "0.1.0"
