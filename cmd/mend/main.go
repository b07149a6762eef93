// cmd/mend/main.go
package main

import (
	"github.com/syntrik/mend/internal/cli"
)

// main is the entry point for the mend CLI. All command-line parsing,
// configuration loading and execution live in the cli package.
func main() {
	cli.Execute()
}
