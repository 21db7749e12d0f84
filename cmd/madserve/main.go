// Command madserve serves image-forensics analysis over HTTP, backed by a
// long-lived Python worker.
package main

import (
	"os"

	"github.com/madvault/madserve/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
