// Command laneway runs coding agents in parallel lanes of one repository.
package main

import (
	"os"

	"github.com/Iron-Ham/laneway/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
