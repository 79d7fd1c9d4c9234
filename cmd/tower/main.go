// tower is the CLI for supervising fleets of headless coding agents.
package main

import (
	"os"

	"github.com/steveyegge/tower/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
