// Command procvisor spawns and supervises transcoder processes.
package main

import (
	"os"

	"procvisor/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:], os.Stderr))
}
