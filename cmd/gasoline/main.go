// Command gasoline runs workers and epoxy replicas and inspects workflows.
package main

import (
	"fmt"
	"os"

	"github.com/petrijr/gasoline/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
