// Command settle runs coordination scenarios on a virtual clock and
// inspects recorded runs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/settle/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
