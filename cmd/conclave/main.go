// Command conclave runs policy-governed multi-party computations.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/conclave/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
