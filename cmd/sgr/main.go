// Command sgr is the CLI surface of the splitgraph engine: init, commit,
// checkout, uncheckout, diff, import, push, pull, clone, publish, tag and
// delete, each a thin wrapper over the internal engine packages.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sgr: %v\n", err)
		os.Exit(exitCode(err))
	}
}
