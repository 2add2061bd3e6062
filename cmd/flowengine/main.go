// Command flowengine loads a workflow graph, runs it, and streams its
// event envelopes to stdout as newline-delimited JSON.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flowengine",
	Short: "Run and inspect workflow execution graphs",
}

func main() {
	rootCmd.AddCommand(runCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
