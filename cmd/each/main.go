package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "each",
	Short: "Run a command once per file or line, in parallel",
	Long: `each drives up to P independent child processes across the files in a
directory (or the lines of a file), recording each item's stdout,
stderr, and exit status under a destination directory so a batch can be
resumed or inspected after the fact.`,
}

func init() {
	rootCmd.Version = version
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(queryCmd)
}
