// Command vb is the CLI front end for the virtual-branch sync core,
// following the teacher's cmd/bd layout: one file per command, a
// package-level `var xCmd = &cobra.Command{}` registered against
// rootCmd from that file's own init(), and a thin main (in this file)
// that just calls Execute.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// repoPath is the --repo flag shared by every subcommand; it
	// defaults to the current directory, matching bd's implicit
	// "run from inside the repo" convention.
	repoPath string

	// logFile optionally enables rotating file logging (internal/vlog)
	// alongside the always-on stderr handler.
	logFile string
)

var rootCmd = &cobra.Command{
	Use:           "vb",
	Short:         "Sync commits grouped by tag into short-lived virtual branches",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", ".", "path to the git repository")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "path to a rotating JSON log file (stderr logging always happens)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
