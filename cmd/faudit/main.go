package main

import (
	"fmt"
	"os"
	"runtime"

	fileaudit "github.com/mattkeenan/fileaudit/pkg"
	"github.com/spf13/cobra"
)

// Build-time variables (set via -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	verboseCount int
	debugFlags   string
)

var rootCmd = &cobra.Command{
	Use:   "faudit",
	Short: "faudit - record the files a command and its children read and write",
	Long: `faudit runs a command as an observed process tree and records every close of a
regular file inside the configured directories into a compact binary log.

Written and read files are filtered independently. Read files matching the script
filter can be captured in full.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("faudit %s\n", Version)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verboseCount, "verbose", "v", "Increase verbosity (repeatable)")
	rootCmd.PersistentFlags().StringVar(&debugFlags, "debug", "", "Comma-separated debug flags (queue,cache,consumer,registry,writer,source)")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("faudit {{.Version}}\n")
	rootCmd.AddCommand(versionCmd)
}

// setupLogging applies the verbosity flags before any subcommand runs
func setupLogging(cmd *cobra.Command, args []string) error {
	if verboseCount > 0 {
		fileaudit.SetVerboseLevel(verboseCount)
	}
	if debugFlags != "" {
		fileaudit.SetDebugFlags(debugFlags)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
