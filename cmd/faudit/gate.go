package main

import (
	"fmt"
	"os"

	fileaudit "github.com/mattkeenan/fileaudit/pkg"
	"github.com/spf13/cobra"
)

// gateCmd is exec'd by run: it waits until its pid is registered, then becomes the command
var gateCmd = &cobra.Command{
	Use:                fileaudit.GateCommand + " -- command [args...]",
	Hidden:             true,
	DisableFlagParsing: true,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) > 0 && args[0] == "--" {
			args = args[1:]
		}
		err := fileaudit.RunGate(args)
		fmt.Fprintf(os.Stderr, "faudit: %v\n", err)
		os.Exit(127)
	},
}

func init() {
	rootCmd.AddCommand(gateCmd)
}
