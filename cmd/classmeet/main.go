// Command classmeet joins a classroom meeting through the signaling relay and
// keeps one WebRTC link per remote participant. Local media is a set of
// sample tracks the CLI feeds itself. An interactive menu drives hand raising,
// screen sharing and muting.
package main

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/classmeet/internal/util"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "classmeet",
	Short:   "Join a classroom meeting from the terminal",
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagDebug {
			util.EnableDebug()
		}
	},
}

var flagDebug bool

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(joinCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}
