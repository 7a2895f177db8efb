package main

import (
	"github.com/spf13/cobra"
)

var flagConfigPath string

var rootCmd = &cobra.Command{
	Use:   "roomsync",
	Short: "Planning-poker room client",
	Long: `roomsync joins a planning-poker room and keeps the connection healthy:
it heartbeats while connected, rebuilds the channel when the server goes
quiet and tells the room when you leave.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(joinCmd)
}
