package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Realtime collaborative room server",
	Long:  "Ensemble hosts named realtime channels with shared crowns, chat and timed event relay over websockets.",
}

// Execute runs the CLI. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
