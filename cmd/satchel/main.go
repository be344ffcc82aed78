package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "satchel",
	Short: "Local-first record store with background sync",
	Long: `Satchel is a local-first record store. Writes always land in the
local database first and are replayed to the configured sync backend
in the background, so every command works offline.

Backends are selected in the config file or via SATCHEL_* environment
variables: noop (sync off), relay (HTTP relay), drive (HTTP object
storage), folder (a mounted cloud-drive folder).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (default: config.yaml in the data dir)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Record commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
