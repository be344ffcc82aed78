package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/satchel-sync/satchel/internal/bus"
	"github.com/satchel-sync/satchel/internal/orchestrator"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Run a single sync cycle against the configured backend: download
remote changes first, then drain the pending-write queue oldest-first.
The drain halts on the first failure, leaving the remaining items
queued in order.`,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)
		adapter, err := env.adapter(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		if err := adapter.Init(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing %s backend: %v\n", adapter.ID(), err)
			os.Exit(1)
		}

		b := bus.New(logger)
		orch := orchestrator.New(env.store, env.queue, adapter, b, logger)
		orch.TriggerSync(ctx)

		status := b.Status()
		fmt.Printf("Sync state: %s\n", status.SyncState)
		if status.Message != "" {
			fmt.Printf("Message: %s\n", status.Message)
		}
		fmt.Printf("Pending: %d\n", status.Pending)

		if status.SyncState != bus.StateSynced {
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local store and queue status",
	Run: func(cmd *cobra.Command, args []string) {
		env, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		pending, err := env.queue.CountPending(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting pending writes: %v\n", err)
			os.Exit(1)
		}

		durability := "durable (sqlite)"
		if !env.store.Durable() {
			durability = "in-memory fallback (writes lost on exit)"
		}

		fmt.Printf("Device:   %s\n", env.deviceID)
		fmt.Printf("Data dir: %s\n", env.cfg.DataDir)
		fmt.Printf("Store:    %s\n", durability)
		fmt.Printf("Provider: %s\n", env.cfg.Provider)
		fmt.Printf("Pending:  %d\n", pending)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
