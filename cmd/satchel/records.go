package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/satchel-sync/satchel/internal/store"
)

var putCmd = &cobra.Command{
	Use:     "put <partition> <key> <value>",
	GroupID: "records",
	Short:   "Write a record",
	Long: `Write a record to a partition. The value is stored as JSON; a value
that is not valid JSON is stored as a JSON string.

The write commits locally and enqueues one pending change for the sync
backend before the command returns.`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		value := json.RawMessage(args[2])
		if !json.Valid(value) {
			value, _ = json.Marshal(args[2])
		}

		rec, err := env.local.PutRecord(context.Background(), args[0], args[1], value)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error writing record: %v\n", err)
			os.Exit(1)
		}

		nudgeDaemon(env.cfg)
		fmt.Printf("Stored %s/%s (timestamp %d)\n", rec.Store, rec.Key, rec.Timestamp)
	},
}

var getCmd = &cobra.Command{
	Use:     "get <partition> <key>",
	GroupID: "records",
	Short:   "Read a record",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		rec, err := env.store.Get(context.Background(), args[0], args[1])
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Error: %s/%s not found\n", args[0], args[1])
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading record: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(string(rec.Value))
	},
}

var listCmd = &cobra.Command{
	Use:     "list <partition>",
	GroupID: "records",
	Short:   "List the records in a partition",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		recs, err := env.store.GetAll(context.Background(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing records: %v\n", err)
			os.Exit(1)
		}

		for _, rec := range recs {
			fmt.Printf("%s\t%s\n", rec.Key, string(rec.Value))
		}
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <partition> <key>",
	GroupID: "records",
	Short:   "Delete a record",
	Long: `Delete a record. The delete commits locally and enqueues a tombstone
for the sync backend; deleting an absent key is a no-op.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		if err := env.local.DeleteRecord(context.Background(), args[0], args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting record: %v\n", err)
			os.Exit(1)
		}

		nudgeDaemon(env.cfg)
		fmt.Printf("Deleted %s/%s\n", args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
}
