package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/satchel-sync/satchel/internal/provider"
)

var providerCmd = &cobra.Command{
	Use:     "provider",
	GroupID: "sync",
	Short:   "Manage the sync backend session",
}

var signInCmd = &cobra.Command{
	Use:   "sign-in",
	Short: "Sign in to the configured backend",
	Long: `Establish a session with the configured backend. Backends that need
a credential and have none in the config prompt for it; the credential
is stored locally for later runs.`,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		ctx := context.Background()

		if needsToken(env) {
			token, err := promptToken(env.cfg.Provider)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading token: %v\n", err)
				os.Exit(1)
			}
			if err := env.saveToken(ctx, token); err != nil {
				fmt.Fprintf(os.Stderr, "Error storing token: %v\n", err)
				os.Exit(1)
			}
		}

		adapter, err := env.adapter(log.New(os.Stderr, "[provider] ", log.LstdFlags))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := adapter.SignIn(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error signing in to %s: %v\n", adapter.ID(), err)
			os.Exit(1)
		}

		fmt.Printf("Signed in to %s\n", adapter.ID())
	},
}

var signOutCmd = &cobra.Command{
	Use:   "sign-out",
	Short: "Sign out of the configured backend",
	Long: `Tear down the backend session and discard the stored credential.
Local records and the pending-write queue are untouched; queued items
sync again after the next sign-in.`,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		ctx := context.Background()

		adapter, err := env.adapter(log.New(os.Stderr, "[provider] ", log.LstdFlags))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := adapter.SignOut(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error signing out: %v\n", err)
			os.Exit(1)
		}
		if err := env.store.DeleteSetting(ctx, tokenKey); err != nil {
			fmt.Fprintf(os.Stderr, "Error discarding token: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Signed out of %s\n", adapter.ID())
	},
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink",
	Short: "Remove this device from the backend's shared data",
	Long: `Remove this device's marker from the backend's shared account data.
Other devices' data stays intact. Only blob-oriented backends (drive,
folder) support unlinking.`,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		ctx := context.Background()

		adapter, err := env.adapter(log.New(os.Stderr, "[provider] ", log.LstdFlags))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		blob, ok := adapter.(provider.BlobAdapter)
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: the %s backend does not support unlinking\n", adapter.ID())
			os.Exit(1)
		}

		if err := blob.SignIn(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error signing in to %s: %v\n", adapter.ID(), err)
			os.Exit(1)
		}
		if err := blob.Unlink(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error unlinking device: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Unlinked device %s from %s\n", env.deviceID, adapter.ID())
	},
}

// needsToken reports whether the configured backend wants a credential
// that neither the config nor the settings store provides.
func needsToken(env *appEnv) bool {
	switch env.cfg.Provider {
	case "relay":
		return env.cfg.Relay.Token == "" && env.storedToken() == ""
	case "drive":
		return env.cfg.Drive.Token == "" && env.storedToken() == ""
	}
	return false
}

func promptToken(providerName string) (string, error) {
	fmt.Printf("Token for %s: ", providerName)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func init() {
	providerCmd.AddCommand(signInCmd)
	providerCmd.AddCommand(signOutCmd)
	providerCmd.AddCommand(unlinkCmd)
	rootCmd.AddCommand(providerCmd)
}
