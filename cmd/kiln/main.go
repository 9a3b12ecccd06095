package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilnhq/kiln/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Command line client for the kiln daemon",
	Long: `kiln talks to a running kilnd: execute code, manage sessions and their
files, and inspect persisted interpreter state.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Kiln version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	defaultServer := os.Getenv("KILN_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8000"
	}
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", defaultServer,
		"kiln API address (env KILN_SERVER)")
}

func apiClient() *client.Client {
	return client.New(serverAddr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
