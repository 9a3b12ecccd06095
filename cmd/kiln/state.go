package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnhq/kiln/pkg/types"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and move interpreter state",
}

var stateInfoCmd = &cobra.Command{
	Use:   "info SESSION",
	Short: "Show state metadata without fetching the blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := apiClient().StateInfo(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !info.Exists {
			fmt.Println("no state persisted for this session")
			return nil
		}
		fmt.Printf("Size:    %d bytes\n", info.Size)
		fmt.Printf("Hash:    %s\n", info.Hash)
		fmt.Printf("Tier:    %s\n", info.Source)
		fmt.Printf("Created: %s\n", info.CreatedAt.Format(time.RFC3339))
		if info.Source == types.StateTierHot && !info.ExpiresAt.IsZero() {
			fmt.Printf("Expires: %s\n", info.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var statePullCmd = &cobra.Command{
	Use:   "pull SESSION",
	Short: "Download state to a file or stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath, _ := cmd.Flags().GetString("output")

		data, err := apiClient().LoadState(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outPath == "" || outPath == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(outPath, data, 0o600); err != nil {
			return err
		}
		fmt.Printf("✓ wrote %d bytes to %s\n", len(data), outPath)
		return nil
	},
}

var statePushCmd = &cobra.Command{
	Use:   "push SESSION FILE",
	Short: "Upload a state blob for a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		info, err := apiClient().SaveState(cmd.Context(), args[0], base64.StdEncoding.EncodeToString(data))
		if err != nil {
			return err
		}
		fmt.Printf("✓ state saved (%d bytes, %s)\n", info.Size, info.Hash)
		return nil
	},
}

var stateDeleteCmd = &cobra.Command{
	Use:   "delete SESSION",
	Short: "Drop both state tiers for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteState(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ state for %s deleted\n", args[0])
		return nil
	},
}

func init() {
	statePullCmd.Flags().StringP("output", "o", "", "destination file (default stdout)")

	stateCmd.AddCommand(stateInfoCmd)
	stateCmd.AddCommand(statePullCmd)
	stateCmd.AddCommand(statePushCmd)
	stateCmd.AddCommand(stateDeleteCmd)
	rootCmd.AddCommand(stateCmd)
}
