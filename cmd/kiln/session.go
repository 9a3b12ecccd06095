package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnhq/kiln/pkg/client"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID, _ := cmd.Flags().GetString("entity")
		ttl, _ := cmd.Flags().GetInt("ttl")

		sess, err := apiClient().CreateSession(cmd.Context(), client.CreateSessionOptions{
			EntityID: entityID,
			TTLSec:   ttl,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ session %s created (expires %s)\n", sess.ID, sess.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var sessionGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := apiClient().GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:            %s\n", sess.ID)
		fmt.Printf("Status:        %s\n", sess.Status)
		if sess.EntityID != "" {
			fmt.Printf("Entity:        %s\n", sess.EntityID)
		}
		fmt.Printf("Working dir:   %s\n", sess.WorkingDir)
		fmt.Printf("Created:       %s\n", sess.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Last activity: %s\n", sess.LastActivity.Format(time.RFC3339))
		fmt.Printf("Expires:       %s\n", sess.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID, _ := cmd.Flags().GetString("entity")
		limit, _ := cmd.Flags().GetInt("limit")

		sessions, err := apiClient().ListSessions(cmd.Context(), entityID, limit, 0)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tENTITY\tLAST ACTIVITY\tEXPIRES")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.Status, s.EntityID,
				s.LastActivity.Format(time.RFC3339),
				s.ExpiresAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a session and its state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ session %s deleted\n", args[0])
		return nil
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history ID",
	Short: "List recent executions for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		execs, err := apiClient().ListExecutions(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tLANG\tEXIT\tDURATION\tCREATED")
		for _, e := range execs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dms\t%s\n",
				e.ID, e.Status, e.Language, e.ExitCode, e.ExecutionTimeMS,
				e.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	sessionCreateCmd.Flags().String("entity", "", "owning entity id")
	sessionCreateCmd.Flags().Int("ttl", 0, "session ttl in seconds (0 = server default)")
	sessionListCmd.Flags().String("entity", "", "filter by entity id")
	sessionListCmd.Flags().Int("limit", 50, "max sessions to list")
	sessionHistoryCmd.Flags().Int("limit", 20, "max executions to list")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
	rootCmd.AddCommand(sessionCmd)
}
