package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilnhq/kiln/pkg/runner"
	"github.com/kilnhq/kiln/pkg/types"
)

var execCmd = &cobra.Command{
	Use:   "exec [code]",
	Short: "Run code on the cluster",
	Long: `Run code in a warm pod and print its output.

Examples:
  # One-shot snippet
  kiln exec --lang python 'print(40 + 2)'

  # Continue a session, reading code from a file
  kiln exec --lang python --session 9f1c... -f analyze.py

  # Read code from stdin, staging a local data file into the pod
  cat step.py | kiln exec --lang python --upload data.csv -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringP("lang", "l", "python", "language to run")
	execCmd.Flags().StringP("session", "s", "", "session id (a new session is created when empty)")
	execCmd.Flags().StringP("file", "f", "", "read code from a file instead of the argument")
	execCmd.Flags().Int("timeout", 0, "code timeout in seconds (0 = language default)")
	execCmd.Flags().StringArray("upload", nil, "stage a local file into the pod working dir (repeatable)")
	execCmd.Flags().Bool("json", false, "print the raw response as JSON")

	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	language, _ := cmd.Flags().GetString("lang")
	sessionID, _ := cmd.Flags().GetString("session")
	codeFile, _ := cmd.Flags().GetString("file")
	timeout, _ := cmd.Flags().GetInt("timeout")
	uploads, _ := cmd.Flags().GetStringArray("upload")
	asJSON, _ := cmd.Flags().GetBool("json")

	code, err := readCode(codeFile, args)
	if err != nil {
		return err
	}

	req := &runner.Request{
		SessionID:  sessionID,
		Code:       code,
		Language:   language,
		TimeoutSec: timeout,
	}
	for _, path := range uploads {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read upload %s: %v", path, err)
		}
		req.Files = append(req.Files, runner.RequestFile{
			Name:    filepath.Base(path),
			Content: data,
		})
	}

	resp, err := apiClient().Exec(cmd.Context(), req)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	for _, out := range resp.Execution.Outputs {
		switch out.Type {
		case types.OutputTypeStdout:
			fmt.Print(out.Content)
		case types.OutputTypeStderr:
			fmt.Fprint(os.Stderr, out.Content)
		case types.OutputTypeFile:
			fmt.Printf("✓ output file %s (%d bytes) stored at %s\n", filepath.Base(out.Content), out.Size, out.Content)
		}
	}
	if resp.NewState != nil {
		fmt.Printf("✓ state saved (%d bytes)\n", resp.NewState.Size)
	}
	for _, msg := range resp.StateErrors {
		fmt.Fprintf(os.Stderr, "warning: %s\n", msg)
	}
	fmt.Printf("session: %s  pod: %s (%s)  %dms\n",
		resp.SessionID, resp.PodName, resp.PodSource, resp.Execution.ExecutionTimeMS)

	if resp.Execution.Status != types.ExecutionStatusCompleted {
		return fmt.Errorf("execution %s (exit %d): %s",
			resp.Execution.Status, resp.Execution.ExitCode, resp.Execution.Error)
	}
	return nil
}

func readCode(codeFile string, args []string) (string, error) {
	if codeFile != "" {
		data, err := os.ReadFile(codeFile)
		if err != nil {
			return "", fmt.Errorf("read code file: %v", err)
		}
		return string(data), nil
	}
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %v", err)
		}
		return string(data), nil
	}
	if len(args) == 1 {
		return args[0], nil
	}
	return "", fmt.Errorf("no code given: pass it as an argument, via -f, or on stdin with '-'")
}
