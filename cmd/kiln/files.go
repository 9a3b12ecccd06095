package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage session files",
}

var filesListCmd = &cobra.Command{
	Use:   "list SESSION",
	Short: "List files indexed on a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := apiClient().ListFiles(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILENAME\tSIZE\tTYPE\tCREATED")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				f.ID, f.Filename, f.Size, f.ContentType,
				f.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var filesPresignCmd = &cobra.Command{
	Use:   "presign SESSION FILENAME",
	Short: "Mint an upload URL and register the file on the session",
	Long: `Mint a time-limited PUT URL for a new session file. Push the bytes with
any HTTP client, for example:

  url=$(kiln files presign 9f1c... data.csv --content-type text/csv | tail -1)
  curl -X PUT --data-binary @data.csv "$url"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		contentType, _ := cmd.Flags().GetString("content-type")
		size, _ := cmd.Flags().GetInt64("size")

		p, err := apiClient().PresignUpload(cmd.Context(), args[0], args[1], contentType, size)
		if err != nil {
			return err
		}
		fmt.Printf("✓ file %s registered (expires %s)\n", p.FileID, p.ExpiresAt.Format(time.RFC3339))
		fmt.Println(p.URL)
		return nil
	},
}

var filesURLCmd = &cobra.Command{
	Use:   "url SESSION FILE_ID",
	Short: "Mint a download URL for a session file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient().PresignDownload(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(p.URL)
		return nil
	},
}

func init() {
	filesPresignCmd.Flags().String("content-type", "", "MIME type recorded for the file")
	filesPresignCmd.Flags().Int64("size", 0, "declared size in bytes")

	filesCmd.AddCommand(filesListCmd)
	filesCmd.AddCommand(filesPresignCmd)
	filesCmd.AddCommand(filesURLCmd)
	rootCmd.AddCommand(filesCmd)
}
