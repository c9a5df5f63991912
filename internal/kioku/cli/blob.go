package cli

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kioku/internal/kioku/blob"
)

func newBlobCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Manage attachment files",
	}

	put := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a file and print its attachment id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			name, _ := cmd.Flags().GetString("name")
			mimeType, _ := cmd.Flags().GetString("type")

			path := args[0]
			if name == "" {
				name = filepath.Base(path)
			}
			if mimeType == "" {
				mimeType = mime.TypeByExtension(filepath.Ext(path))
			}
			if mimeType == "" {
				return fmt.Errorf("blob put: cannot guess the content type of %s; pass --type", path)
			}

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("blob put: %w", err)
			}
			defer f.Close()

			a, err := opts.openAdmin(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			md, err := a.Blobs().Put(cmd.Context(), blob.PutInput{
				OwnerID:  user,
				Name:     name,
				MIMEType: mimeType,
				Body:     f,
				MaxBytes: int64(a.Config().Attachments.MaxBytes),
			})
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), md, func(w io.Writer) { fmt.Fprintln(w, md.ID) })
		},
	}
	put.Flags().StringP("user", "u", "", "Owner user id (required)")
	put.Flags().String("name", "", "Display name (default: file name)")
	put.Flags().String("type", "", "MIME type (default: from the extension)")
	put.MarkFlagRequired("user")

	stat := &cobra.Command{
		Use:   "stat <id>",
		Short: "Print an attachment's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openAdmin(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			md, err := a.Blobs().Stat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), md)
		},
	}

	cmd.AddCommand(put, stat)
	return cmd
}
