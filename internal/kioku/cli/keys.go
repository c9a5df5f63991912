package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Issue, list and revoke API keys",
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new API key for a user",
		Long:  "Issue a new API key. The key is printed once and cannot be recovered later.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			label, _ := cmd.Flags().GetString("label")

			a, err := opts.openAdmin(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			token, err := a.Keys().Issue(cmd.Context(), user, label)
			if err != nil {
				return err
			}
			out := map[string]string{"user_id": user, "token": token}
			return opts.print(cmd.OutOrStdout(), out, func(w io.Writer) { fmt.Fprintln(w, token) })
		},
	}
	issue.Flags().StringP("user", "u", "", "User id (required)")
	issue.Flags().StringP("label", "l", "", "Free-form label")
	issue.MarkFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List keys, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")

			a, err := opts.openAdmin(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			keys, err := a.Keys().List(cmd.Context(), user)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), keys, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PREFIX\tUSER\tCREATED\tSTATUS\tLABEL")
				for _, k := range keys {
					status := "active"
					if k.RevokedAt != nil {
						status = "revoked"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.Prefix, k.UserID, k.CreatedAt.Format("2006-01-02 15:04"), status, k.Label)
				}
				tw.Flush()
			})
		},
	}
	list.Flags().StringP("user", "u", "", "Only this user's keys")

	revoke := &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke a key by its prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openAdmin(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Keys().Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(issue, list, revoke)
	return cmd
}
