package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kioku/internal/kioku/app"
	"github.com/bdobrica/Kioku/internal/kioku/coordinator"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

func newThreadCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Inspect and manage threads",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List threads, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCoordinator(cmd, opts, func(c *coordinator.Coordinator, token string) error {
				threads, err := c.ListThreads(cmd.Context(), token)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), threads, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tTURNS\tSTATUS\tUPDATED\tTITLE")
					for _, th := range threads {
						fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", th.ID, len(th.Turns), th.Status, th.UpdatedAt.Format("2006-01-02 15:04"), th.Title)
					}
					tw.Flush()
				})
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Print a thread's summary and turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, opts, func(c *coordinator.Coordinator, token string) error {
				th, err := c.GetThreadSnapshot(cmd.Context(), token, args[0])
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), th, func(w io.Writer) { printTranscript(w, th) })
			})
		},
	}

	archive := &cobra.Command{
		Use:   "archive <thread-id>",
		Short: "Archive a thread so it accepts no new turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unarchive, _ := cmd.Flags().GetBool("undo")
			archived := !unarchive
			return updateThread(cmd, opts, args[0], coordinator.ThreadUpdate{Archived: &archived})
		},
	}
	archive.Flags().Bool("undo", false, "Reactivate an archived thread")

	rename := &cobra.Command{
		Use:   "rename <thread-id> <title>",
		Short: "Change a thread's title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := args[1]
			return updateThread(cmd, opts, args[0], coordinator.ThreadUpdate{Title: &title})
		},
	}

	for _, sub := range []*cobra.Command{list, show, archive, rename} {
		addIdentityFlags(sub)
		cmd.AddCommand(sub)
	}
	return cmd
}

func updateThread(cmd *cobra.Command, opts *rootOptions, id string, u coordinator.ThreadUpdate) error {
	return withCoordinator(cmd, opts, func(c *coordinator.Coordinator, token string) error {
		th, err := c.UpdateThread(cmd.Context(), token, id, u)
		if err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), th, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s %q\n", th.ID, th.Status, th.Title)
		})
	})
}

func withCoordinator(cmd *cobra.Command, opts *rootOptions, fn func(*coordinator.Coordinator, string) error) error {
	authz, token, err := identity(cmd)
	if err != nil {
		return err
	}
	// Thread commands never call the model.
	a, err := opts.open(cmd, app.Options{Authorizer: authz, Provider: llm.Echo{}})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a.Coordinator(), token)
}

func printTranscript(w io.Writer, th *thread.Thread) {
	fmt.Fprintf(w, "thread %s %q (%s, version %d)\n", th.ID, th.Title, th.Status, th.Version)
	if th.Summary.Text != "" {
		fmt.Fprintf(w, "\nsummary through turn %d:\n%s\n", th.Summary.HighWaterMark, th.Summary.Text)
	}
	fmt.Fprintln(w)
	for _, t := range th.Turns {
		marker := ""
		if t.Seq <= th.Summary.HighWaterMark {
			marker = " (summarised)"
		}
		switch {
		case t.Role == thread.RoleAssistant && t.Outcome != thread.OutcomeSuccess:
			fmt.Fprintf(w, "#%d %s [%s %s]%s: %s\n", t.Seq, t.Role, t.Outcome, t.Reason, marker, t.Text())
		default:
			fmt.Fprintf(w, "#%d %s%s: %s\n", t.Seq, t.Role, marker, t.Text())
		}
		for _, ref := range t.Attachments() {
			fmt.Fprintf(w, "    attachment %s %s %d bytes %s\n", ref.ID, ref.MIMEType, ref.Size, ref.Name)
		}
	}
}
