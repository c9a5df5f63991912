package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kioku/internal/kioku/coordinator"
	"github.com/bdobrica/Kioku/internal/kioku/memories"
)

func newMemoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Remember, search and forget notes outside threads",
	}

	add := &cobra.Command{
		Use:   "add <content>...",
		Short: "Remember a note and print its id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tags, _ := cmd.Flags().GetStringSlice("tag")
			meta, _ := cmd.Flags().GetStringToString("meta")
			return withCoordinator(cmd, opts, func(c *coordinator.Coordinator, token string) error {
				e, err := c.CreateMemory(cmd.Context(), token, memories.CreateInput{
					Content:  strings.Join(args, " "),
					Tags:     tags,
					Metadata: meta,
				})
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), e, func(w io.Writer) { fmt.Fprintln(w, e.ID) })
			})
		},
	}
	add.Flags().StringSliceP("tag", "t", nil, "Tag (repeatable or comma separated)")
	add.Flags().StringToString("meta", nil, "Metadata as key=value pairs")

	list := &cobra.Command{
		Use:   "list",
		Short: "List notes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return withCoordinator(cmd, opts, func(c *coordinator.Coordinator, token string) error {
				page, err := c.ListMemories(cmd.Context(), token, limit, offset)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), page, func(w io.Writer) {
					printMemories(w, page.Entries)
					fmt.Fprintf(w, "%d of %d\n", len(page.Entries), page.Total)
				})
			})
		},
	}
	list.Flags().Int("limit", memories.DefaultListLimit, "Page size")
	list.Flags().Int("offset", 0, "Entries to skip")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, opts, func(c *coordinator.Coordinator, token string) error {
				e, err := c.GetMemory(cmd.Context(), token, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}

	search := &cobra.Command{
		Use:   "search <text>...",
		Short: "Find notes containing text, optionally filtered by tag",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tags, _ := cmd.Flags().GetStringSlice("tag")
			limit, _ := cmd.Flags().GetInt("limit")
			return withCoordinator(cmd, opts, func(c *coordinator.Coordinator, token string) error {
				found, err := c.QueryMemories(cmd.Context(), token, memories.Query{
					Text:  strings.Join(args, " "),
					Tags:  tags,
					Limit: limit,
				})
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), found, func(w io.Writer) { printMemories(w, found) })
			})
		},
	}
	search.Flags().StringSliceP("tag", "t", nil, "Match any of these tags")
	search.Flags().Int("limit", memories.DefaultQueryLimit, "Maximum results")

	forget := &cobra.Command{
		Use:   "forget <id>",
		Short: "Delete a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, opts, func(c *coordinator.Coordinator, token string) error {
				if err := c.DeleteMemory(cmd.Context(), token, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", args[0])
				return nil
			})
		},
	}

	for _, sub := range []*cobra.Command{add, list, show, search, forget} {
		addIdentityFlags(sub)
		cmd.AddCommand(sub)
	}
	return cmd
}

func printMemories(w io.Writer, entries []*memories.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tTAGS\tCONTENT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.CreatedAt.Format("2006-01-02 15:04"), strings.Join(e.Tags, ","), e.Content)
	}
	tw.Flush()
}
