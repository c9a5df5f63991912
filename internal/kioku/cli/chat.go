package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kioku/internal/kioku/coordinator"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

type chatResult struct {
	ThreadID      string   `json:"thread_id"`
	UserSeq       int64    `json:"user_seq"`
	AssistantSeq  int64    `json:"assistant_seq,omitempty"`
	State         string   `json:"state"`
	Reason        string   `json:"reason,omitempty"`
	Text          string   `json:"text"`
	Warnings      []string `json:"warnings,omitempty"`
	Compacted     bool     `json:"compacted,omitempty"`
	Error         string   `json:"error,omitempty"`
	ThreadVersion int64    `json:"thread_version"`
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one user turn and stream the reply",
		Long:  "Send one user turn to a thread (a new one unless --thread is given) and stream the reply. The message can be a positional arg or piped via stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, args)
		},
	}
	addIdentityFlags(cmd)
	cmd.Flags().StringP("thread", "t", "", "Thread id to continue")
	cmd.Flags().StringSliceP("attach", "a", nil, "Attachment id to include (repeatable)")
	cmd.Flags().String("title", "", "Title for a new thread")
	cmd.Flags().String("model", "", "Model for a new thread")
	return cmd
}

func runChat(cmd *cobra.Command, opts *rootOptions, args []string) error {
	threadID, _ := cmd.Flags().GetString("thread")
	attach, _ := cmd.Flags().GetStringSlice("attach")
	title, _ := cmd.Flags().GetString("title")
	model, _ := cmd.Flags().GetString("model")

	message, err := readMessage(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	parts := []thread.Part{}
	if message != "" {
		parts = append(parts, thread.TextPart(message))
	}
	for _, id := range attach {
		parts = append(parts, thread.AttachmentPart(thread.AttachmentRef{ID: id}))
	}
	if len(parts) == 0 {
		return fmt.Errorf("chat: a message or an attachment is required")
	}

	authz, token, err := identity(cmd)
	if err != nil {
		return err
	}
	a, err := opts.openApp(cmd, authz)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	sub, err := a.Coordinator().SubmitTurnStream(ctx, coordinator.SubmitRequest{
		Token:    token,
		ThreadID: threadID,
		Parts:    parts,
		Title:    title,
		Model:    model,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	streaming := opts.format != "json"
	if streaming {
		r := sub.Stream()
		for {
			chunk, err := r.Next(ctx)
			if err != nil {
				break
			}
			fmt.Fprint(out, chunk)
		}
		fmt.Fprintln(out)
	}

	res, callErr := sub.Wait(ctx)
	if ctx.Err() != nil {
		// Interrupted: cancel and wait for the cancelled turn to be committed.
		sub.Cancel()
		res, callErr = sub.Wait(context.WithoutCancel(ctx))
	}
	if res == nil {
		return callErr
	}

	summary := chatResult{
		ThreadID:      res.ThreadID,
		UserSeq:       res.UserTurn.Seq,
		State:         string(res.State),
		Text:          res.Text,
		Compacted:     res.Compacted,
		ThreadVersion: res.Version,
	}
	if res.AssistantTurn != nil {
		summary.AssistantSeq = res.AssistantTurn.Seq
		summary.Reason = string(res.AssistantTurn.Reason)
	}
	for _, w := range res.Warnings {
		summary.Warnings = append(summary.Warnings, string(w))
	}
	if callErr != nil {
		summary.Error = callErr.Error()
	}

	if !streaming {
		if err := printJSON(out, summary); err != nil {
			return err
		}
	} else {
		errOut := cmd.ErrOrStderr()
		for _, w := range summary.Warnings {
			fmt.Fprintf(errOut, "warning: %s\n", w)
		}
		fmt.Fprintf(errOut, "thread %s (turns %d-%d, %s)\n", summary.ThreadID, summary.UserSeq, summary.AssistantSeq, summary.State)
	}
	return callErr
}

// readMessage takes the positional args, or stdin when it is not a terminal.
func readMessage(stdin io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}
	if f, ok := stdin.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	b, err := io.ReadAll(stdin)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
