package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	urfave "github.com/urfave/cli/v3"

	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

// NewConversationsCommand returns the conversations subcommand.
func NewConversationsCommand() *urfave.Command {
	return &urfave.Command{
		Name:      "conversations",
		Usage:     "List a participant's conversations from the durable tier",
		ArgsUsage: "<participant_id>",
		Action: func(ctx context.Context, cmd *urfave.Command) error {
			participant := strings.TrimSpace(cmd.Args().First())
			if participant == "" {
				return fmt.Errorf("usage: checkpointd conversations <participant_id>")
			}
			rt, err := openRuntime(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			convs, err := rt.manager.GetIndividualConversations(ctx, participant)
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if len(convs) == 0 {
				fmt.Fprintln(stdout(cmd), "No conversations found.")
				return nil
			}

			w := tabwriter.NewWriter(stdout(cmd), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTASK\tCHECKPOINT\tDONE\tTURNS\tUPDATED")
			for i := range convs {
				conv := &convs[i]
				label, current, done := "-", "-", "-"
				if task := conv.ActiveTask(); task != nil {
					label = task.Label
					if cp := task.Current(); cp != nil {
						current = cp.Name
					}
					done = fmt.Sprintf("%d/%d", completed(task), len(task.Checklist))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					conv.ConversationID, truncate(label, 30), truncate(current, 30), done,
					len(conv.Context), conv.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

// NewSummaryCommand returns the summary subcommand.
func NewSummaryCommand() *urfave.Command {
	return &urfave.Command{
		Name:      "summary",
		Usage:     "Show, store or verify a conversation summary",
		ArgsUsage: "<conversation_id>",
		Flags: []urfave.Flag{
			&urfave.StringFlag{Name: "set", Usage: "store this text as the summary"},
			&urfave.StringSliceFlag{Name: "key-point", Usage: "key point stored with --set"},
			&urfave.BoolFlag{Name: "verify", Usage: "mark the conversation verified"},
		},
		Action: func(ctx context.Context, cmd *urfave.Command) error {
			id := strings.TrimSpace(cmd.Args().First())
			if id == "" {
				return fmt.Errorf("usage: checkpointd summary <conversation_id>")
			}
			rt, err := openRuntime(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if text := strings.TrimSpace(cmd.String("set")); text != "" {
				conv, err := rt.manager.GetConversationState(ctx, id)
				if err != nil {
					return fmt.Errorf("load conversation: %w", err)
				}
				if _, err := rt.manager.SaveSummary(ctx, types.Summary{
					ConversationID: id,
					ParticipantID:  conv.ParticipantID,
					Summary:        text,
					KeyPoints:      cmd.StringSlice("key-point"),
					CreatedAt:      time.Now().UTC(),
				}); err != nil {
					return fmt.Errorf("save summary: %w", err)
				}
			}
			if cmd.Bool("verify") {
				if _, err := rt.manager.UpdateVerification(ctx, id, true); err != nil {
					return fmt.Errorf("verify conversation: %w", err)
				}
			}

			summary, err := rt.manager.GetSummary(ctx, id)
			if err != nil {
				return fmt.Errorf("load summary: %w", err)
			}
			w := stdout(cmd)
			fmt.Fprintf(w, "Conversation: %s\n", summary.ConversationID)
			fmt.Fprintf(w, "Created:      %s\n", summary.CreatedAt.Local().Format(time.DateTime))
			fmt.Fprintf(w, "\n%s\n", summary.Summary)
			for _, p := range summary.KeyPoints {
				fmt.Fprintf(w, "  - %s\n", p)
			}
			return nil
		},
	}
}

func completed(task *types.Task) int {
	n := 0
	for _, cp := range task.Checklist {
		if cp.Status == types.StatusComplete {
			n++
		}
	}
	return n
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
