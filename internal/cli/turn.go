package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	urfave "github.com/urfave/cli/v3"

	"github.com/PipeOpsHQ/checkpoint-engine/turn"
)

// NewTurnCommand returns the turn subcommand. Text given as arguments is
// one turn; without arguments every stdin line is a turn.
func NewTurnCommand() *urfave.Command {
	return &urfave.Command{
		Name:      "turn",
		Usage:     "Process user utterances against a conversation checklist",
		ArgsUsage: "[text...]",
		Flags: []urfave.Flag{
			&urfave.StringFlag{
				Name:    "conversation",
				Aliases: []string{"c"},
				Usage:   "conversation id (a new one is minted when empty)",
			},
			&urfave.StringFlag{
				Name:    "participant",
				Aliases: []string{"p"},
				Usage:   "participant id",
			},
			&urfave.StringFlag{
				Name:  "specialty",
				Usage: "specialty used when a checklist is generated (default DEFAULT_SPECIALTY)",
			},
		},
		Action: func(ctx context.Context, cmd *urfave.Command) error {
			rt, err := openRuntime(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			in := turn.Input{
				ConversationID: strings.TrimSpace(cmd.String("conversation")),
				ParticipantID:  strings.TrimSpace(cmd.String("participant")),
				Specialty:      strings.TrimSpace(cmd.String("specialty")),
			}
			if in.Specialty == "" {
				in.Specialty = rt.cfg.Specialty
			}
			if in.ConversationID == "" {
				in.ConversationID = uuid.NewString()
				rt.logger.Info("conversation started", slog.String("conversation_id", in.ConversationID))
			}

			enc := json.NewEncoder(stdout(cmd))
			enc.SetIndent("", "  ")
			run := func(text string) error {
				in.Text = text
				out, err := rt.processor.ProcessTurn(ctx, in)
				if err != nil {
					return err
				}
				return enc.Encode(newTurnView(in.ConversationID, out))
			}

			if cmd.NArg() > 0 {
				return run(strings.Join(cmd.Args().Slice(), " "))
			}
			scanner := bufio.NewScanner(stdin(cmd))
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := run(line); err != nil {
					return err
				}
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			return nil
		},
	}
}

type turnView struct {
	ConversationID string `json:"conversation_id"`
	turn.Output
	Degraded bool `json:"degraded"`
}

func newTurnView(conversationID string, out turn.Output) turnView {
	v := turnView{ConversationID: conversationID, Output: out}
	for _, o := range out.WriteOutcomes {
		if o.Degraded() {
			v.Degraded = true
			break
		}
	}
	return v
}
