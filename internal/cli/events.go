package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	urfave "github.com/urfave/cli/v3"

	"github.com/PipeOpsHQ/checkpoint-engine/observe/stream"
)

// NewEventsCommand returns the events subcommand.
func NewEventsCommand() *urfave.Command {
	return &urfave.Command{
		Name:  "events",
		Usage: "Show observer events mirrored to the Redis event stream",
		Flags: []urfave.Flag{
			&urfave.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "number of recent events", Value: 20},
			&urfave.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "keep printing new events until interrupted"},
		},
		Action: func(ctx context.Context, cmd *urfave.Command) error {
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			es, err := dialEventStream(cfg)
			if err != nil {
				return fmt.Errorf("open event stream: %w", err)
			}
			defer es.Close()

			recent, err := es.Recent(ctx, int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(stdout(cmd), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tSTATUS\tCONVERSATION\tNAME\tERROR")
			for i := len(recent) - 1; i >= 0; i-- {
				printEvent(w, recent[i])
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if !cmd.Bool("follow") {
				return nil
			}
			return es.Follow(ctx, "$", time.Second, func(e stream.Entry) error {
				printEvent(w, e)
				return w.Flush()
			})
		},
	}
}

func printEvent(w io.Writer, e stream.Entry) {
	ev := e.Event
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		ev.Timestamp.Local().Format(time.TimeOnly), ev.Kind, ev.Status,
		orDash(ev.ConversationID), orDash(ev.Name), truncate(ev.Error, 40))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
