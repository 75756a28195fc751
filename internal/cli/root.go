// Package cli wires the checkpointd commands.
package cli

import (
	"io"
	"os"

	urfave "github.com/urfave/cli/v3"
)

// NewRootCommand returns the top-level checkpointd command.
func NewRootCommand() *urfave.Command {
	return &urfave.Command{
		Name:  "checkpointd",
		Usage: "Checkpoint-driven conversation engine",
		Flags: []urfave.Flag{
			&urfave.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files merged into the environment (set variables win)",
				Value: []string{".env"},
			},
			&urfave.StringFlag{
				Name:  "log-level",
				Usage: "override LOG_LEVEL (debug, info, warn, error)",
			},
		},
		Commands: []*urfave.Command{
			NewTurnCommand(),
			NewHealthCommand(),
			NewConversationsCommand(),
			NewSummaryCommand(),
			NewTaskCommand(),
			NewMonitorCommand(),
			NewEventsCommand(),
		},
	}
}

func stdout(cmd *urfave.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stderr(cmd *urfave.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

func stdin(cmd *urfave.Command) io.Reader {
	if r := cmd.Root().Reader; r != nil {
		return r
	}
	return os.Stdin
}
