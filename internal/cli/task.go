package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	urfave "github.com/urfave/cli/v3"

	"github.com/PipeOpsHQ/checkpoint-engine/state"
)

// NewTaskCommand returns the task subcommand.
func NewTaskCommand() *urfave.Command {
	return &urfave.Command{
		Name:      "task",
		Usage:     "Show a task and the conversation holding it",
		ArgsUsage: "<task_id>",
		Action: func(ctx context.Context, cmd *urfave.Command) error {
			taskID := strings.TrimSpace(cmd.Args().First())
			if taskID == "" {
				return fmt.Errorf("usage: checkpointd task <task_id>")
			}
			rt, err := openRuntime(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec, err := rt.manager.FindTask(ctx, taskID)
			if errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("task %s not found", taskID)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(stdout(cmd))
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}
