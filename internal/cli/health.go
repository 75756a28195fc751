package cli

import (
	"context"
	"encoding/json"
	"errors"

	urfave "github.com/urfave/cli/v3"

	"github.com/PipeOpsHQ/checkpoint-engine/state/tiered"
)

var errUnhealthy = errors.New("memory tiers unhealthy")

// NewHealthCommand returns the health subcommand.
func NewHealthCommand() *urfave.Command {
	return &urfave.Command{
		Name:  "health",
		Usage: "Probe the fast and durable memory tiers",
		Action: func(ctx context.Context, cmd *urfave.Command) error {
			rt, err := openRuntime(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			health := rt.manager.HealthCheck(ctx)
			enc := json.NewEncoder(stdout(cmd))
			enc.SetIndent("", "  ")
			if err := enc.Encode(healthView{Status: healthStatus(health.Healthy()), Health: health}); err != nil {
				return err
			}
			if !health.Healthy() {
				return errUnhealthy
			}
			return nil
		},
	}
}

type healthView struct {
	Status string `json:"status"`
	tiered.Health
}

func healthStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}
