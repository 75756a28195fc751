package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	urfave "github.com/urfave/cli/v3"

	"github.com/PipeOpsHQ/checkpoint-engine/monitor"
)

// NewMonitorCommand returns the monitor subcommand. It probes the tiers on
// a schedule until interrupted.
func NewMonitorCommand() *urfave.Command {
	return &urfave.Command{
		Name:  "monitor",
		Usage: "Probe memory tiers periodically and log state changes",
		Flags: []urfave.Flag{
			&urfave.StringFlag{
				Name:  "schedule",
				Usage: "cron expression overriding HEALTH_SCHEDULE",
			},
			&urfave.DurationFlag{
				Name:  "probe-timeout",
				Usage: "bound on a single probe",
				Value: 5 * time.Second,
			},
		},
		Action: func(ctx context.Context, cmd *urfave.Command) error {
			rt, err := openRuntime(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			schedule := cmd.String("schedule")
			if schedule == "" {
				schedule = rt.cfg.HealthSchedule
			}
			m := monitor.New(rt.manager,
				monitor.WithLogger(rt.logger),
				monitor.WithSink(rt.sink),
				monitor.WithTimeout(cmd.Duration("probe-timeout")),
			)
			if err := m.Schedule(schedule); err != nil {
				return err
			}
			first := m.Probe(ctx)
			m.Start()
			rt.logger.Info("monitor started",
				slog.String("schedule", schedule),
				slog.Bool("healthy", first.Health.Healthy()),
				slog.Time("next", m.Next()))

			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			m.Stop(stopCtx)
			states := m.States()
			fmt.Fprintf(stdout(cmd), "fast=%s durable=%s checks=%d\n",
				states["fast"], states["durable"], len(m.History(0)))
			return nil
		},
	}
}
