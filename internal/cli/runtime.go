package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	urfave "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"

	"github.com/PipeOpsHQ/checkpoint-engine/checkpointgen"
	"github.com/PipeOpsHQ/checkpoint-engine/evaluate"
	"github.com/PipeOpsHQ/checkpoint-engine/internal/config"
	"github.com/PipeOpsHQ/checkpoint-engine/llm"
	"github.com/PipeOpsHQ/checkpoint-engine/observe"
	otelobs "github.com/PipeOpsHQ/checkpoint-engine/observe/otel"
	"github.com/PipeOpsHQ/checkpoint-engine/observe/stream"
	"github.com/PipeOpsHQ/checkpoint-engine/prompt"
	providerfactory "github.com/PipeOpsHQ/checkpoint-engine/providers/factory"
	statefactory "github.com/PipeOpsHQ/checkpoint-engine/state/factory"
	"github.com/PipeOpsHQ/checkpoint-engine/state/tiered"
	"github.com/PipeOpsHQ/checkpoint-engine/turn"
)

const (
	sinkBuffer      = 256
	shutdownTimeout = 5 * time.Second
)

// runtime is the process graph shared by the commands.
type runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	sink      observe.Sink
	manager   *tiered.Manager
	processor *turn.Processor

	closers []func(context.Context) error
}

// loadConfig merges the --env-file files and applies flag overrides.
func loadConfig(cmd *urfave.Command, pipeline bool) (config.Config, error) {
	root := cmd.Root()
	if err := config.LoadDotenv(root.StringSlice("env-file")...); err != nil {
		return config.Config{}, fmt.Errorf("load dotenv: %w", err)
	}
	cfg := config.FromEnv()
	if lvl := root.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	validate := cfg.ValidateMemory
	if pipeline {
		validate = cfg.Validate
	}
	if err := validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openRuntime loads configuration and opens the memory tiers. With
// pipeline set it also builds the LLM-backed turn processor.
func openRuntime(ctx context.Context, cmd *urfave.Command, pipeline bool) (*runtime, error) {
	cfg, err := loadConfig(cmd, pipeline)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: cfg.NewLogger(stderr(cmd))}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	shutdownOTel, err := otelobs.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt.closers = append(rt.closers, shutdownOTel)

	metrics, err := otelobs.NewMetricsSink(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	sinks := []observe.Sink{
		observe.NewLogSink(rt.logger),
		otelobs.NewSink(otel.GetTracerProvider()),
		metrics,
	}
	if es := rt.openEventStream(); es != nil {
		sinks = append(sinks, es)
	}
	async := observe.NewAsyncSink(observe.NewMultiSink(sinks...), sinkBuffer)
	rt.closers = append(rt.closers, func(context.Context) error {
		async.Close()
		if n := async.Dropped(); n > 0 {
			rt.logger.Warn("observer events dropped", slog.Int64("count", n))
		}
		return nil
	})
	rt.sink = async

	policy, _ := cfg.Policy()
	rt.manager = statefactory.NewManager(cfg.State, rt.logger, tiered.WithPolicy(policy), tiered.WithSink(rt.sink))
	rt.closers = append(rt.closers, func(context.Context) error { return rt.manager.Close() })
	if err := rt.manager.Init(ctx); err != nil {
		return nil, fmt.Errorf("open memory: %w", err)
	}

	if pipeline {
		if err := rt.buildProcessor(ctx); err != nil {
			return nil, err
		}
	}
	ok = true
	return rt, nil
}

// openEventStream returns nil when the stream is off or Redis is down;
// events still reach the other sinks.
func (rt *runtime) openEventStream() *stream.Stream {
	if !rt.cfg.EventStream {
		return nil
	}
	es, err := dialEventStream(rt.cfg)
	if err != nil {
		rt.logger.Warn("event stream unavailable", slog.String("error", err.Error()))
		return nil
	}
	rt.closers = append(rt.closers, func(context.Context) error { return es.Close() })
	return es
}

func dialEventStream(cfg config.Config) (*stream.Stream, error) {
	return stream.New(cfg.State.RedisAddr,
		stream.WithPassword(cfg.State.RedisPassword),
		stream.WithDB(cfg.State.RedisDB),
		stream.WithPrefix(cfg.State.RedisPrefix),
		stream.WithMaxLen(int64(cfg.EventStreamMaxLen)),
	)
}

func (rt *runtime) buildProcessor(ctx context.Context) error {
	gen, err := providerfactory.New(ctx, rt.cfg.LLM)
	if err != nil {
		return fmt.Errorf("init llm provider: %w", err)
	}
	prompts := prompt.Default()
	n, err := prompts.LoadDir(rt.cfg.PromptDir)
	if err != nil {
		return fmt.Errorf("load prompts from %s: %w", rt.cfg.PromptDir, err)
	}
	if n > 0 {
		rt.logger.Info("prompt overrides loaded", slog.String("dir", rt.cfg.PromptDir), slog.Int("count", n))
	}

	evaluator := evaluate.New(gen,
		evaluate.WithTimeout(rt.cfg.EvaluatorTimeout),
		evaluate.WithCache(evaluate.NewCache(rt.cfg.EvaluatorCacheSize, rt.cfg.EvaluatorCacheTTL)),
		evaluate.WithPrompts(prompts),
		evaluate.WithLogger(rt.logger),
		evaluate.WithSink(rt.sink),
	)
	// Only generation retries; the evaluator budget leaves no room for it.
	planner := checkpointgen.New(llm.WithRetry(gen, llm.RetryPolicy{MaxAttempts: rt.cfg.LLM.MaxAttempts}),
		checkpointgen.WithTimeout(rt.cfg.GeneratorTimeout),
		checkpointgen.WithPrompts(prompts),
		checkpointgen.WithLogger(rt.logger),
		checkpointgen.WithSink(rt.sink),
	)
	rt.processor = turn.New(rt.manager, evaluator, planner,
		turn.WithFanOut(turn.NewFanOut(rt.cfg.BackgroundTimeout, rt.logger)),
		turn.WithLogger(rt.logger),
		turn.WithSink(rt.sink),
	)
	return nil
}

// Close drains background turn work, then releases everything in reverse
// order of acquisition.
func (rt *runtime) Close() error {
	if rt.processor != nil {
		rt.processor.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
