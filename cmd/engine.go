package cmd

import (
	"context"
	"io"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/httpclient"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/progress"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/ratelimit"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/telemetry"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/engine"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/replay"
)

// buildEngine wires the replayer, telemetry and progress sinks from cfg.
// The returned cleanup flushes telemetry and closes the Redis sink.
func buildEngine(ctx context.Context, progressOut io.Writer) (*engine.Engine, func()) {
	metrics, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		log.Warnw("Telemetry disabled", "error", err)
		metrics = telemetry.Noop()
	}

	client := httpclient.NewClient(httpclient.FromConfig(cfg.HTTP))
	limiter := ratelimit.NewLimiter(ratelimit.FromConfig(cfg.HTTP.RateLimit))
	dispatcher := replay.New(client, limiter, replay.Config{
		Timeout:      cfg.Engine.StepTimeout,
		MaxRetries:   cfg.Engine.MaxRetries,
		RetryDelay:   cfg.Engine.RetryDelay,
		MaxBodyBytes: cfg.Engine.MaxBodyBytes,
		UserAgent:    cfg.HTTP.UserAgent,
	}, log, metrics)

	var sinks []progress.Sink
	var redisSink *progress.RedisSink
	if cfg.Redis.Enabled {
		redisSink, err = progress.NewRedisSink(cfg.Redis)
		if err != nil {
			log.Warnw("Redis progress publishing disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			sinks = append(sinks, redisSink)
		}
	}
	if progressOut != nil {
		sinks = append(sinks, progress.NewConsole(progressOut))
	}

	e := engine.New(store, dispatcher, cfg.Engine, log,
		engine.WithTelemetry(metrics),
		engine.WithReporter(progress.NewReporter(store, log, sinks...)),
	)

	cleanup := func() {
		if redisSink != nil {
			if err := redisSink.Close(); err != nil {
				log.Warnw("Failed to close Redis sink", "error", err)
			}
		}
		if err := metrics.Close(); err != nil {
			log.Warnw("Failed to flush telemetry", "error", err)
		}
	}
	return e, cleanup
}
