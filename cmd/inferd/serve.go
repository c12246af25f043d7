package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/events"
	"inferd/internal/httpapi"
	"inferd/internal/observability"
	"inferd/internal/service"
	"inferd/internal/tasks"
)

// serve runs the HTTP server, the task sweeper and the one-time model load
// until ctx is canceled, then drains in-flight work.
func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	var pub events.Publisher = events.Noop{}
	if cfg.NATSURL != "" {
		np, nc, err := events.ConnectNATS(cfg.NATSURL, cfg.NATSSubject, log.With().Str("component", "events").Logger())
		if err != nil {
			return err
		}
		defer drainNATS(nc, log)
		pub = np
	}

	backend, err := buildBackend(cfg, log)
	if err != nil {
		return err
	}
	gate, err := engine.SelectGate(cfg.Gate, backend, cfg.GateLimit, cfg.GateMaxQueue)
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Config{
		Backend:   backend,
		Gate:      gate,
		Model:     cfg.ModelName,
		Logger:    log.With().Str("component", "engine").Logger(),
		Publisher: pub,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn().Err(err).Msg("backend close")
		}
	}()

	taskLog := log.With().Str("component", "tasks").Logger()
	reg := tasks.NewRegistry(tasks.RegistryOptions{Logger: taskLog, Publisher: pub})
	runner := tasks.NewRunner(reg, eng, tasks.RunnerConfig{Timeout: cfg.GenerateTimeout.D(), Logger: taskLog})
	svc := service.New(eng, reg, runner, cfg.TTL())

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetGenerateTimeout(cfg.GenerateTimeout.D())
	httpapi.SetCORSOptions(len(cfg.CORSOrigins) > 0, cfg.CORSOrigins, nil, nil)
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}
	srv := &http.Server{
		Handler:           httpapi.NewMux(svc, cfg.APIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Str("backend", backend.Name()).Str("gate", gate.Strategy()).Msg("inferd listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reg.RunSweeper(gctx, cfg.SweepInterval.D(), cfg.TTL())
		return nil
	})
	g.Go(func() error {
		if err := eng.Load(gctx); err != nil && cfg.ExitOnLoadFailure {
			return fmt.Errorf("model load failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.D())
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown incomplete; aborting waiting requests")
		}
		cancelBase()
		if err := runner.Wait(sctx); err != nil {
			log.Warn().Err(err).Interface("tasks", reg.Counts()).Msg("async tasks still running at shutdown")
		}
		return nil
	})
	return g.Wait()
}

func buildBackend(cfg config.Config, log zerolog.Logger) (engine.Backend, error) {
	blog := log.With().Str("component", "backend").Logger()
	switch cfg.Backend {
	case "llama":
		return engine.NewLlamaBackend(engine.LlamaConfig{
			ModelPath:   cfg.ModelPath,
			Model:       cfg.ModelName,
			ContextSize: cfg.MaxModelLen,
			Threads:     cfg.LlamaThreads,
			GPULayers:   cfg.LlamaGPULayers,
		}), nil
	case "openai":
		var spawn *engine.ProcessSpec
		if cfg.BackendBin != "" {
			spawn = &engine.ProcessSpec{Bin: cfg.BackendBin, Args: cfg.SpawnArgs(), StopTimeout: cfg.ShutdownTimeout.D()}
		}
		return engine.NewOpenAIBackend(engine.OpenAIConfig{
			BaseURL:     cfg.BackendURL,
			APIKey:      cfg.BackendAPIKey,
			Model:       cfg.ModelName,
			LoadTimeout: cfg.LoadTimeout.D(),
			Spawn:       spawn,
			Logger:      blog,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func drainNATS(nc *nats.Conn, log zerolog.Logger) {
	if err := nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("nats drain")
		nc.Close()
	}
}
