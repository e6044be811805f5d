package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/voice_bridge/pkg/audio"
	"github.com/arzzra/voice_bridge/pkg/bridge"
	"github.com/arzzra/voice_bridge/pkg/config"
	"github.com/arzzra/voice_bridge/pkg/logger"
	"github.com/arzzra/voice_bridge/pkg/notification"
	"github.com/arzzra/voice_bridge/pkg/orchestrator"
	"github.com/arzzra/voice_bridge/pkg/provider/loopback"
	"github.com/arzzra/voice_bridge/pkg/push"
	"github.com/arzzra/voice_bridge/pkg/relay"
	"github.com/arzzra/voice_bridge/pkg/session"
	"github.com/arzzra/voice_bridge/pkg/token"
)

func main() {
	envFile := flag.String("env", ".env", "Файл с переменными окружения")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voice_bridge: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("конфигурация: %w", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if cfg.Log.Level != "debug" && cfg.Log.Level != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := orchestrator.NewMetrics(orchestrator.MetricsConfig{
		Namespace:  cfg.MetricsNamespace,
		Subsystem:  "orchestrator",
		Registerer: reg,
	})

	prov := loopback.New(loopback.WithAutoAnswer(cfg.Call.AutoAnswer), loopback.WithLogger(log))
	events := relay.New(cfg.Call.QueueSize, prov, log)
	prov.SetEventSink(events)

	hub := bridge.NewHub(log)
	opts := []orchestrator.Option{
		orchestrator.WithLogger(log),
		orchestrator.WithEmitter(hub),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithIncomingImportance(cfg.Call.IncomingImportance),
	}
	if cfg.Call.ValidateTokens {
		opts = append(opts, orchestrator.WithTokenValidator(token.NewInspector()))
	}

	orch, err := orchestrator.New(orchestrator.Components{
		Registry: session.NewRegistry(),
		Provider: prov,
		Relay:    events,
		Audio:    audio.NewArbiter(audio.LoggingRouter{Logger: log}, log),
		Tones:    audio.NewTones(audio.LoggingPlayer{Logger: log}, log),
		Notifications: notification.NewController(notification.LoggingSurface{Logger: log},
			notification.WithAppName(cfg.Call.AppName),
			notification.WithTemplate(cfg.Call.ContactTemplate),
			notification.WithLogger(log)),
	}, opts...)
	if err != nil {
		return err
	}

	server := bridge.New(orch, hub, bridge.WithLogger(log), bridge.WithGatherer(reg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return server.Run(gctx, cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout) })
	if cfg.Push.Enabled {
		client := push.NewClient(cfg.Push)
		defer client.Close()
		listener := push.NewListener(client, cfg.Push.Channel, events, log)
		g.Go(func() error { return listener.Run(gctx) })
	}

	log.Info(ctx, "voice_bridge запущен",
		logger.String("addr", cfg.HTTP.Addr),
		logger.Bool("push", cfg.Push.Enabled))

	err = g.Wait()
	prov.Wait()
	log.Info(context.Background(), "voice_bridge остановлен")
	return err
}
