package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"skyhawk/internal/broadcast"
	"skyhawk/internal/capture"
	"skyhawk/internal/conf"
	"skyhawk/internal/inference"
	"skyhawk/internal/observability"
	"skyhawk/internal/sink"
	"skyhawk/internal/storage"
	"skyhawk/internal/telegram"
	"skyhawk/internal/ws"
)

func main() {
	var (
		configF   = flag.String("config", "", "Path to config file (overrides the default search)")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides configuration)")
		dbgF      = flag.Bool("debug", false, "Verbose logging")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[skyhawk] ", log.Ltime)

	settings, err := conf.Load(*configF)
	if err != nil {
		logger.Fatalf("failed to load configuration: %s", err)
	}
	if *httpPortF != "" {
		settings.HTTPPort = *httpPortF
	}
	if *dbgF {
		settings.Debug = true
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		logger.Fatalf("failed to set up metrics: %s", err)
	}

	store, err := storage.New(settings.Storage)
	if err != nil {
		logger.Fatalf("failed to open storage: %s", err)
	}
	defer store.Close()

	detector := inference.NewClient(inference.Config{
		Endpoint:            settings.Inference.Endpoint,
		Timeout:             settings.Inference.Timeout,
		ConfidenceThreshold: settings.Inference.ConfidenceThreshold,
	}, metrics.Inference)

	hub := ws.NewHub()
	publishers := []broadcast.Publisher{broadcast.NewHubPublisher(hub)}
	if settings.MQTT.Enabled {
		mq, err := broadcast.NewMQTTPublisher(settings.MQTT)
		if err != nil {
			logger.Printf("warning: MQTT disabled: %s", err)
		} else {
			publishers = append(publishers, mq)
		}
	}
	if settings.Telegram.Enabled {
		publishers = append(publishers, telegram.NewAlertBot(telegram.Config{
			BotToken:        settings.Telegram.BotToken,
			ChatID:          settings.Telegram.ChatID,
			Enabled:         true,
			CooldownSeconds: settings.Telegram.CooldownSeconds,
		}))
	}
	publisher := broadcast.NewMulti(publishers...)
	defer publisher.Close()

	detectionSink := sink.New(store, publisher, sink.Config{
		OverflowCapacity: settings.Sink.OverflowCapacity,
		RetryBackoff:     settings.Sink.RetryBackoff,
	}, metrics.Sink)

	orchestrator := capture.NewOrchestrator(settings, detector, store, detectionSink, metrics)
	orchestrator.OnStreamState(func(src capture.StreamSource, state capture.StreamState) {
		hub.BroadcastStatus(ws.NewStatusMessage(src.Name, state.String()))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orchestrator.Initialize(ctx); err != nil {
		logger.Fatalf("initialization failed: %s", err)
	}
	if err := orchestrator.Start(ctx); err != nil {
		logger.Fatalf("failed to start capture: %s", err)
	}
	logger.Printf("capturing %d stream(s)", len(settings.EnabledStreams()))

	// Channel used by the signal handler and the HTTP server goroutine
	// to notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	srv := handleHTTPServer(settings, orchestrator, detector, store, hub, metrics, logger, errc)

	logger.Printf("exiting (%v)", <-errc)
	// Stop before cancelling so the consumer can drain queued frames.
	orchestrator.Stop()
	cancel()
	shutdownHTTPServer(srv, logger)
	logger.Println("exited")
}
