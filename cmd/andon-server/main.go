// Command andon-server receives GPIO state changes from andon monitors over
// TCP and appends them to one CSV file per device.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/sweeney/andon/internal/archive"
	"github.com/sweeney/andon/internal/cache"
	"github.com/sweeney/andon/internal/config"
	"github.com/sweeney/andon/internal/mqtt"
	"github.com/sweeney/andon/internal/queue"
	"github.com/sweeney/andon/internal/server"
	"github.com/sweeney/andon/internal/sink"
	"github.com/sweeney/andon/internal/status"
	"github.com/sweeney/andon/internal/web"
	"github.com/sweeney/andon/internal/worker"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// signalCause records which signal ended the process.
type signalCause struct{ sig os.Signal }

func (c signalCause) Error() string { return "received " + c.sig.String() }

func run(args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("andon-server", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", config.DefaultServerFile, "path to the configuration file (.toml, .yaml or .yml)")
	printConfig := flags.Bool("print-config", false, "print the effective configuration and exit")
	host := flags.String("host", "", "override server.host")
	port := flags.Int("port", 0, "override server.port")
	outputDir := flags.String("output-dir", "", "override data.output_dir")
	broker := flags.String("broker", "", "override mqtt.broker (empty config value disables MQTT)")
	httpAddr := flags.String("http", "", "override http.addr")
	logLevel := flags.String("log-level", "", "override log.level")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, created, err := config.LoadServer(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.Changed("host") {
		cfg.Server.Host = *host
	}
	if flags.Changed("port") {
		cfg.Server.Port = *port
	}
	if flags.Changed("output-dir") {
		cfg.Data.OutputDir = *outputDir
	}
	if flags.Changed("broker") {
		cfg.MQTT.Broker = *broker
	}
	if flags.Changed("http") {
		cfg.HTTP.Addr = *httpAddr
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if *printConfig {
		data, err := config.Encode(*configPath, cfg)
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: level}))
	if created {
		logger.Info("configuration file not found, wrote defaults", "path", *configPath)
	} else {
		logger.Info("configuration loaded", "path", *configPath)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case s := <-sigCh:
			logger.Info("shutdown signal received", "signal", s.String())
			cancel(signalCause{s})
		case <-ctx.Done():
		}
	}()

	return serve(ctx, cfg, logger, deps{})
}

// deps lets tests replace external collaborators.
type deps struct {
	publisher mqtt.Publisher
	onReady   func(l *server.Listener)
}

// serve runs the server until ctx is done. Only startup failures are
// returned.
func serve(ctx context.Context, cfg config.Server, logger *slog.Logger, d deps) error {
	sk, err := sink.New(cfg.Data.OutputDir, cfg.Data.ExcelPrefix)
	if err != nil {
		return fmt.Errorf("init output dir: %w", err)
	}
	logger.Info("writing device files", "dir", sk.Dir(), "prefix", cfg.Data.ExcelPrefix)

	q := queue.New()
	tracker := status.NewTracker(time.Now(), status.Config{
		ListenAddr:     cfg.ListenAddr(),
		MaxConnections: cfg.Server.MaxConnections,
		OutputDir:      sk.Dir(),
		FilePrefix:     cfg.Data.ExcelPrefix,
		Broker:         cfg.MQTT.Broker,
		HTTPAddr:       cfg.HTTP.Addr,
		Archive:        cfg.Archive.Path != "",
	})

	workerOpts := []worker.Option{worker.WithObserver(tracker)}
	var webOpts []web.Option

	if cfg.Archive.Path != "" {
		arch, err := archive.Open(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer arch.Close()
		workerOpts = append(workerOpts, worker.WithForwarder("archive", arch))
		webOpts = append(webOpts, web.WithEvents(arch))
		logger.Info("event archive enabled", "path", cfg.Archive.Path)
	}

	if cfg.Redis.Addr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		c, err := cache.New(pingCtx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.RedisTTL(),
		})
		cancel()
		if err != nil {
			logger.Warn("last-state cache disabled", "error", err)
		} else {
			defer c.Close()
			workerOpts = append(workerOpts, worker.WithForwarder("redis", c))
			webOpts = append(webOpts, web.WithStates(c))
			logger.Info("last-state cache enabled", "addr", cfg.Redis.Addr)
		}
	}

	publisher := d.publisher
	if publisher == nil && cfg.MQTT.Broker != "" {
		p, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Logger:      logger.With("component", "mqtt"),
		})
		if err != nil {
			logger.Warn("mqtt mirror disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			publisher = p
		}
	}

	handler := &server.Handler{Queue: q, Logger: logger, Observer: tracker}
	listener := server.NewListener(cfg.ListenAddr(), handler, logger)
	listener.MaxConnections = cfg.Server.MaxConnections

	sources := status.Sources{QueueDepth: q.Len, Active: listener.Active}
	if cs, ok := publisher.(mqtt.ConnectionStatus); ok {
		sources.MQTTConnected = cs.IsConnected
	}
	tracker.SetSources(sources)

	if publisher != nil {
		defer publisher.Close()
		workerOpts = append(workerOpts, worker.WithForwarder("mqtt", mqtt.Forwarder{Publisher: publisher}))

		snap := tracker.Snapshot()
		if err := publisher.PublishSystem(mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		}); err != nil {
			logger.Warn("failed to publish startup event", "error", err)
		} else {
			logger.Info("published startup event")
		}
	}

	// The worker outlives ctx so that it is stopped only after the
	// listener has let in-flight connections finish.
	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorker()
	w := worker.New(q, sk, logger.With("component", "worker"), workerOpts...)
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(workerCtx) }()

	if cfg.HTTP.Addr != "" {
		ln, err := net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			logger.Warn("http status server disabled", "addr", cfg.HTTP.Addr, "error", err)
		} else {
			srv := web.New(cfg.HTTP.Addr, tracker, webOpts...)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", "error", err)
				}
			}()
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			logger.Info("http status server listening", "addr", ln.Addr().String())
		}
	}

	if d.onReady != nil {
		go func() {
			select {
			case <-listener.Ready():
				d.onReady(listener)
			case <-ctx.Done():
			}
		}()
	}

	startErr := listener.Start(ctx)

	if publisher != nil && startErr == nil {
		reason := shutdownReason(ctx)
		snap := tracker.Snapshot()
		if err := publisher.PublishSystem(mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "SHUTDOWN",
			Reason:     reason,
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", reason),
		}); err != nil {
			logger.Warn("failed to publish shutdown event", "error", err)
		} else {
			logger.Info("published shutdown event")
		}
	}

	stopWorker()
	<-workerDone
	logger.Info("server stopped")
	return startErr
}

// shutdownReason names the signal that cancelled ctx.
func shutdownReason(ctx context.Context) string {
	var sc signalCause
	if errors.As(context.Cause(ctx), &sc) {
		switch sc.sig {
		case syscall.SIGINT:
			return "SIGINT"
		case syscall.SIGTERM:
			return "SIGTERM"
		}
	}
	return "UNKNOWN"
}
