package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/tusury/vt-middleware-sub006/config"
	core "github.com/tusury/vt-middleware-sub006/ingestion/service/core"
	grpchandler "github.com/tusury/vt-middleware-sub006/ingestion/service/grpc"
	httphandler "github.com/tusury/vt-middleware-sub006/ingestion/service/http"
	"github.com/tusury/vt-middleware-sub006/internal/appender"
	"github.com/tusury/vt-middleware-sub006/internal/changebus"
	"github.com/tusury/vt-middleware-sub006/internal/configurator"
	"github.com/tusury/vt-middleware-sub006/internal/messaging/consumer"
	"github.com/tusury/vt-middleware-sub006/internal/messaging/producer"
	"github.com/tusury/vt-middleware-sub006/internal/metrics"
	"github.com/tusury/vt-middleware-sub006/internal/removal"
	"github.com/tusury/vt-middleware-sub006/internal/watch"
	"github.com/tusury/vt-middleware-sub006/storage/store"
)

func main() {
	configPath := pflag.String("config", "./config/logserver.defaults.yml", "path to the YAML configuration file")
	port := pflag.Int("port", 0, "override server.port, 0 binds an ephemeral port")
	bind := pflag.String("bind", "", "override server.bind_address")
	logLevel := pflag.String("log-level", "", "override logging.level")
	pflag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalf("Failed to load configuration: %v", err)
	}
	if pflag.CommandLine.Changed("port") {
		cfg.Server.Port = *port
	}
	if *bind != "" {
		cfg.Server.BindAddress = *bind
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		zap.NewExample().Sugar().Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	logger.Info("Starting logging configuration server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 2. Project store
	var projects store.Store
	if cfg.Database.DSN != "" {
		logger.Infow("Initializing database connection...", cfg.Database.Fields()...)
		pg, err := store.NewPostgresStore(ctx, cfg.Database, logger.Named("store"))
		if err != nil {
			logger.Fatalf("Failed to initialize database store: %v", err)
		}
		projects = pg
	} else {
		logger.Info("database.dsn not configured, using the in-memory project store")
		projects = store.NewMemoryStore()
	}
	defer projects.Close()

	if cfg.Database.SeedFile != "" {
		n, err := store.LoadSeed(ctx, projects, cfg.Database.SeedFile)
		if err != nil {
			logger.Fatalf("Failed to load seed projects: %v", err)
		}
		logger.Infof("Loaded %d projects from %s", n, cfg.Database.SeedFile)
	}

	// 3. Change bus, relayed to peer instances when Kafka is configured
	bus := changebus.New(logger.Named("bus"), m)
	var publisher changebus.Publisher = bus
	var relay *changebus.Relay
	var wg sync.WaitGroup
	if cfg.KafkaRelay.Enabled() {
		logger.Info("Initializing Kafka change relay...")
		kafkaProducer, err := producer.NewKafkaProducer(cfg.KafkaRelay.Producer, logger.Named("producer"))
		if err != nil {
			logger.Fatalf("Failed to initialize Kafka producer: %v", err)
		}
		kafkaConsumer, err := consumer.NewKafkaConsumer(cfg.KafkaRelay.Consumer, logger.Named("consumer"))
		if err != nil {
			logger.Fatalf("Failed to initialize Kafka consumer: %v", err)
		}
		relay = changebus.NewRelay(bus, kafkaProducer, kafkaConsumer, changebus.RelayOptions{
			BatchSize:    cfg.KafkaRelay.Producer.BatchSize,
			BatchTimeout: cfg.KafkaRelay.Producer.BatchTimeout,
			RetryDelay:   cfg.KafkaRelay.Consumer.RetryDelay,
		}, logger.Named("relay"))
		publisher = relay

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("Change relay stopped: %v", err)
			}
		}()
	}

	// 4. Acceptor, admin and live watch
	policy, err := removal.New(cfg.Server.RemovalPolicy)
	if err != nil {
		logger.Fatalf("Invalid removal policy: %v", err)
	}
	health := grpchandler.NewHealthReporter(logger.Named("health"))
	server := core.NewServer(core.Options{
		Config:       cfg.Server,
		Projects:     projects,
		Configurator: configurator.New(appender.NewRegistry(logger.Named("appender")), logger.Named("configurator")),
		Policy:       policy,
		Resolver:     net.DefaultResolver,
		Observer:     health,
		Logger:       logger.Named("acceptor"),
		Metrics:      m,
	})
	if err := bus.Subscribe(server); err != nil {
		logger.Fatalf("Failed to subscribe acceptor to change bus: %v", err)
	}
	admin := store.NewAdmin(projects, publisher, logger.Named("admin"))
	watchManager := watch.NewManager(projects, server, cfg.Watch, logger.Named("watch"), m)

	// 5. [Conditional startup] HTTP server
	var httpServer *http.Server
	if cfg.HttpServer.ListenAddr != "" {
		handler := httphandler.NewHandler(httphandler.Options{
			Server:   server,
			Store:    projects,
			Admin:    admin,
			Watch:    watchManager,
			Gatherer: reg,
			Logger:   logger.Named("http"),
		})
		httpServer = &http.Server{
			Addr:           cfg.HttpServer.ListenAddr,
			Handler:        handler.Routes(),
			ReadTimeout:    cfg.HttpServer.ReadTimeout,
			IdleTimeout:    cfg.HttpServer.IdleTimeout,
			MaxHeaderBytes: cfg.HttpServer.MaxHeaderBytes,
			// Watch streams end when ctx is cancelled at shutdown.
			BaseContext: func(net.Listener) context.Context { return ctx },
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Infof("HTTP server listening on %s", cfg.HttpServer.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatalf("HTTP server startup failed: %v", err)
			}
			logger.Info("HTTP server stopped listening.")
		}()
	} else {
		logger.Info("http_server.listen_addr not configured, skipping HTTP server startup.")
	}

	// 6. [Conditional startup] gRPC health server
	var grpcServer *grpc.Server
	if cfg.Grpc.ListenAddr != "" {
		lis, err := net.Listen("tcp", cfg.Grpc.ListenAddr)
		if err != nil {
			logger.Fatalf("Unable to listen on gRPC port %s: %v", cfg.Grpc.ListenAddr, err)
		}
		grpcServer = grpchandler.NewServer(health)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Infof("gRPC server listening on %s", cfg.Grpc.ListenAddr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Fatalf("gRPC server startup failed: %v", err)
			}
			logger.Info("gRPC server stopped listening.")
		}()
	} else {
		logger.Info("grpc.listen_addr not configured, skipping gRPC server startup.")
	}

	// 7. Start accepting clients
	if *cfg.Server.StartOnInit {
		if err := server.Start(ctx); err != nil {
			logger.Fatalf("Failed to start acceptor: %v", err)
		}
	} else {
		logger.Info("server.start_on_init disabled; start the acceptor through /api/server/start")
	}

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Infof("Received shutdown signal: %s, starting graceful shutdown...", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("HTTP server shutdown failed: %v", err)
		}
	}
	if server.State() == core.StateRunning {
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warnf("Acceptor shutdown failed: %v", err)
		}
	}
	health.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if relay != nil {
		if err := relay.Close(); err != nil {
			logger.Warnf("Change relay shutdown failed: %v", err)
		}
	}
	if err := bus.Close(shutdownCtx); err != nil {
		logger.Warnf("Change bus did not drain: %v", err)
	}

	wg.Wait()
	logger.Info("All servers stopped. Logging configuration server shutdown.")
}
