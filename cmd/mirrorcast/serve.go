package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"mirrorcast/internal/core/services"
	httphandlers "mirrorcast/internal/handlers/http"
	"mirrorcast/internal/infrastructure/discovery"
	"mirrorcast/internal/infrastructure/distributed"
	"mirrorcast/internal/infrastructure/middleware"
	"mirrorcast/internal/infrastructure/monitoring"
	"mirrorcast/internal/infrastructure/signal"
	"mirrorcast/internal/infrastructure/streaming"
	webrtcinfra "mirrorcast/internal/infrastructure/webrtc"
	"mirrorcast/pkg/circuitbreaker"
	"mirrorcast/pkg/config"
	"mirrorcast/pkg/logger"
	"mirrorcast/pkg/retry"
	"mirrorcast/pkg/tracing"
	"mirrorcast/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	healthCheckInterval = 30 * time.Second
	healthCheckTimeout  = 2 * time.Second
)

func newServeCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the receiver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			zapLogger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer zapLogger.Sync()

			return serve(cmd.Context(), cfg, zapLogger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()

	lock := flock.New(cfg.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", cfg.LockFile, err)
	}
	if !locked {
		return fmt.Errorf("another receiver is already running (lock %s is held)", cfg.LockFile)
	}
	defer lock.Unlock()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "mirrorcast",
		Version:     cfg.Pairing.ProtocolVersion,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := monitoring.NewPrometheusCollector(registry)

	signalPort, err := listenPort(cfg.Signal.Address)
	if err != nil {
		return fmt.Errorf("signal.address: %w", err)
	}
	address, err := discovery.AdvertiseAddress(cfg.Pairing.AdvertiseAddress)
	if err != nil {
		log.Warnw("no LAN address found, pairing payloads will use loopback", "error", err)
		address = "127.0.0.1"
	}
	instance := cfg.Discovery.Instance
	if instance == "" {
		instance = utils.InstanceName()
	}

	// Session core
	pipeline := streaming.NewPipeline(
		cfg.Pipeline.QueueSize,
		cfg.Pipeline.TargetFPS,
		streaming.NewConverter(nil, log),
		collector,
		log,
	)
	tokens := services.NewTokenService(cfg.Pairing.TokenSecret, cfg.Pairing.TokenTTL, "mirrorcast")
	manager := services.NewSessionService(tokens, services.Endpoint{
		Address:         address,
		Port:            signalPort,
		ProtocolVersion: cfg.Pairing.ProtocolVersion,
	}, pipeline, log, collector)

	webrtcCfg := webrtcinfra.Config{
		ICEServers:          iceServers(cfg.WebRTC.ICEServers),
		CandidateBufferSize: cfg.WebRTC.CandidateBufferSize,
		PLIInterval:         cfg.WebRTC.PLIInterval,
		SampleMaxLate:       cfg.WebRTC.SampleMaxLate,
	}
	webrtcCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	webrtcCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	factory, err := webrtcinfra.NewEngineFactory(webrtcCfg)
	if err != nil {
		return err
	}
	peer := webrtcinfra.NewPeerSession(webrtcCfg, factory, manager, pipeline, collector, log)

	signalCfg := signal.Config{
		PingInterval:     cfg.Signal.PingInterval,
		PongTimeout:      cfg.Signal.PongTimeout,
		HandshakeTimeout: cfg.Signal.HandshakeTimeout,
		MaxMessageSize:   cfg.Signal.MaxMessageSize,
		ServerName:       cfg.Pairing.ServerName,
		Version:          cfg.Pairing.ProtocolVersion,
	}
	if cfg.RateLimiting.Enabled {
		signalCfg.ConnectionsPerMinute = cfg.RateLimiting.WebSocket.ConnectionsPerMinute
		signalCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		signalCfg.MessageBurst = cfg.RateLimiting.WebSocket.Burst
	}
	server := signal.NewWebSocketServer(signalCfg, manager, peer, collector, log)
	peer.SetSignalSender(server)
	manager.Attach(peer, server)

	health := monitoring.NewHealthChecker()
	health.AddListenerCheck("signal", cfg.Signal.Address, healthCheckInterval, healthCheckTimeout)
	health.AddListenerCheck("api", cfg.Server.Address, healthCheckInterval, healthCheckTimeout)

	// Optional integrations
	if cfg.Redis.Enabled {
		client, err := connectRedis(ctx, cfg, log)
		if err != nil {
			log.Warnw("session events will not be published", "error", err)
		} else {
			defer client.Close()
			bus := distributed.NewEventBus(client, distributed.EventBusConfig{
				Channel:    cfg.Redis.Channel,
				InstanceID: instance,
			}, log)
			manager.AddObserver(bus)
			go bus.Run(ctx)
			health.AddRedisCheck(client, healthCheckInterval, healthCheckTimeout)
			health.AddCheck("event_bus", func(context.Context) error {
				if state := bus.BreakerState(); state == circuitbreaker.StateOpen {
					return fmt.Errorf("publishing circuit is %s", state)
				}
				return nil
			}, 0, healthCheckTimeout)
		}
	}

	if cfg.Discovery.Enabled {
		advertiser, err := discovery.NewAdvertiser(discovery.Config{
			Instance:        instance,
			Service:         cfg.Discovery.Service,
			Domain:          cfg.Discovery.Domain,
			Port:            int(signalPort),
			ProtocolVersion: cfg.Pairing.ProtocolVersion,
			Retry:           retry.DefaultConfig(),
		}, log)
		if err != nil {
			return err
		}
		if err := advertiser.Start(ctx); err != nil {
			log.Warnw("LAN discovery unavailable", "error", err)
		} else {
			defer advertiser.Shutdown()
			manager.AddObserver(advertiser)
		}
	}

	go pipeline.Run(ctx)

	// HTTP surfaces
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}
	system := httphandlers.NewSystemHandler(health, manager, server, discovery.LocalIPv4Addresses, int(signalPort), gatherer)

	api := gin.New()
	api.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)
	httphandlers.NewSessionHandler(manager, pipeline, server).SetupRoutes(api)
	system.SetupRoutes(api)

	signalRouter := gin.New()
	signalRouter.Use(middleware.RecoveryMiddleware(log))
	server.Register(signalRouter)
	signalRouter.GET("/network-info", system.NetworkInfo)

	apiSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	// no write timeout: the signaling socket is long lived
	signalSrv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           signalRouter,
		ReadHeaderTimeout: cfg.Signal.HandshakeTimeout,
	}

	serverErr := make(chan error, 2)
	listen := func(name string, srv *http.Server) {
		log.Infow("listening", "server", name, "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go listen("api", apiSrv)
	go listen("signal", signalSrv)

	health.StartBackgroundChecks(ctx)
	log.Infow("receiver ready",
		"instance", instance,
		"address", address,
		"signal_port", signalPort,
		"status", manager.Snapshot().Status,
	)

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("server failed", "error", runErr)
	case <-ctx.Done():
		log.Info("shutting down receiver")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	manager.Disconnect("receiver shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("signaling sockets not closed", "error", err)
	}
	for name, srv := range map[string]*http.Server{"signal": signalSrv, "api": apiSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "server", name, "error", err)
			srv.Close()
		}
	}

	log.Info("receiver stopped")
	return runErr
}

func connectRedis(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*redis.Client, error) {
	var client *redis.Client
	err := retry.Retry(ctx, retry.DefaultConfig(), func() error {
		c, err := distributed.NewRedisClient(ctx, distributed.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}

func iceServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// listenPort extracts the port of a listen address such as ":8081".
func listenPort(address string) (uint16, error) {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", port)
	}
	return uint16(n), nil
}
