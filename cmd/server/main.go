package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"farmstation/backend/internal/broker"
	"farmstation/backend/internal/config"
	"farmstation/backend/internal/gateway"
	"farmstation/backend/internal/logger"
	"farmstation/backend/internal/server"
	"farmstation/backend/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Setup(false)
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log := logger.Setup(cfg.LogDebug)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	readings, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("open reading store", "backend", cfg.StoreBackend, "err", err)
		os.Exit(1)
	}
	defer readings.Close()
	log.Info("reading store ready", "backend", cfg.StoreBackend)

	brokerOptions := []broker.Option{broker.WithLogger(log.With("component", "broker"))}
	if !cfg.AllowUnknownDevices {
		brokerOptions = append(brokerOptions, broker.WithDirectory(readings))
	}
	hub := broker.New(broker.Config{
		QueueSize:      cfg.SessionQueueSize,
		ResumeTTL:      cfg.SessionResumeTTL,
		DeviceCacheTTL: cfg.DeviceCacheTTL,
	}, brokerOptions...)

	ingest := gateway.New(readings, hub, gateway.WithLogger(log.With("component", "gateway")))

	var sources sync.WaitGroup
	if cfg.MQTTBrokerURL != "" {
		source := gateway.NewMQTTSource(ingest, gateway.MQTTConfig{
			BrokerURL: cfg.MQTTBrokerURL,
			Topic:     cfg.MQTTTopic,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
		})
		sources.Add(1)
		go func() {
			defer sources.Done()
			if err := source.Run(ctx); err != nil {
				log.Error("mqtt ingest stopped", "err", err)
			}
		}()
		log.Info("mqtt ingest enabled", "broker", cfg.MQTTBrokerURL, "topic", cfg.MQTTTopic)
	}
	if cfg.SerialPort != "" {
		source := gateway.NewSerialSource(ingest, gateway.SerialConfig{
			Port:     cfg.SerialPort,
			BaudRate: cfg.SerialBaud,
			DeviceID: cfg.SerialDeviceID,
		})
		sources.Add(1)
		go func() {
			defer sources.Done()
			if err := source.Run(ctx); err != nil {
				log.Error("serial ingest stopped", "err", err)
			}
		}()
		log.Info("serial ingest enabled", "port", cfg.SerialPort, "baud", cfg.SerialBaud)
	}

	api := server.NewAPI(
		readings,
		ingest,
		hub,
		cfg.IngestAPIKey,
		server.WithIngestRateLimit(cfg.IngestRatePerSecond, cfg.IngestRateBurst),
		server.WithTrustProxyHeaders(cfg.TrustProxyHeaders),
		server.WithAllowedOrigin(cfg.CORSAllowOrigin),
		server.WithLogger(log.With("component", "api")),
	)

	handler := withCORS(cfg.CORSAllowOrigin, api.Handler())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "err", err)
		}
	}()

	log.Info("telemetry server listening", "port", cfg.Port, "allow_unknown_devices", cfg.AllowUnknownDevices)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server", "err", err)
		os.Exit(1)
	}

	sources.Wait()
	log.Info("telemetry server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	setupCtx, cancelSetup := context.WithTimeout(ctx, 10*time.Second)
	defer cancelSetup()

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		postgresStore, err := store.NewPostgresStore(setupCtx, cfg.DatabaseURL, int32(cfg.PGMaxConns))
		if err != nil {
			return nil, err
		}
		return postgresStore, nil
	case config.BackendMongo:
		mongoStore, err := store.NewMongoStore(setupCtx, store.MongoConfig{
			URL:      cfg.MongoURL,
			Database: cfg.MongoDatabase,
			AppName:  "farmstation",
		})
		if err != nil {
			return nil, err
		}
		return mongoStore, nil
	default:
		return store.NewMemoryStore(cfg.MemoryMaxReadings), nil
	}
}

func withCORS(allowedOrigin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		response.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		response.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		response.Header().Set("Access-Control-Allow-Headers", "Content-Type,X-API-Key")

		if request.Method == http.MethodOptions {
			response.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(response, request)
	})
}
