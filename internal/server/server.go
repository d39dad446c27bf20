package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"farmstation/backend/internal/broker"
	"farmstation/backend/internal/gateway"
	"farmstation/backend/internal/telemetry"
)

const (
	defaultMaxBatchSize = 500
	maxHistoryLimit     = 10000
	defaultHistoryLimit = 100
)

type Store interface {
	telemetry.ReadingStore
	DeviceCount(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

type API struct {
	store             Store
	gateway           *gateway.Gateway
	broker            *broker.Broker
	ingestAPIKey      string
	limiter           *requestLimiter
	trustProxyHeaders bool
	maxBatchSize      int
	keepalive         Keepalive
	upgrader          websocket.Upgrader
	logger            *slog.Logger
	now               func() time.Time
}

type APIOption func(*API)

func WithIngestRateLimit(perSecond float64, burst int) APIOption {
	return func(api *API) {
		api.limiter = newRequestLimiter(perSecond, burst)
	}
}

func WithTrustProxyHeaders(trust bool) APIOption {
	return func(api *API) {
		api.trustProxyHeaders = trust
	}
}

func WithKeepalive(keepalive Keepalive) APIOption {
	return func(api *API) {
		api.keepalive = keepalive
	}
}

// WithAllowedOrigin restricts WebSocket upgrades to one browser origin. "*"
// accepts any origin.
func WithAllowedOrigin(origin string) APIOption {
	return func(api *API) {
		api.upgrader.CheckOrigin = func(request *http.Request) bool {
			if origin == "" || origin == "*" {
				return true
			}
			requestOrigin := request.Header.Get("Origin")
			return requestOrigin == "" || requestOrigin == origin
		}
	}
}

func WithLogger(logger *slog.Logger) APIOption {
	return func(api *API) {
		api.logger = logger
	}
}

func NewAPI(store Store, ingest *gateway.Gateway, hub *broker.Broker, ingestAPIKey string, options ...APIOption) *API {
	api := &API{
		store:        store,
		gateway:      ingest,
		broker:       hub,
		ingestAPIKey: strings.TrimSpace(ingestAPIKey),
		limiter:      newRequestLimiter(5, 10),
		maxBatchSize: defaultMaxBatchSize,
		keepalive:    DefaultKeepalive(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, option := range options {
		option(api)
	}
	return api
}

func (api *API) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.CleanPath)
	router.Use(requestLogger(api.logger))

	router.NotFound(func(response http.ResponseWriter, _ *http.Request) {
		writeError(response, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowed(func(response http.ResponseWriter, _ *http.Request) {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
	})

	router.Get("/health", api.handleHealth)
	router.Get("/ready", api.handleReady)

	router.Group(func(router chi.Router) {
		router.Use(api.requireIngestKey)
		router.Post("/api/ingest", api.handleIngest)
		router.Post("/api/ingest/batch", api.handleIngestBatch)
	})

	router.Get("/api/devices/{deviceID}/latest", api.handleLatest)
	router.Get("/api/devices/{deviceID}/readings", api.handleReadings)
	router.Get("/ws", api.handleSession)

	return router
}

func (api *API) handleHealth(response http.ResponseWriter, request *http.Request) {
	devices, err := api.store.DeviceCount(request.Context())
	if err != nil {
		writeError(response, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{
		"status":   "ok",
		"devices":  devices,
		"sessions": api.broker.SessionCount(),
	})
}

func (api *API) handleReady(response http.ResponseWriter, request *http.Request) {
	if err := api.store.Ping(request.Context()); err != nil {
		writeError(response, http.StatusServiceUnavailable, "not ready")
		return
	}

	writeJSON(response, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (api *API) requireIngestKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		providedKey := strings.TrimSpace(request.Header.Get("X-API-Key"))
		if api.ingestAPIKey == "" || subtle.ConstantTimeCompare([]byte(providedKey), []byte(api.ingestAPIKey)) != 1 {
			writeError(response, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(response, request)
	})
}

func (api *API) handleIngest(response http.ResponseWriter, request *http.Request) {
	payload, ok := readBody(response, request)
	if !ok {
		return
	}

	reading, err := telemetry.DecodeReading(payload)
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}

	if !api.limiter.Allow("device:"+reading.DeviceID, api.now()) {
		writeError(response, http.StatusTooManyRequests, "ingest rate limit exceeded")
		return
	}

	accepted, err := api.gateway.Ingest(request.Context(), reading)
	if errors.Is(err, telemetry.ErrMalformedReading) {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		api.logger.Error("ingest failed", "device", reading.DeviceID, "err", err)
		writeError(response, http.StatusInternalServerError, "failed to persist reading")
		return
	}

	writeJSON(response, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"reading": accepted,
	})
}

func (api *API) handleIngestBatch(response http.ResponseWriter, request *http.Request) {
	payload, ok := readBody(response, request)
	if !ok {
		return
	}

	readings, err := telemetry.DecodeReadingsBatch(payload, api.maxBatchSize)
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}

	if !api.limiter.Allow("client:"+clientIdentity(request, api.trustProxyHeaders), api.now()) {
		writeError(response, http.StatusTooManyRequests, "ingest rate limit exceeded")
		return
	}

	accepted, err := api.gateway.IngestBatch(request.Context(), readings)
	if err != nil {
		statusCode := http.StatusInternalServerError
		if errors.Is(err, telemetry.ErrMalformedReading) {
			statusCode = http.StatusBadRequest
		} else {
			api.logger.Error("batch ingest failed", "accepted", accepted, "err", err)
		}
		writeJSON(response, statusCode, map[string]any{
			"error":    err.Error(),
			"accepted": accepted,
		})
		return
	}

	writeJSON(response, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"accepted": accepted,
	})
}

func (api *API) handleLatest(response http.ResponseWriter, request *http.Request) {
	deviceID := strings.TrimSpace(chi.URLParam(request, "deviceID"))

	reading, found, err := api.store.Latest(request.Context(), deviceID)
	if err != nil {
		writeError(response, http.StatusInternalServerError, "failed to read data")
		return
	}
	if !found {
		writeError(response, http.StatusNotFound, "no readings for device")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{"reading": reading})
}

func (api *API) handleReadings(response http.ResponseWriter, request *http.Request) {
	deviceID := strings.TrimSpace(chi.URLParam(request, "deviceID"))

	limit := defaultHistoryLimit
	if rawLimit := request.URL.Query().Get("limit"); rawLimit != "" {
		parsedLimit, err := strconv.Atoi(rawLimit)
		if err != nil || parsedLimit < 1 || parsedLimit > maxHistoryLimit {
			writeError(response, http.StatusBadRequest, "limit must be between 1 and 10000")
			return
		}
		limit = parsedLimit
	}

	readings, err := api.store.History(request.Context(), deviceID, limit)
	if err != nil {
		writeError(response, http.StatusInternalServerError, "failed to read data")
		return
	}
	if readings == nil {
		readings = []telemetry.Reading{}
	}

	writeJSON(response, http.StatusOK, map[string]any{
		"deviceId": deviceID,
		"readings": readings,
	})
}

func readBody(response http.ResponseWriter, request *http.Request) ([]byte, bool) {
	request.Body = http.MaxBytesReader(response, request.Body, 1<<20)
	payload, err := io.ReadAll(request.Body)
	if err != nil {
		writeError(response, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return payload, true
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
			started := time.Now()
			wrapped := middleware.NewWrapResponseWriter(response, request.ProtoMajor)
			next.ServeHTTP(wrapped, request)
			logger.Debug(
				"http request",
				"method", request.Method,
				"path", request.URL.Path,
				"status", wrapped.Status(),
				"duration", time.Since(started),
				"request_id", middleware.GetReqID(request.Context()),
			)
		})
	}
}

func writeJSON(response http.ResponseWriter, statusCode int, payload any) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(statusCode)
	_ = json.NewEncoder(response).Encode(payload)
}

func writeError(response http.ResponseWriter, statusCode int, message string) {
	writeJSON(response, statusCode, map[string]string{"error": message})
}
