// Package httpapi exposes discovery, the connection and printing over HTTP.
//
// Routes:
//
//	GET    /api/discover         scan one interface and return the final device set
//	DELETE /api/discover         stop the running scan
//	GET    /api/discover/ws      stream scan snapshots over a websocket
//	POST   /api/connect          connect a device
//	POST   /api/disconnect       drop the connection
//	GET    /api/connection       connection state
//	GET    /api/status           ask the connected printer for its status
//	POST   /api/print            compose and send a job
//	GET    /api/events/ws        stream connection events over a websocket
//	GET    /metrics              Prometheus metrics
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nixxel-company-limited/escpos-cloud-printer/connection"
	"github.com/nixxel-company-limited/escpos-cloud-printer/discovery"
	"github.com/nixxel-company-limited/escpos-cloud-printer/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DefaultDiscoveryTimeout applies to GET /api/discover when no timeout is given
const DefaultDiscoveryTimeout = 10 * time.Second

// Config wires the API to the printer components
type Config struct {
	Engine  *discovery.Engine
	Manager *connection.Manager
	Session *session.Session

	// Gatherer serves /metrics. Default: prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer

	DiscoveryTimeout time.Duration
	Logger           *zap.Logger
}

// API is the HTTP front end
type API struct {
	engine  *discovery.Engine
	manager *connection.Manager
	session *session.Session
	timeout time.Duration
	logger  *zap.Logger

	upgrader websocket.Upgrader
	router   *mux.Router

	// print requests compose into the shared session buffer one at a time
	printMu sync.Mutex
}

// New creates the API and its routes
func New(cfg Config) *API {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	a := &API{
		engine:  cfg.Engine,
		manager: cfg.Manager,
		session: cfg.Session,
		timeout: cfg.DiscoveryTimeout,
		logger:  cfg.Logger.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r := mux.NewRouter()
	r.Use(a.recoverMiddleware, a.logMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.Path("/discover").Methods(http.MethodGet).HandlerFunc(a.handleDiscover)
	api.Path("/discover").Methods(http.MethodDelete).HandlerFunc(a.handleStopDiscover)
	api.Path("/discover/ws").Methods(http.MethodGet).HandlerFunc(a.handleDiscoverStream)
	api.Path("/connect").Methods(http.MethodPost).HandlerFunc(a.handleConnect)
	api.Path("/disconnect").Methods(http.MethodPost).HandlerFunc(a.handleDisconnect)
	api.Path("/connection").Methods(http.MethodGet).HandlerFunc(a.handleConnection)
	api.Path("/status").Methods(http.MethodGet).HandlerFunc(a.handleStatus)
	api.Path("/print").Methods(http.MethodPost).HandlerFunc(a.handlePrint)
	api.Path("/events/ws").Methods(http.MethodGet).HandlerFunc(a.handleEvents)

	r.Path("/metrics").Methods(http.MethodGet).Handler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	})

	a.router = r
	return a
}

// Handler returns the root handler
func (a *API) Handler() http.Handler {
	return a.router
}

// ListenAndServe serves on addr until ctx is done
func (a *API) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("listening", zap.String("address", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
