// Package server implements the gateway's admin HTTP API: health and
// build info, the command enqueue endpoint, and the Prometheus scrape
// surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetops/gpsgate/internal/store"
	appversion "github.com/fleetops/gpsgate/internal/version"
)

// HTTP server tuning.
const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second

	maxCommandBody = 4 * 1024
)

var errEmptyCommand = errors.New("server: empty command")

// DeviceStore is the store surface the admin API needs. *store.Store
// satisfies it.
type DeviceStore interface {
	EnqueueCommand(ctx context.Context, imei, command string) (store.CommandEntry, error)
	GetStatus(ctx context.Context, imei string) (*store.DeviceStatus, error)
}

// Dispatcher attempts immediate delivery of a queued command to a live
// session. *gateway.Gateway satisfies it.
type Dispatcher interface {
	Dispatch(imei string, entry store.CommandEntry) bool
}

// Server is the admin HTTP API.
type Server struct {
	addr        string
	secret      string
	devices     DeviceStore
	dispatchers []Dispatcher
	registry    prometheus.Gatherer
	logger      *slog.Logger
	started     time.Time
}

// New creates the admin Server. Dispatchers are consulted in order when a
// freshly enqueued command may be deliverable immediately; the registry
// may be nil to serve the default Prometheus registry.
func New(addr, secret string, devices DeviceStore, dispatchers []Dispatcher, registry prometheus.Gatherer, logger *slog.Logger) *Server {
	if registry == nil {
		registry = prometheus.DefaultGatherer
	}
	return &Server{
		addr:        addr,
		secret:      secret,
		devices:     devices,
		dispatchers: dispatchers,
		registry:    registry,
		logger:      logger.With(slog.String("component", "api")),
		started:     time.Now(),
	}
}

// Handler builds the route table with logging and recovery middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/info", s.handleInfo)
	mux.HandleFunc("GET /api/devices/{imei}", s.requireAuth(s.handleDeviceStatus))
	mux.HandleFunc("POST /api/commands/{imei}", s.requireAuth(s.handleEnqueueCommand))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return s.recovery(s.logging(mux))
}

// Run serves the admin API until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin api listening", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      "gpsgate",
		"version":   appversion.Version,
		"gitCommit": appversion.GitCommit,
		"buildDate": appversion.BuildDate,
	})
}

// handleDeviceStatus returns the device's merged live state from the
// presence store.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	imei := r.PathValue("imei")
	if imei == "" {
		writeError(w, http.StatusBadRequest, "missing imei")
		return
	}

	st, err := s.devices.GetStatus(r.Context(), imei)
	if err != nil {
		s.logger.Error("status lookup failed",
			slog.String("imei", imei),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// commandRequest is the POST /api/commands/{imei} body.
type commandRequest struct {
	Command string `json:"command"`
}

// commandResponse reports the queued command and whether it was handed to
// a live session immediately.
type commandResponse struct {
	ID         int64     `json:"id"`
	IMEI       string    `json:"imei"`
	Command    string    `json:"command"`
	CreatedAt  time.Time `json:"createdAt"`
	Dispatched bool      `json:"dispatched"`
}

// handleEnqueueCommand persists the command and opportunistically pushes
// it to a connected session. The durable row outlives the push attempt:
// delivery is confirmed only by the session loop.
func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	imei := r.PathValue("imei")
	if imei == "" {
		writeError(w, http.StatusBadRequest, "missing imei")
		return
	}

	var req commandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, errEmptyCommand.Error())
		return
	}

	entry, err := s.devices.EnqueueCommand(r.Context(), imei, req.Command)
	if err != nil {
		s.logger.Error("command enqueue failed",
			slog.String("imei", imei),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	dispatched := false
	for _, d := range s.dispatchers {
		if d.Dispatch(imei, entry) {
			dispatched = true
			break
		}
	}

	writeJSON(w, http.StatusAccepted, commandResponse{
		ID:         entry.ID,
		IMEI:       imei,
		Command:    entry.Command,
		CreatedAt:  entry.CreatedAt,
		Dispatched: dispatched,
	})
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
