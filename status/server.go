package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"campuslink/storage"
)

const (
	defaultListLimit  = 100
	readHeaderTimeout = 5 * time.Second
)

// OutboxView is the read side of the outbox. *outbox.Outbox implements it.
type OutboxView interface {
	List(limit int) ([]storage.OutboxEntry, error)
	Len() (int, error)
	Failures(unacknowledgedOnly bool) ([]storage.OutboxFailure, error)
}

// Options configures the status endpoint.
type Options struct {
	Outbox    OutboxView
	Connected func() bool
	Badge     func() int
	Logger    zerolog.Logger
}

type healthResponse struct {
	Status      string `json:"status"`
	Connected   bool   `json:"connected"`
	Badge       int    `json:"badge"`
	OutboxDepth int    `json:"outbox_depth"`
}

type entryResponse struct {
	EntryID   string    `json:"entry_id"`
	Method    string    `json:"method"`
	Endpoint  string    `json:"endpoint"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

type failureResponse struct {
	ID           int64     `json:"id"`
	EntryID      string    `json:"entry_id"`
	Method       string    `json:"method"`
	Endpoint     string    `json:"endpoint"`
	Attempts     int       `json:"attempts"`
	Reason       string    `json:"reason"`
	FailedAt     time.Time `json:"failed_at"`
	Acknowledged bool      `json:"acknowledged"`
}

type outboxResponse struct {
	Depth   int             `json:"depth"`
	Entries []entryResponse `json:"entries"`
}

// NewRouter creates the local status router: health, Prometheus metrics and the outbox.
func NewRouter(options Options) *chi.Mux {
	h := &handler{options: options}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(options.Logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.health)
	r.Route("/outbox", func(r chi.Router) {
		r.Get("/", h.outbox)
		r.Get("/failures", h.failures)
	})
	return r
}

// Server serves the status router on a local address.
type Server struct {
	server *http.Server
	logger zerolog.Logger
}

// Listen binds addr and serves in the background. The returned address is the bound one.
func Listen(addr string, options Options) (*Server, net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	s := &Server{
		server: &http.Server{
			Handler:           NewRouter(options),
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: options.Logger.With().Str("component", "status").Logger(),
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("status server stopped")
		}
	}()
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("status server listening")
	return s, listener.Addr(), nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type handler struct {
	options Options
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.options.Connected != nil {
		resp.Connected = h.options.Connected()
	}
	if h.options.Badge != nil {
		resp.Badge = h.options.Badge()
	}
	if h.options.Outbox != nil {
		depth, err := h.options.Outbox.Len()
		if err != nil {
			resp.Status = "degraded"
		}
		resp.OutboxDepth = depth
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) outbox(w http.ResponseWriter, r *http.Request) {
	if h.options.Outbox == nil {
		writeError(w, http.StatusNotFound, "outbox not configured")
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := h.options.Outbox.List(limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	depth, err := h.options.Outbox.Len()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := outboxResponse{Depth: depth, Entries: make([]entryResponse, 0, len(entries))}
	for _, entry := range entries {
		item := entryResponse{
			EntryID:   entry.EntryID,
			Method:    entry.Method,
			Endpoint:  entry.Endpoint,
			CreatedAt: time.UnixMilli(entry.CreatedAt).UTC(),
			Attempts:  entry.Attempts,
		}
		if entry.LastError != nil {
			item.LastError = *entry.LastError
		}
		resp.Entries = append(resp.Entries, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) failures(w http.ResponseWriter, r *http.Request) {
	if h.options.Outbox == nil {
		writeError(w, http.StatusNotFound, "outbox not configured")
		return
	}
	unacknowledged := r.URL.Query().Get("all") != "true"
	failures, err := h.options.Outbox.Failures(unacknowledged)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := make([]failureResponse, 0, len(failures))
	for _, failure := range failures {
		resp = append(resp, failureResponse{
			ID:           failure.ID,
			EntryID:      failure.EntryID,
			Method:       failure.Method,
			Endpoint:     failure.Endpoint,
			Attempts:     failure.Attempts,
			Reason:       failure.Reason,
			FailedAt:     time.UnixMilli(failure.FailedAt).UTC(),
			Acknowledged: failure.Acknowledged,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	logger = logger.With().Str("component", "status").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
