// Package api serves the collector's status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"airsquawk/internal/adsb"
	"airsquawk/internal/collector"
	"airsquawk/internal/state"
	"airsquawk/internal/storage"
)

// StatusSource publishes the collector status.
type StatusSource interface {
	Status() *collector.Status
}

// SightingStore reads long-visibility history.
type SightingStore interface {
	RecentSightings(ctx context.Context, limit int) ([]storage.Sighting, error)
	GetAircraft(ctx context.Context, icaoHex string) (*storage.AircraftRecord, error)
}

// Config holds configuration for the API server.
type Config struct {
	Listen  string
	APIKeys []string // Keys accepted when non-empty.
}

// Server provides REST access to the collector status.
type Server struct {
	status  StatusSource
	db      SightingStore
	metrics http.Handler
	listen  string
	apiKeys map[string]bool
	log     *slog.Logger
}

// NewServer creates an API server. db and metrics may be nil.
func NewServer(status StatusSource, db SightingStore, metrics http.Handler, cfg Config, log *slog.Logger) *Server {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = true
		}
	}
	return &Server{
		status:  status,
		db:      db,
		metrics: metrics,
		listen:  cfg.Listen,
		apiKeys: keys,
		log:     log.With("component", "api"),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("status API listening", slog.String("addr", s.listen), slog.Bool("auth", len(s.apiKeys) > 0))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required).
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if len(s.apiKeys) > 0 {
				r.Use(s.authMiddleware)
			}
			r.Get("/aircraft", s.handleAircraft)
			r.Get("/aircraft/{icao_hex}", s.handleAircraftByHex)
			r.Get("/reception", s.handleReception)
			r.Get("/stats", s.handleStats)
			r.Get("/sightings", s.handleSightings)
		})
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("took", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// current returns the published status or answers 503.
func (s *Server) current(w http.ResponseWriter) (*collector.Status, bool) {
	st := s.status.Status()
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "collector starting")
		return nil, false
	}
	return st, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	if st == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"time":      time.Now().UTC().Format(time.RFC3339),
		"last_tick": st.Time.UTC().Format(time.RFC3339),
		"ticks":     st.Ticks,
		"tracked":   len(st.Aircraft),
	})
}

func (s *Server) handleAircraft(w http.ResponseWriter, r *http.Request) {
	st, ok := s.current(w)
	if !ok {
		return
	}
	list := st.Aircraft
	if r.URL.Query().Get("with_position") == "true" {
		list = make([]state.Aircraft, 0, len(st.Aircraft))
		for _, a := range st.Aircraft {
			if a.Quality != state.QualityNone {
				list = append(list, a)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"time":     st.Time.UTC().Format(time.RFC3339),
		"count":    len(list),
		"aircraft": list,
	})
}

// AircraftResponse combines live tracking with stored history.
type AircraftResponse struct {
	Live    *state.Aircraft         `json:"live,omitempty"`
	History *storage.AircraftRecord `json:"history,omitempty"`
}

func (s *Server) handleAircraftByHex(w http.ResponseWriter, r *http.Request) {
	hex := adsb.NormalizeHex(chi.URLParam(r, "icao_hex"))
	if hex == "" {
		writeError(w, http.StatusBadRequest, "icao_hex is required")
		return
	}
	st, ok := s.current(w)
	if !ok {
		return
	}

	var resp AircraftResponse
	if a, found := st.Find(hex); found {
		resp.Live = &a
	}
	if s.db != nil {
		rec, err := s.db.GetAircraft(r.Context(), hex)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.History = rec
	}
	if resp.Live == nil && resp.History == nil {
		writeError(w, http.StatusNotFound, "Aircraft not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReception(w http.ResponseWriter, r *http.Request) {
	st, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":    st.Reception,
		"best_range": st.BestRange,
		"receiver":   st.Receiver,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"time":            st.Time.UTC().Format(time.RFC3339),
		"ticks":           st.Ticks,
		"tracked":         len(st.Aircraft),
		"positions":       st.Positions,
		"longest":         st.Longest,
		"longest_typed":   st.LongestTyped,
		"best_range":      st.BestRange,
		"buffered":        st.Buffered,
		"pending_rollups": st.PendingRollups,
		"memoised":        st.Memoised,
		"type_database":   st.TypeDatabase,
		"urls_buffered":   st.URLsBuffered,
	})
}

func (s *Server) handleSightings(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "Sightings database not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	sightings, err := s.db.RecentSightings(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sightings == nil {
		sightings = []storage.Sighting{}
	}
	writeJSON(w, http.StatusOK, sightings)
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
