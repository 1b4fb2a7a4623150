// Package api serves the read-only status surface of the grid bot.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/amirphl/grid-trader/internal/journal"
	"github.com/amirphl/grid-trader/internal/livetrading"
	"github.com/amirphl/grid-trader/internal/order"
)

// SnapshotSource exposes the current state of the poll loop.
type SnapshotSource interface {
	Snapshot() livetrading.Snapshot
}

// Store is the subset of storage the status server reads from.
type Store interface {
	GetOpenOrders(ctx context.Context, symbol string) ([]order.Order, error)
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error)
}

// Server handles HTTP requests for the status API
type Server struct {
	router      *mux.Router
	source      SnapshotSource
	store       Store
	symbol      string
	corsOrigins []string
	pushEvery   time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewServer creates a status server. When corsOrigins is empty no CORS
// headers are emitted.
func NewServer(source SnapshotSource, store Store, symbol string, corsOrigins []string, logger *zap.Logger) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		source:      source,
		store:       store,
		symbol:      symbol,
		corsOrigins: corsOrigins,
		pushEvery:   time.Second,
		now:         time.Now,
		logger:      logger.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/ladder", s.handleGetLadder).Methods("GET")
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS when origins are configured.
func (s *Server) Handler() http.Handler {
	if len(s.corsOrigins) == 0 {
		return s.router
	}
	c := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// OrderResponse is the JSON form of a journaled order.
type OrderResponse struct {
	OrderID     string    `json:"order_id"`
	Side        string    `json:"side"`
	Status      string    `json:"status"`
	Price       string    `json:"price"`
	Quantity    string    `json:"quantity"`
	ExecutedQty string    `json:"executed_qty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EventResponse is the JSON form of a journal event.
type EventResponse struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleGetLadder(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.source.Snapshot())
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.GetOpenOrders(r.Context(), s.symbol)
	if err != nil {
		s.logger.Error("failed to load open orders", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}

	resp := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, OrderResponse{
			OrderID:     o.OrderID,
			Side:        string(o.Side),
			Status:      string(o.Status),
			Price:       o.Price.String(),
			Quantity:    o.Quantity.String(),
			ExecutedQty: o.ExecutedQty.String(),
			CreatedAt:   o.CreatedAt,
			UpdatedAt:   o.UpdatedAt,
		})
	}
	respondJSON(w, resp)
}

// handleGetEvents lists journal events of one type. since and until are
// RFC3339 timestamps; the window defaults to the last 24 hours.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eventType := q.Get("type")
	if eventType == "" {
		respondError(w, http.StatusBadRequest, "missing_type", "query parameter type is required")
		return
	}

	end := s.now().UTC()
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_until", err.Error())
			return
		}
		end = t
	}
	start := end.Add(-24 * time.Hour)
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_since", err.Error())
			return
		}
		start = t
	}

	events, err := s.store.GetEvents(r.Context(), eventType, start, end)
	if err != nil {
		s.logger.Error("failed to load events", zap.String("type", eventType), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}

	resp := make([]EventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, EventResponse{
			Time:        e.Time,
			Type:        e.Type,
			Description: e.Description,
			Data:        e.Data,
		})
	}
	respondJSON(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	respondJSON(w, map[string]any{
		"status": "ok",
		"state":  snap.State,
		"cycles": snap.Cycles,
	})
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
	})
}
