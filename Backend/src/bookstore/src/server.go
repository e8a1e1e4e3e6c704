package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

type Server struct {
	svc             *Service
	health          *Health
	metrics         *Metrics
	checkoutTimeout time.Duration
}

func NewServer(svc *Service, health *Health, metrics *Metrics, checkoutTimeout time.Duration) *Server {
	return &Server{svc: svc, health: health, metrics: metrics, checkoutTimeout: checkoutTimeout}
}

// Routes arma el mux con CORS, logging de acceso, request id y trazas.
func (s *Server) Routes(corsOrigins []string) http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /api/books", s.handleListBooks)
	s.handle(mux, "GET /api/books/{id}", s.handleGetBook)
	s.handle(mux, "POST /api/checkout", s.handleCheckout)
	s.handle(mux, "GET /api/orders/{orderId}", s.handleGetOrder)
	s.handle(mux, "POST /api/init-books", s.handleInitBooks)
	s.handle(mux, "GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	var h http.Handler = mux
	h = cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", idempotencyHeader, "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
	}).Handler(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("http")
	})(h)
	h = hlog.RequestIDHandler("req_id", "X-Request-Id")(h)
	h = hlog.NewHandler(log.Logger)(h)
	return otelhttp.NewHandler(h, "bookstore.http")
}

func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, s.metrics.instrument(pattern, fn))
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.svc.ListBooks(r.Context())
	if err != nil {
		s.writeError(w, r, err, "Failed to fetch books")
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, ErrInvalidInput{Field: "id", Reason: "must be a positive integer"}, "")
		return
	}
	b, err := s.svc.GetBook(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, "Failed to fetch book")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type checkoutResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	OrderID  string `json:"orderId"`
	Order    *Order `json:"order"`
	Replayed bool   `json:"replayed,omitempty"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, ErrInvalidInput{Field: "body", Reason: "malformed JSON: " + err.Error()}, "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.checkoutTimeout)
	defer cancel()

	res, err := s.svc.Checkout(ctx, req, strings.TrimSpace(r.Header.Get(idempotencyHeader)))
	if err != nil {
		s.writeError(w, r, err, "Failed to process checkout")
		return
	}

	status, msg := http.StatusCreated, "Order created successfully"
	if res.Replayed {
		status, msg = http.StatusOK, "Order already created for this idempotency key"
	}
	writeJSON(w, status, checkoutResponse{
		Success:  true,
		Message:  msg,
		OrderID:  res.Order.ID,
		Order:    res.Order,
		Replayed: res.Replayed,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.GetOrder(r.Context(), r.PathValue("orderId"))
	if err != nil {
		s.writeError(w, r, err, "Failed to fetch order")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleInitBooks(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.SeedSampleBooks(r.Context())
	if err != nil {
		s.writeError(w, r, err, "Failed to initialize books")
		return
	}
	msg := "Sample books initialized successfully"
	if n == 0 {
		msg = "Books already initialized"
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{
		"status":    "OK",
		"message":   "Bookstore API is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	err := s.health.Check(ctx)
	if st, serr := s.health.status(ctx); serr == nil {
		body["grpc_status"] = st.String()
	}
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("health check failed")
		body["status"] = "DEGRADED"
		body["message"] = "Bookstore store is unreachable"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type errorBody struct {
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError traduce la taxonomía de errores a HTTP. Los errores inesperados
// se registran completos pero al cliente solo le llega fallback.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var (
		invalid      ErrInvalidInput
		notFound     ErrBookNotFound
		insufficient ErrInsufficientStock
		changed      ErrStockChanged
		aborted      ErrCheckoutAborted
	)
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: err.Error(), Code: "INVALID_INPUT",
			Details: map[string]any{"field": invalid.Field},
		})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: err.Error(), Code: "BOOK_NOT_FOUND",
			Details: map[string]any{"book_id": notFound.BookID},
		})
	case errors.Is(err, ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Order not found", Code: "ORDER_NOT_FOUND"})
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: err.Error(), Code: "INSUFFICIENT_STOCK",
			Details: map[string]any{
				"book_id":   insufficient.BookID,
				"requested": insufficient.Requested,
				"available": insufficient.Available,
			},
		})
	case errors.As(err, &changed):
		details := map[string]any{"book_id": changed.BookID, "requested": changed.Requested}
		if changed.Available >= 0 {
			details["available"] = changed.Available
		}
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: err.Error(), Code: "STOCK_CHANGED_DURING_CHECKOUT", Details: details,
		})
	case errors.As(err, &aborted), isContextErr(err):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error: "Request aborted before completion; no changes were applied", Code: "CHECKOUT_ABORTED",
		})
	default:
		hlog.FromRequest(r).Error().Stack().Err(err).Msg(fallback)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: fallback, Code: "PERSISTENCE_FAILURE"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
