// Package api exposes the credit ledger over HTTP: balance and history
// queries, top-ups and a websocket stream of balance changes. The caller's
// account comes from an ActorFunc; authentication happens upstream.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/types"
)

// AccountHeader is the default header the actor is read from.
const AccountHeader = "X-Account-ID"

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// maxPageSize caps the limit query parameter.
const maxPageSize = 200

// DepositAuthFunc reports whether a request may credit accounts. It guards
// POST /deposits and must identify the payment webhook or service caller,
// never the end user.
type DepositAuthFunc func(r *http.Request) bool

// BearerToken accepts requests carrying "Authorization: Bearer <token>".
// An empty token accepts nothing.
func BearerToken(token string) DepositAuthFunc {
	want := []byte("Bearer " + token)
	return func(r *http.Request) bool {
		if token == "" {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) == 1
	}
}

// ActorFunc resolves the account a request acts for. It returns "" when
// the request is anonymous.
type ActorFunc func(r *http.Request) string

// HeaderActor reads the account from header.
func HeaderActor(header string) ActorFunc {
	return func(r *http.Request) string { return r.Header.Get(header) }
}

// Server serves the ledger over HTTP.
type Server struct {
	ledger   *credits.Ledger
	hub      *Hub
	actor    ActorFunc
	metrics  http.Handler
	origins  []string
	deposits DepositAuthFunc
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithActor replaces the X-Account-ID actor lookup.
func WithActor(fn ActorFunc) Option {
	return func(s *Server) { s.actor = fn }
}

// WithHub enables GET /wallet/stream. The hub must also be registered as a
// ledger plugin to receive changes.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithMetricsHandler mounts h at /metrics, usually promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithAllowedOrigins sets the websocket origin patterns accepted for
// cross-origin streams.
func WithAllowedOrigins(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithDepositAuth mounts POST /deposits behind auth. Without it the route
// does not exist. Deposits name their target account in the body, so auth
// must only admit callers that confirm settled payments.
func WithDepositAuth(auth DepositAuthFunc) Option {
	return func(s *Server) { s.deposits = auth }
}

// NewServer creates a Server for l.
func NewServer(l *credits.Ledger, opts ...Option) *Server {
	s := &Server{
		ledger: l,
		actor:  HeaderActor(AccountHeader),
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/xraph/credits/api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.traced)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.ledger.Store().Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	if s.deposits != nil {
		r.With(s.requireDepositAuth).Post("/deposits", s.handleDeposit)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireActor)

		r.Get("/wallet", s.handleWallet)
		r.Get("/transactions", s.handleTransactions)
		r.Get("/tasks", s.handleTasks)
		if s.hub != nil {
			r.Get("/wallet/stream", s.handleStream)
		}
	})

	return r
}

// ──────────────────────────────────────────────────
// Handlers
// ──────────────────────────────────────────────────

type walletResponse struct {
	ID        string        `json:"id"`
	AccountID string        `json:"account_id"`
	Total     types.Credits `json:"total_credits"`
	Reserved  types.Credits `json:"reserved_credits"`
	Available types.Credits `json:"available_credits"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	wal, err := s.ledger.Balance(r.Context(), accountOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{
		ID:        wal.ID.String(),
		AccountID: wal.AccountID,
		Total:     wal.Total,
		Reserved:  wal.Reserved,
		Available: wal.Available(),
		UpdatedAt: wal.UpdatedAt,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}
	txns, err := s.ledger.ListTransactions(r.Context(), accountOf(r), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns, "limit": limit, "offset": offset})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}
	opts := task.ListOpts{Limit: limit, Offset: offset}
	switch st := task.Status(r.URL.Query().Get("status")); st {
	case "":
	case task.StatusPending, task.StatusSuccess, task.StatusFailed:
		opts.Status = st
	default:
		writeError(w, http.StatusBadRequest, "unknown task status "+strconv.Quote(string(st)))
		return
	}

	tasks, err := s.ledger.ListTasks(r.Context(), accountOf(r), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "limit": limit, "offset": offset})
}

type depositRequest struct {
	AccountID string         `json:"account_id"`
	Amount    types.Credits  `json:"amount"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	meta := req.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta["request_id"] = w.Header().Get(RequestIDHeader)

	txn, err := s.ledger.Deposit(r.Context(), req.AccountID, req.Amount, meta)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	account := accountOf(r)
	var initial *Message
	if wal, err := s.ledger.Wallet(r.Context(), account); err == nil {
		initial = &Message{
			Type:      MessageWalletUpdate,
			AccountID: account,
			Data: map[string]any{
				"account_id":        account,
				"total_credits":     wal.Total.Float64(),
				"reserved_credits":  wal.Reserved.Float64(),
				"available_credits": wal.Available().Float64(),
			},
		}
	}
	s.hub.stream(w, r, account, initial, s.origins)
}

// ──────────────────────────────────────────────────
// Middleware
// ──────────────────────────────────────────────────

type ctxKey struct{}

func accountOf(r *http.Request) string {
	a, _ := r.Context().Value(ctxKey{}).(string) //nolint:errcheck // set by requireActor
	return a
}

func (s *Server) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := s.actor(r)
		if account == "" {
			writeError(w, http.StatusUnauthorized, "missing account")
			return
		}
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("credits.account_id", account))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, account)))
	})
}

func (s *Server) requireDepositAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deposits(r) {
			writeError(w, http.StatusUnauthorized, "deposit not authorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestID propagates an incoming X-Request-ID or assigns a new UUID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(RequestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, rid)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("credits.request_id", w.Header().Get(RequestIDHeader)),
			),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", ww.Status()))
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func paging(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	limit, offset = 50, 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// fail maps ledger errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, credits.ErrInvalidInput), errors.Is(err, credits.ErrInvalidAmount):
		status = http.StatusBadRequest
	case credits.IsNotFound(err):
		status = http.StatusNotFound
	case credits.IsRetryable(err):
		status = http.StatusConflict
	}

	trace.SpanFromContext(r.Context()).RecordError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed",
			"path", r.URL.Path,
			"request_id", w.Header().Get(RequestIDHeader),
			"error", err,
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"status":  status,
		},
	})
}
