package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/Hammad-xureshi/sales-analytics/internal/analytics"
	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
	"github.com/Hammad-xureshi/sales-analytics/internal/events"
	"github.com/Hammad-xureshi/sales-analytics/internal/sales"
	"github.com/Hammad-xureshi/sales-analytics/internal/store"
	"github.com/Hammad-xureshi/sales-analytics/internal/xid"
)

type Options struct {
	AllowedOrigin  string
	DashboardTopic string
}

type API struct {
	sales         *sales.Service
	summaries     *analytics.Service
	hub           *events.Hub
	auth          *AuthManager
	allowedOrigin string
	topic         string
	loginLimiter  *attemptLimiter
	upgrader      websocket.Upgrader
}

func New(salesSvc *sales.Service, summaries *analytics.Service, hub *events.Hub, auth *AuthManager, opts Options) *API {
	topic := opts.DashboardTopic
	if topic == "" {
		topic = events.DefaultTopic
	}
	a := &API{
		sales:         salesSvc,
		summaries:     summaries,
		hub:           hub,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		topic:         topic,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/auth/login", a.handleLogin).Methods(http.MethodPost)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/products", a.requireAuth(a.handleListProducts)).Methods(http.MethodGet)
	api.HandleFunc("/products/low-stock", a.requireAuth(a.handleLowStock)).Methods(http.MethodGet)
	api.HandleFunc("/products/{id:[0-9]+}", a.requireAuth(a.handleGetProduct)).Methods(http.MethodGet)
	api.HandleFunc("/products/{id:[0-9]+}/stock", a.requireAuth(a.handleAdjustStock, domain.RoleManager, domain.RoleAdmin)).Methods(http.MethodPatch)

	api.HandleFunc("/sales", a.requireAuth(a.handleCreateSale, domain.RoleManager, domain.RoleAdmin)).Methods(http.MethodPost)
	api.HandleFunc("/sales", a.requireAuth(a.handleListSales)).Methods(http.MethodGet)
	api.HandleFunc("/sales/today", a.requireAuth(a.handleSummary)).Methods(http.MethodGet)
	api.HandleFunc("/sales/recent", a.requireAuth(a.handleRecentSales)).Methods(http.MethodGet)
	api.HandleFunc("/sales/{id}", a.requireAuth(a.handleGetSale)).Methods(http.MethodGet)
	api.HandleFunc("/sales/{id}/items", a.requireAuth(a.handleSaleItems)).Methods(http.MethodGet)
	api.HandleFunc("/sales/{id}/status", a.requireAuth(a.handleUpdateSaleStatus, domain.RoleManager, domain.RoleAdmin)).Methods(http.MethodPut)

	api.HandleFunc("/dashboard/summary", a.requireAuth(a.handleSummary)).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/live", a.requireAuth(a.handleLive)).Methods(http.MethodGet)

	return a.withSecurityHeaders(a.withRequestLog(r))
}

// requireAuth accepts a bearer token, or an access_token query parameter on
// websocket upgrades where browsers cannot set headers.
func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := ""
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			token = strings.TrimSpace(authorization[len("Bearer "):])
		} else if websocket.IsWebSocketUpgrade(r) {
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(sales.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	subscribers := 0
	if a.hub != nil {
		subscribers = a.hub.Subscribers(a.topic)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"at":          time.Now().UTC().Format(time.RFC3339),
		"subscribers": subscribers,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.sales.ListProducts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.sales.GetProduct(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req domain.StockAdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	product, err := a.sales.AdjustStock(r.Context(), id, req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.sales.CreateSale(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.SaleFilter{
		PaymentMethod: strings.TrimSpace(query.Get("payment_method")),
		Limit:         parsePositiveLimit(query.Get("limit"), 20, 100),
	}
	var err error
	if filter.WebsiteID, err = parseOptionalID(query.Get("website_id")); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("website_id must be a positive integer"))
		return
	}
	if filter.ShopID, err = parseOptionalID(query.Get("shop_id")); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("shop_id must be a positive integer"))
		return
	}
	if filter.From, filter.To, err = a.sales.ParseDateRange(query.Get("start_date"), query.Get("end_date")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	list, err := a.sales.ListSales(r.Context(), filter)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": list, "count": len(list)})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.sales.GetSale(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleRecentSales(w http.ResponseWriter, r *http.Request) {
	list, err := a.sales.RecentSales(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": list, "count": len(list)})
}

func (a *API) handleSaleItems(w http.ResponseWriter, r *http.Request) {
	items, err := a.sales.SaleItems(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleUpdateSaleStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleStatusUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.sales.UpdateSaleStatus(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	products, err := a.sales.LowStock(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products, "count": len(products)})
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	websiteID, err := parseOptionalID(r.URL.Query().Get("website_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("website_id must be a positive integer"))
		return
	}

	summary, err := a.summaries.Summary(r.Context(), websiteID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

// statusFor maps the sales error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sales.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sales.ErrEmptyOrder), errors.Is(err, sales.ErrInvalidPaymentMethod),
		errors.Is(err, sales.ErrInvalidStatus), errors.Is(err, sales.ErrInvalidDateRange):
		return http.StatusBadRequest
	case sales.IsInputError(err):
		return http.StatusUnprocessableEntity
	case sales.IsStockConflict(err):
		return http.StatusConflict
	case errors.Is(err, sales.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack passes the connection through for websocket upgrades.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (a *API) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = xid.New("req")
		}
		w.Header().Set("X-Request-ID", requestID)

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   time.Since(startedAt).String(),
		}).Info("request")
	})
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || a.allowedOrigin == "*" {
		return true
	}
	return strings.EqualFold(origin, a.allowedOrigin)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("id must be a positive integer")
	}
	return id, nil
}

func parseOptionalID(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx messages stay server-side; clients get a generic message.
	msg := err.Error()
	if status >= 500 {
		log.WithError(err).WithField("status", status).Error("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
