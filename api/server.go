// Package api exposes the simulation server over HTTP and WebSocket.
// Instructors create and drive sessions; participant terminals submit
// orders and stream their filtered event feed.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/tradesim/api/middleware"
	"github.com/openalpha/tradesim/api/websocket"
	"github.com/openalpha/tradesim/lesson"
	"github.com/openalpha/tradesim/matching"
	"github.com/openalpha/tradesim/metrics"
	"github.com/openalpha/tradesim/orderbook"
	"github.com/openalpha/tradesim/session"
	"github.com/openalpha/tradesim/types"
)

// Server represents the API server
type Server struct {
	httpServer *http.Server
	config     *Config

	sup *session.Supervisor
	hub *websocket.Hub

	rateLimiter *middleware.RateLimiter
	logger      log.Logger
}

// Config contains server configuration
type Config struct {
	Host             string
	Port             int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	DisableRateLimit bool // For testing purposes
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a new API server over an existing supervisor.
func NewServer(config *Config, sup *session.Supervisor, logger log.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Server{
		config:      config,
		sup:         sup,
		hub:         websocket.NewHub(sup, websocket.DefaultHubConfig(), logger),
		rateLimiter: middleware.NewRateLimiter(middleware.DefaultRateLimitConfig()),
		logger:      logger.With("component", "api"),
	}

	// The hub loop lives for the supervisor's lifetime.
	go s.hub.Run()

	return s
}

// Handler builds the full middleware and routing chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check (support both /health and /v1/health for compatibility)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/health", s.handleHealth)

	// Prometheus metrics
	mux.Handle("/metrics", metrics.Handler())

	// Session endpoints
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/", s.handleSession)

	// WebSocket
	mux.HandleFunc("/ws", s.hub.ServeWS)

	// Apply middleware chain: CORS -> RateLimit -> Handler
	if s.config.DisableRateLimit {
		return corsMiddleware(s.metricsMiddleware(mux))
	}
	return corsMiddleware(
		middleware.RateLimitMiddleware(s.rateLimiter)(s.metricsMiddleware(mux)),
	)
}

// Start starts the API server
func (s *Server) Start() error {
	handler := s.Handler()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("API server starting", "addr", addr, "rate_limit_disabled", s.config.DisableRateLimit)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.rateLimiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"sessions":  s.sup.Count(),
		"ws_conns":  s.hub.ClientCount(),
	})
}

// CreateSessionRequest carries a YAML lesson plan and the class roster.
type CreateSessionRequest struct {
	Plan   string   `json:"plan"`
	Roster []string `json:"roster"`
}

// handleSessions handles /v1/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		infos := make([]session.Info, 0)
		for _, id := range s.sup.List() {
			rt, ok := s.sup.Get(id)
			if !ok {
				continue
			}
			if info, err := rt.Info(); err == nil {
				infos = append(infos, info)
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sessions": infos,
		})

	case http.MethodPost:
		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Roster) == 0 {
			writeError(w, http.StatusBadRequest, "roster is required")
			return
		}
		plan, err := lesson.Parse([]byte(req.Plan))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rt, err := s.sup.Create(plan, req.Roster)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		info, _ := rt.Info()
		writeJSON(w, http.StatusCreated, info)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleSession handles /v1/sessions/{id}/* endpoints
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	// Parse path: /v1/sessions/{id} or /v1/sessions/{id}/{endpoint}
	path := r.URL.Path[len("/v1/sessions/"):]

	sessionID := path
	endpoint := ""
	for i, c := range path {
		if c == '/' {
			sessionID = path[:i]
			endpoint = path[i+1:]
			break
		}
	}

	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}
	rt, ok := s.sup.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	switch endpoint {
	case "":
		s.handleSessionInfo(w, r, rt)
	case "start", "pause", "resume", "end", "cancel":
		s.handleLifecycle(w, r, rt, endpoint)
	case "snapshot":
		s.handleSnapshot(w, r, rt)
	case "orders":
		s.handleOrders(w, r, rt)
	case "book":
		s.handleBook(w, r, rt)
	case "portfolio":
		s.handlePortfolio(w, r, rt)
	case "trades":
		s.handleTrades(w, r, rt)
	case "command":
		s.handleCommand(w, r, rt)
	case "auction/bid":
		s.handleAuctionBid(w, r, rt)
	default:
		// Orders carry the id in the path: orders/{orderID}
		const ordersPrefix = "orders/"
		if len(endpoint) > len(ordersPrefix) && endpoint[:len(ordersPrefix)] == ordersPrefix {
			s.handleOrderCancel(w, r, rt, endpoint[len(ordersPrefix):])
			return
		}
		// A single book may be addressed by path: book/{symbol}
		const bookPrefix = "book/"
		if len(endpoint) > len(bookPrefix) && endpoint[:len(bookPrefix)] == bookPrefix {
			s.handleBookSymbol(w, r, rt, endpoint[len(bookPrefix):])
			return
		}
		writeError(w, http.StatusNotFound, "Endpoint not found")
	}
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request, rt *session.Runtime) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	info, err := rt.Info()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request, rt *session.Runtime, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var err error
	switch action {
	case "start":
		err = rt.Start()
	case "pause":
		err = rt.Pause()
	case "resume":
		err = rt.Resume()
	case "end":
		err = rt.End()
	case "cancel":
		err = rt.Cancel()
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	info, _ := rt.Info()
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, rt *session.Runtime) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	snap, err := rt.UserSnapshot(requestUser(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SubmitOrderRequest is the wire form of one order submission.
type SubmitOrderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"order_type"`
	Quantity    int64  `json:"quantity"`
	Price       string `json:"price,omitempty"`
	StopPrice   string `json:"stop_price,omitempty"`
	TimeInForce string `json:"time_in_force,omitempty"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request, rt *session.Runtime) {
	userID := requestUser(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		snap, err := rt.UserSnapshot(userID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"orders": snap.Orders,
		})

	case http.MethodPost:
		if !s.config.DisableRateLimit && !s.rateLimiter.AllowOrder(userID) {
			metrics.GetCollector().RecordRateLimitHit(r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "order rate limit exceeded")
			return
		}

		var req SubmitOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		sub, err := parseSubmitRequest(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		timer := metrics.NewTimer()
		order, submitErr := rt.SubmitOrder(userID, sub)
		if order != nil {
			metrics.GetCollector().RecordOrder(order.Symbol, order.Side.String(),
				order.OrderType.String(), order.Status.String())
			metrics.GetCollector().RecordMatchingLatency(order.Symbol, timer.ElapsedMs())
			metrics.GetCollector().RecordOrderLatency(order.OrderType.String(), timer.ElapsedMs())
			// Rejections return the order itself; its status and reason
			// tell the terminal what happened.
			writeJSON(w, http.StatusOK, order)
			return
		}
		writeDomainError(w, submitErr)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleOrderCancel(w http.ResponseWriter, r *http.Request, rt *session.Runtime, orderID string) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	userID := requestUser(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header required")
		return
	}
	if !rt.CancelOrder(userID, orderID) {
		writeError(w, http.StatusNotFound, "order not cancellable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": orderID,
	})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request, rt *session.Runtime) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	snap, err := rt.UserSnapshot(requestUser(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		writeBook(w, snap.Books, symbol)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"books": snap.Books,
	})
}

func (s *Server) handleBookSymbol(w http.ResponseWriter, r *http.Request, rt *session.Runtime, symbol string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	snap, err := rt.UserSnapshot(requestUser(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeBook(w, snap.Books, symbol)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request, rt *session.Runtime) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	userID := requestUser(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header required")
		return
	}
	snap, err := rt.UserSnapshot(userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Portfolio)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request, rt *session.Runtime) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	trades, err := rt.Trades()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil && limit >= 0 && limit < len(trades) {
			trades = trades[len(trades)-limit:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
	})
}

// CommandRequest is one out-of-script instructor command.
type CommandRequest struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, rt *session.Runtime) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if err := rt.Command(req.Command, req.Params); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executed": req.Command,
	})
}

func (s *Server) handleAuctionBid(w http.ResponseWriter, r *http.Request, rt *session.Runtime) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	userID := requestUser(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header required")
		return
	}
	if err := rt.BidAuction(userID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bid": "accepted",
	})
}

// parseSubmitRequest converts the wire form into the engine's request.
func parseSubmitRequest(req SubmitOrderRequest) (matching.SubmitRequest, error) {
	side, ok := types.ParseSide(req.Side)
	if !ok {
		return matching.SubmitRequest{}, fmt.Errorf("invalid side %q", req.Side)
	}
	orderType, ok := types.ParseOrderType(req.OrderType)
	if !ok {
		return matching.SubmitRequest{}, fmt.Errorf("invalid order type %q", req.OrderType)
	}
	tif, ok := types.ParseTimeInForce(req.TimeInForce)
	if !ok {
		return matching.SubmitRequest{}, fmt.Errorf("invalid time in force %q", req.TimeInForce)
	}

	sub := matching.SubmitRequest{
		Symbol:      req.Symbol,
		Side:        side,
		OrderType:   orderType,
		Quantity:    req.Quantity,
		TimeInForce: tif,
	}
	if req.Price != "" {
		p, err := math.LegacyNewDecFromStr(req.Price)
		if err != nil {
			return matching.SubmitRequest{}, fmt.Errorf("invalid price %q", req.Price)
		}
		sub.Price = p
	}
	if req.StopPrice != "" {
		p, err := math.LegacyNewDecFromStr(req.StopPrice)
		if err != nil {
			return matching.SubmitRequest{}, fmt.Errorf("invalid stop price %q", req.StopPrice)
		}
		sub.StopPrice = p
	}
	return sub, nil
}

// requestUser extracts the acting user from the request.
func requestUser(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	return r.URL.Query().Get("user")
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeBook(w http.ResponseWriter, books []orderbook.Snapshot, symbol string) {
	for _, b := range books {
		if b.Symbol == symbol {
			writeJSON(w, http.StatusOK, b)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown security")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}

// writeDomainError maps module errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		writeError(w, http.StatusInternalServerError, "unknown error")
		return
	}
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, types.ErrSessionTerminal):
		status = http.StatusGone
	case errors.Is(err, types.ErrSessionNotRunnable),
		errors.Is(err, types.ErrMarketClosed),
		errors.Is(err, types.ErrAuctionIneligible):
		status = http.StatusConflict
	case errors.Is(err, types.ErrPrivilegeRequired):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrOrderNotFound),
		errors.Is(err, types.ErrNoActiveAuction),
		errors.Is(err, types.ErrUnknownSecurity):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrInternal):
		status = http.StatusInternalServerError
	}
	writeError(w, status, err.Error())
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.GetCollector().RecordAPIRequest(r.Method, r.URL.Path,
			strconv.Itoa(rec.status), timer.ElapsedMs())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack delegates to the wrapped writer so WebSocket upgrades work
// through the middleware chain.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}
