package rpc

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"possession/core"
	"possession/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	// AuthTokenEnv names the environment variable holding the bearer token
	// required by state-changing methods.
	AuthTokenEnv = "POSSESSION_RPC_TOKEN"

	requestIDHeader = "X-Request-ID"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// ServerConfig tunes the JSON-RPC server.
type ServerConfig struct {
	// AuthToken overrides the POSSESSION_RPC_TOKEN environment variable.
	AuthToken string
	// RateLimit is the sustained number of write requests per second allowed
	// per client; zero disables limiting.
	RateLimit    float64
	Burst        int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

type Server struct {
	node   *core.Node
	cfg    ServerConfig
	logger *slog.Logger

	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
	authToken    string
	nowFn        func() time.Time
}

func NewServer(node *core.Node, cfg ServerConfig) *Server {
	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(AuthTokenEnv))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:         node,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "rpc")),
		rateLimiters: make(map[string]*rate.Limiter),
		authToken:    token,
		nowFn:        time.Now,
	}
}

// Handler returns the HTTP surface of the node: JSON-RPC on POST /, health
// and Prometheus metrics.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(s.requestContext)
	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws/events", s.handleEventsWS)
	router.Post("/", s.handle)
	return otelhttp.NewHandler(router, "possession.rpc")
}

// Serve listens on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("JSON-RPC server listening", slog.String("addr", listener.Addr().String()))
		errCh <- srv.Serve(listener)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown rpc server: %w", err)
		}
		return nil
	}
}

type requestIDKey struct{}

// requestContext tags every request with an id, reusing the caller's
// X-Request-ID when present, and logs the outcome.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		s.logger.Debug("http request",
			slog.String("requestId", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", recorder.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("rpc: response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"height":    s.node.Height(),
		"stateRoot": s.node.StateRoot().Hex(),
	})
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type methodHandler func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

type method struct {
	module  string
	write   bool
	handler methodHandler
}

func (s *Server) methods() map[string]method {
	return map[string]method{
		"possession_create":                 {"possession", true, s.handlePossessionCreate},
		"possession_cancel":                 {"possession", true, s.handlePossessionCancel},
		"possession_requestFulfillment":     {"possession", true, s.handlePossessionRequestFulfillment},
		"possession_markFulfilled":          {"possession", true, s.handlePossessionMarkFulfilled},
		"possession_claimStakes":            {"possession", true, s.handlePossessionClaimStakes},
		"possession_ownerCancelFulfill":     {"possession", true, s.handlePossessionOwnerCancelFulfill},
		"possession_possessorCancelFulfill": {"possession", true, s.handlePossessionPossessorCancelFulfill},
		"possession_cancelFulfill":          {"possession", true, s.handlePossessionCancelFulfill},
		"possession_setAuthority":           {"possession", true, s.handlePossessionSetAuthority},
		"possession_deriveKey":              {"possession", false, s.handlePossessionDeriveKey},
		"possession_getDeal":                {"possession", false, s.handlePossessionGetDeal},
		"possession_getAuthority":           {"possession", false, s.handlePossessionGetAuthority},
		"possession_listEvents":             {"possession", false, s.handlePossessionListEvents},
		"ledger_transfer":                   {"ledger", true, s.handleLedgerTransfer},
		"ledger_balanceOf":                  {"ledger", false, s.handleLedgerBalanceOf},
		"registry_transfer":                 {"registry", true, s.handleRegistryTransfer},
		"registry_ownerOf":                  {"registry", false, s.handleRegistryOwnerOf},
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	m, ok := s.methods()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}

	recorder, isRecorder := w.(*statusRecorder)
	if !isRecorder {
		recorder = &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	}
	start := time.Now()
	defer func() {
		observability.ModuleMetrics().Observe(m.module, req.Method, recorder.status, time.Since(start))
	}()

	if m.write {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(recorder, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		if !s.allowSource(clientSource(r)) {
			observability.ModuleMetrics().RecordThrottle(m.module, "rate_limit")
			writeError(recorder, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
			return
		}
	}
	s.logger.Info("rpc call",
		slog.String("requestId", requestID(r.Context())),
		slog.String("method", req.Method),
	)
	m.handler(recorder, r, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string) bool {
	if s.cfg.RateLimit <= 0 {
		return true
	}
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	limiter, ok := s.rateLimiters[source]
	if !ok {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)
		s.rateLimiters[source] = limiter
	}
	s.mu.Unlock()
	return limiter.AllowN(s.nowFn(), 1)
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// decodeParams decodes the single object parameter of req into dst.
func decodeParams(req *RPCRequest, dst interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one parameter object")
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid parameter object: %w", err)
	}
	return nil
}
