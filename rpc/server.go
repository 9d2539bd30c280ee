package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"buyinescrow/core"
	"buyinescrow/crypto"
	"buyinescrow/gateway/middleware"
	"buyinescrow/observability"
	"buyinescrow/services/leaderboard"
)

const (
	jsonRPCVersion      = "2.0"
	defaultMaxBodyBytes = 1 << 20
	shutdownTimeout     = 10 * time.Second
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// ServerConfig controls the HTTP surface of the node.
type ServerConfig struct {
	MaxBodyBytes      int64
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	RateLimit         middleware.RateLimit
	AllowedOrigins    []string
	TrustProxyHeaders bool
	Auth              middleware.AuthConfig
	// Faucet signs bank_mint. Nil disables the method.
	Faucet *crypto.PrivateKey
}

// Server exposes the ledger over JSON-RPC and streams committed events over
// a websocket.
type Server struct {
	ledger  *core.Ledger
	board   *leaderboard.Store
	cfg     ServerConfig
	logger  *slog.Logger
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	methods map[string]handlerFunc
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

// NewServer wires the JSON-RPC methods. board may be nil, in which case the
// history and ranking methods report an error.
func NewServer(ledger *core.Ledger, board *leaderboard.Store, cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if ledger == nil {
		return nil, errors.New("rpc: ledger required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	logger = logger.With(slog.String("component", "rpc"))
	s := &Server{
		ledger: ledger,
		board:  board,
		cfg:    cfg,
		logger: logger,
		auth:   middleware.NewAuthenticator(cfg.Auth, logger),
	}
	limits := map[string]middleware.RateLimit{}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limits["rpc"] = cfg.RateLimit
		limits["ws"] = cfg.RateLimit
	}
	s.limiter = middleware.NewRateLimiter(limits, logger)
	s.limiter.TrustProxyHeaders(cfg.TrustProxyHeaders)
	s.limiter.OnLimit(func(key string) {
		observability.RPC().Reject(key, "rate_limit")
	})
	s.methods = map[string]handlerFunc{
		"escrow_initialize":        s.handleSubmit,
		"escrow_deposit":           s.handleSubmit,
		"escrow_close":             s.handleSubmit,
		"bank_openHolding":         s.handleSubmit,
		"escrow_get":               s.handleEscrowGet,
		"escrow_list":              s.handleEscrowList,
		"escrow_getSettlement":     s.handleEscrowGetSettlement,
		"escrow_getNonce":          s.handleGetNonce,
		"escrow_status":            s.handleStatus,
		"escrow_settlements":       s.handleSettlements,
		"escrow_leaderboard":       s.handleLeaderboard,
		"escrow_exportSettlements": s.handleExportSettlements,
		"bank_getBalance":          s.handleGetBalance,
		"bank_getMint":             s.handleGetMint,
		"bank_mint":                s.handleMint,
	}
	return s, nil
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.cfg.AllowedOrigins}))
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.With(s.limiter.Middleware("rpc")).Post("/", s.handle)
	r.With(s.limiter.Middleware("rpc")).Post("/rpc", s.handle)
	r.With(s.limiter.Middleware("ws")).Get("/ws/events", s.handleEventsWS)
	return otelhttp.NewHandler(r, "escrow-rpc")
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("json-rpc server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
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

// codeWriter remembers the JSON-RPC error code written for metrics.
type codeWriter struct {
	http.ResponseWriter
	code int
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if cw, ok := w.(*codeWriter); ok {
		cw.code = code
	}
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

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
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
			message = fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes)
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
	handler, ok := s.methods[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
		return
	}

	start := time.Now()
	cw := &codeWriter{ResponseWriter: w}
	handler(cw, r, req)
	module, method := splitMethod(req.Method)
	observability.RPC().Observe(module, method, cw.code, time.Since(start))
	if cw.code != 0 {
		s.logger.Debug("rpc call failed", slog.String("method", req.Method), slog.Int("code", cw.code))
	}
}

func splitMethod(name string) (string, string) {
	module, method, ok := strings.Cut(name, "_")
	if !ok {
		return "rpc", name
	}
	return module, method
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"network": s.ledger.Network(),
		"height":  s.ledger.Height(),
	})
}

// requireOperator checks the bearer token for methods reserved to operators.
func (s *Server) requireOperator(r *http.Request, scopes ...string) (*middleware.Operator, *RPCError) {
	op, err := s.auth.Authorize(r, scopes...)
	switch {
	case errors.Is(err, middleware.ErrAuthDisabled):
		return nil, &RPCError{Code: codeUnauthorized, Message: "operator authentication not configured"}
	case err != nil:
		observability.RPC().Reject("rpc", "unauthorized")
		return nil, &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: err.Error()}
	}
	return op, nil
}

// decodeParams unmarshals the single parameter object most methods take.
func decodeParams(req *RPCRequest, dst interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
