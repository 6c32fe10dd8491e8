// Package rpc provides a JSON-RPC 2.0 server for the escrow daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/monitor"
	"github.com/Klingon-tech/escrowd/pkg/helpers"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	engine  *escrow.Engine
	monitor *monitor.Monitor
	info    Info
	started time.Time
	log     *logging.Logger
	wsHub   *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Info describes the daemon for node_info.
type Info struct {
	DataDir      string
	StoreBackend string
	LedgerType   string
	Chains       []uint64
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Escrow error codes. The kind name is sent in error.data.
const (
	EscrowError               = -32000
	NotFoundError             = -32001
	InvalidSecretError        = -32002
	AlreadyWithdrawnError     = -32003
	AlreadyCancelledError     = -32004
	TimelockNotMetError       = -32005
	TransferFailedError       = -32006
	RemoteQueryFailedError    = -32007
	AutoWithdrawDisabledError = -32008
	NoSecretYetError          = -32009
	NotTerminalError          = -32010
	NoFailedTransferError     = -32011
	MonitorUnavailableError   = -32012
)

// errInvalidParams marks malformed request parameters.
var errInvalidParams = errors.New("invalid params")

// errMonitorUnavailable is returned when the daemon runs without a monitor.
var errMonitorUnavailable = errors.New("monitor not configured")

// NewServer creates a new JSON-RPC server. mon may be nil.
func NewServer(engine *escrow.Engine, mon *monitor.Monitor, info Info) *Server {
	s := &Server{
		engine:   engine,
		monitor:  mon,
		info:     info,
		started:  time.Now(),
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Escrow lifecycle
	s.handlers["escrow_create"] = s.escrowCreate
	s.handlers["escrow_createSimple"] = s.escrowCreateSimple
	s.handlers["escrow_withdraw"] = s.escrowWithdraw
	s.handlers["escrow_publicWithdraw"] = s.escrowPublicWithdraw
	s.handlers["escrow_cancel"] = s.escrowCancel
	s.handlers["escrow_setAutoWithdraw"] = s.escrowSetAutoWithdraw
	s.handlers["escrow_retryTransfer"] = s.escrowRetryTransfer

	// Cross-chain monitoring
	s.handlers["escrow_monitor"] = s.escrowMonitor
	s.handlers["escrow_autoWithdraw"] = s.escrowAutoWithdraw
	s.handlers["escrow_monitoringStatus"] = s.escrowMonitoringStatus

	// Escrow queries
	s.handlers["escrow_get"] = s.escrowGet
	s.handlers["escrow_list"] = s.escrowList
	s.handlers["escrow_getImmutables"] = s.escrowGetImmutables
	s.handlers["escrow_isTimelockMet"] = s.escrowIsTimelockMet
	s.handlers["escrow_timelockInfo"] = s.escrowTimelockInfo
	s.handlers["escrow_transfers"] = s.escrowTransfers

	// Utilities
	s.handlers["util_currentTime"] = s.utilCurrentTime
	s.handlers["util_verifySecret"] = s.utilVerifySecret
	s.handlers["util_hashSecret"] = s.utilHashSecret
	s.handlers["util_generateSecret"] = s.utilGenerateSecret

	// Node
	s.handlers["node_info"] = s.nodeInfo
}

// Handler returns the HTTP handler serving JSON-RPC and websocket routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// ForwardSecretEvents broadcasts watcher events until the channel closes.
func (s *Server) ForwardSecretEvents(events <-chan monitor.SecretRevealEvent) {
	go func() {
		for ev := range events {
			s.wsHub.Broadcast(EventSecretRevealed, &SecretRevealedEvent{
				ID:       ev.EscrowID,
				Secret:   ev.Secret.Hex(),
				Hashlock: ev.Hashlock.Hex(),
				ChainID:  ev.ChainID,
			})
			s.broadcastTerminal(EventEscrowWithdrawn, ev.EscrowID, ev.TransferErr)
		}
	}()
}

// handleRPC handles JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, data := errorCode(err)
		s.log.Debug("RPC call failed", "method", req.Method, "code", code, "error", err)
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// ErrorData is sent in error.data for escrow errors.
type ErrorData struct {
	Kind     string `json:"kind"`
	Stage    string `json:"stage,omitempty"`
	Required uint64 `json:"required,omitempty"`
	Current  uint64 `json:"current,omitempty"`
}

// errorCode maps an error to its JSON-RPC code and error data.
func errorCode(err error) (int, interface{}) {
	switch {
	case errors.Is(err, errInvalidParams),
		errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, helpers.ErrInvalidHex),
		errors.Is(err, helpers.ErrInvalidLength),
		errors.Is(err, helpers.ErrInvalidAddress):
		return InvalidParams, nil
	case errors.Is(err, errMonitorUnavailable):
		return MonitorUnavailableError, nil
	}

	kind := escrow.Kind(err)
	if kind == "" {
		return InternalError, nil
	}
	data := &ErrorData{Kind: kind}

	var tle *escrow.TimelockError
	if errors.As(err, &tle) {
		data.Stage = tle.Stage.String()
		data.Required = tle.Required
		data.Current = tle.Current
	}

	// TransferFailed first: a TransferError also wraps the ledger cause.
	codes := []struct {
		err  error
		code int
	}{
		{escrow.ErrTransferFailed, TransferFailedError},
		{escrow.ErrNotFound, NotFoundError},
		{escrow.ErrInvalidSecret, InvalidSecretError},
		{escrow.ErrAlreadyWithdrawn, AlreadyWithdrawnError},
		{escrow.ErrAlreadyCancelled, AlreadyCancelledError},
		{escrow.ErrTimelockNotMet, TimelockNotMetError},
		{escrow.ErrRemoteQueryFailed, RemoteQueryFailedError},
		{escrow.ErrAutoWithdrawDisabled, AutoWithdrawDisabledError},
		{escrow.ErrNoSecretYet, NoSecretYetError},
		{escrow.ErrNotTerminal, NotTerminalError},
		{escrow.ErrNoFailedTransfer, NoFailedTransferError},
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code, data
		}
	}
	return EscrowError, data
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400") // Cache preflight for 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
