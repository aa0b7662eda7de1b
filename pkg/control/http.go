package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/domain"
	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Error is the JSON body of every non-2xx response
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeConflict     = "conflict"
	ErrCodePrecondition = "precondition_failed"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeTimeout      = "timeout"
	ErrCodeInternal     = "internal_error"
)

type contextKey string

const ctxKeyRequestID contextKey = "request_id"

// NewHTTPHandler exposes the contract under /api/v1:
//
//	GET  /api/v1/health          200 when the server is ready, 503 otherwise
//	GET  /api/v1/status          domain.ServerStatus as JSON
//	POST /api/v1/server/restart  restart and return the new status
func NewHTTPHandler(contract domain.Contract, logger logging.Logger) http.Handler {
	h := &httpHandler{
		contract: contract,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(h.requestIDMiddleware)
	r.Use(h.loggingMiddleware)
	r.Use(h.recoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.handleHealth)
		r.Get("/status", h.handleStatus)
		r.Post("/server/restart", h.handleRestart)
	})

	return r
}

type httpHandler struct {
	contract domain.Contract
	logger   logging.Logger
}

func (h *httpHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := h.contract.Status(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready": status.Ready,
		"state": status.State,
	})
}

func (h *httpHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.contract.Status(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *httpHandler) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.contract.Restart(r.Context()); err != nil {
		h.logger.Warnf("Restart request failed: %v", err)
		h.writeDomainError(w, err)
		return
	}

	status, err := h.contract.Status(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *httpHandler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsConflictError(err):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.IsPreconditionError(err), errors.IsValidationError(err):
		writeError(w, http.StatusPreconditionFailed, ErrCodePrecondition, err.Error())
	case errors.IsSpawnError(err), errors.IsAbnormalExitError(err):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.IsTimeoutError(err), errors.IsCancelledError(err):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	default:
		h.logger.Errorf("Control request failed: %v", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

func (h *httpHandler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *httpHandler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		h.logger.Debugf("Control request %s %s, status: %d, duration: %v, request: %v",
			r.Method, r.URL.Path, wrapped.status, time.Since(start), r.Context().Value(ctxKeyRequestID))
	})
}

func (h *httpHandler) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Errorf("Panic in control handler %s %s: %v", r.Method, r.URL.Path, err)
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// HTTPServer serves a control handler on its own listener.
type HTTPServer struct {
	lis    net.Listener
	server *http.Server
	logger logging.Logger
}

func NewHTTPServer(address string, handler http.Handler, logger logging.Logger) (*HTTPServer, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewNetworkError("failed to listen", err).WithContext("address", address)
	}
	return &HTTPServer{
		lis: lis,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}, nil
}

// Serve blocks until Shutdown is called.
func (s *HTTPServer) Serve() error {
	s.logger.Infof("Control HTTP server listening on %s", s.lis.Addr())
	if err := s.server.Serve(s.lis); err != nil && err != http.ErrServerClosed {
		return errors.NewNetworkError("control HTTP server failed", err)
	}
	return nil
}

func (s *HTTPServer) Addr() net.Addr { return s.lis.Addr() }

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
