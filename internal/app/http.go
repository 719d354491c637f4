package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"docsync/api/internal/auth"
	"docsync/api/internal/storage"

	"github.com/hashicorp/go-hclog"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     hclog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	logger := service.logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	parts := splitPath(r.URL.Path)
	isRead := r.Method == http.MethodGet || r.Method == http.MethodHead

	if isRead && len(parts) == 0 {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "docsync is running\n")
		return
	}

	if isRead && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if isRead && r.URL.Path == "/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"storage": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["storage"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if isRead && r.URL.Path == "/metrics" {
		if s.service.metrics == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.service.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if isRead && (r.URL.Path == "/check-store" || r.URL.Path == "/check_store") {
		if !s.requireControl(w, r) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		writeJSON(w, http.StatusOK, s.service.CheckStore(ctx))
		return
	}

	if len(parts) >= 2 && parts[0] == "doc" {
		if r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "ws" {
			s.handleRealtime(w, r, parts[2])
			return
		}

		if r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "new" {
			if !s.requireControl(w, r) {
				return
			}
			var body struct {
				Doc string `json:"doc"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			id, err := s.service.CreateDoc(r.Context(), body.Doc)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"doc": id})
			return
		}

		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "auth" {
			if !s.requireControl(w, r) {
				return
			}
			var body struct {
				ValidForSeconds *int64 `json:"validForSeconds"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			var validFor time.Duration
			if body.ValidForSeconds != nil {
				validFor = secondsDuration(*body.ValidForSeconds)
			}
			result, err := s.service.ClientToken(r.Context(), parts[1], validFor, s.realtimeBaseURL(r))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// secondsDuration converts seconds to a Duration, saturating instead of
// wrapping for values outside the representable range.
func secondsDuration(secs int64) time.Duration {
	const limit = math.MaxInt64 / int64(time.Second)
	switch {
	case secs > limit:
		return math.MaxInt64
	case secs < -limit:
		return math.MinInt64
	}
	return time.Duration(secs) * time.Second
}

// requireControl enforces the server token on control routes. It is a no-op
// when auth is disabled.
func (s *HTTPServer) requireControl(w http.ResponseWriter, r *http.Request) bool {
	if err := s.service.AuthorizeControl(bearerToken(r)); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestIDFrom(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

// realtimeBaseURL is the websocket root handed to clients. The document id
// is appended by the client.
func (s *HTTPServer) realtimeBaseURL(r *http.Request) string {
	if prefix := strings.TrimRight(s.service.cfg.URLPrefix, "/"); prefix != "" {
		switch {
		case strings.HasPrefix(prefix, "https://"):
			prefix = "wss://" + strings.TrimPrefix(prefix, "https://")
		case strings.HasPrefix(prefix, "http://"):
			prefix = "ws://" + strings.TrimPrefix(prefix, "http://")
		}
		return prefix + "/doc/ws"
	}

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	if proto := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]); proto != "" {
		if strings.EqualFold(proto, "https") || strings.EqualFold(proto, "wss") {
			scheme = "wss"
		} else {
			scheme = "ws"
		}
	}
	return fmt.Sprintf("%s://%s/doc/ws", scheme, r.Host)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
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

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody treats a missing or empty body as an empty object.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, storage.ErrConnection) || errors.Is(err, context.DeadlineExceeded) {
		return errStorageDown.Status, errStorageDown.Code, errStorageDown.Message, nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
