// ABOUTME: HTTP API handlers for session creation, status, sends, pairing and close
// ABOUTME: Every response uses the {"success": bool, ...} envelope with a stable error code

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/courier-gateway/internal/auth"
	"github.com/2389/courier-gateway/internal/dedupe"
	"github.com/2389/courier-gateway/internal/protocol"
	"github.com/2389/courier-gateway/internal/session"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	maxBodyBytes      = 1 << 20
)

// CreateSessionRequest is the JSON request body for POST /api/sessions.
type CreateSessionRequest struct {
	APIKey string `json:"api_key,omitempty"`
}

// CreateSessionResponse is the JSON response for POST /api/sessions.
type CreateSessionResponse struct {
	Success bool          `json:"success"`
	APIKey  string        `json:"api_key"`
	QR      string        `json:"qr,omitempty"`
	State   session.State `json:"state"`
	Resumed bool          `json:"resumed"`
	Message string        `json:"message"`
}

// SessionStatusResponse is the JSON response for GET /api/sessions/{key}.
type SessionStatusResponse struct {
	Success bool `json:"success"`
	session.Status
}

// ListSessionsResponse is the JSON response for GET /api/sessions.
type ListSessionsResponse struct {
	Success  bool             `json:"success"`
	Sessions []session.Status `json:"sessions"`
}

// SendMessageRequest is the JSON request body for POST /api/sessions/{key}/messages.
type SendMessageRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

// SendDocumentRequest is the JSON request body for POST /api/sessions/{key}/documents.
type SendDocumentRequest struct {
	Number   string `json:"number"`
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// SendResponse is the JSON response for successful sends.
type SendResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Details protocol.Receipt `json:"details"`
}

// MessageResponse is the JSON response for operations without a payload.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	create := http.Handler(http.HandlerFunc(g.handleCreateSession))
	list := http.Handler(http.HandlerFunc(g.handleListDisabled))
	if g.verifier != nil {
		requireOperator := auth.HTTPAuthMiddleware(g.verifier)
		create = requireOperator(create)
		list = requireOperator(http.HandlerFunc(g.handleListSessions))
	}
	mux.Handle("POST /api/sessions", create)
	mux.Handle("GET /api/sessions", list)

	mux.HandleFunc("GET /api/sessions/{key}", g.handleSessionStatus)
	mux.HandleFunc("DELETE /api/sessions/{key}", g.handleCloseSession)
	mux.HandleFunc("GET /api/sessions/{key}/pair", g.handleCompletePairing)
	mux.Handle("POST /api/sessions/{key}/messages", g.idempotent(g.handleSendMessage))
	mux.Handle("POST /api/sessions/{key}/documents", g.idempotent(g.handleSendDocument))

	return withRequestLogging(g.logger, withRecovery(g.logger, mux))
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once stored sessions have been resumed.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.sessions.Registry().Len())
}

// handleCreateSession handles POST /api/sessions. A known api_key is
// resumed; an unknown or unresumable one falls back to a fresh session.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req, true); err != nil {
		g.writeSessionError(w, err)
		return
	}

	if req.APIKey != "" {
		res, err := g.sessions.CreateOrResume(r.Context(), req.APIKey)
		if err == nil {
			res = g.awaitChallenge(r.Context(), res)
			g.logger.Info("session issued", "session_id", res.ID, "resumed", true, "operator", auth.Operator(r.Context()))
			writeJSON(w, http.StatusOK, CreateSessionResponse{
				Success: true,
				APIKey:  res.ID,
				QR:      res.Challenge,
				State:   res.State,
				Resumed: true,
				Message: "resuming existing session",
			})
			return
		}
		g.logger.Info("resume failed, creating a fresh session", "session_id", req.APIKey, "error", err)
	}

	res, err := g.sessions.CreateOrResume(r.Context(), "")
	if err != nil {
		g.writeSessionError(w, err)
		return
	}
	res = g.awaitChallenge(r.Context(), res)
	g.logger.Info("session issued", "session_id", res.ID, "resumed", false, "operator", auth.Operator(r.Context()))
	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		Success: true,
		APIKey:  res.ID,
		QR:      res.Challenge,
		State:   res.State,
		Message: "new session created, complete pairing to connect",
	})
}

// awaitChallenge waits briefly for the first challenge of a session that is
// still pending so callers can show it without polling.
func (g *Gateway) awaitChallenge(ctx context.Context, res session.Result) session.Result {
	if res.Challenge != "" || res.State == session.StateConnected || g.challengeWait <= 0 {
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, g.challengeWait)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		rec, ok := g.sessions.Registry().Get(res.ID)
		if !ok {
			return res
		}
		res.State = rec.State
		res.Challenge = rec.Challenge
		if rec.Challenge != "" || rec.State == session.StateConnected || rec.Terminal {
			return res
		}
		select {
		case <-ctx.Done():
			return res
		case <-ticker.C:
		}
	}
}

// handleSessionStatus handles GET /api/sessions/{key}.
func (g *Gateway) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := g.sessions.Status(r.Context(), r.PathValue("key"))
	if err != nil {
		g.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionStatusResponse{Success: true, Status: status})
}

// handleListSessions handles GET /api/sessions for operators.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := g.sessions.List()
	g.logger.Info("sessions listed", "count", len(sessions), "operator", auth.Operator(r.Context()))
	writeJSON(w, http.StatusOK, ListSessionsResponse{Success: true, Sessions: sessions})
}

func (g *Gateway) handleListDisabled(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusForbidden, "forbidden", "session listing requires auth.jwt_secret")
}

// handleSendMessage handles POST /api/sessions/{key}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeBody(r, &req, false); err != nil {
		g.writeSessionError(w, err)
		return
	}
	if req.Number == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "number and message are required")
		return
	}

	dest, err := formatDestination(req.Number, g.addressDomain)
	if err != nil {
		g.writeSessionError(w, err)
		return
	}

	receipt, err := g.sessions.SendText(r.Context(), r.PathValue("key"), dest, req.Message)
	if err != nil {
		g.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SendResponse{Success: true, Message: "message sent", Details: receipt})
}

// handleSendDocument handles POST /api/sessions/{key}/documents.
func (g *Gateway) handleSendDocument(w http.ResponseWriter, r *http.Request) {
	var req SendDocumentRequest
	if err := decodeBody(r, &req, false); err != nil {
		g.writeSessionError(w, err)
		return
	}
	if req.Number == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "number and url are required")
		return
	}

	dest, err := formatDestination(req.Number, g.addressDomain)
	if err != nil {
		g.writeSessionError(w, err)
		return
	}

	receipt, err := g.sessions.SendDocument(r.Context(), r.PathValue("key"), dest, protocol.Document{
		URL:      req.URL,
		FileName: req.FileName,
		MimeType: req.MimeType,
		Caption:  req.Caption,
	})
	if err != nil {
		g.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SendResponse{Success: true, Message: "document sent", Details: receipt})
}

// handleCloseSession handles DELETE /api/sessions/{key}. Closing an unknown
// session succeeds. A failed credential delete still leaves the session
// closed and is retried by the reaper, so it is logged rather than returned.
func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := g.sessions.Close(r.Context(), key); err != nil {
		g.logger.Error("credential cleanup failed on close", "session_id", key, "error", err)
	}
	writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "session closed"})
}

// handleCompletePairing handles GET /api/sessions/{key}/pair, the redirect
// target of a login-URL challenge.
func (g *Gateway) handleCompletePairing(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("loginToken")
	if err := g.sessions.CompletePairing(r.Context(), r.PathValue("key"), token); err != nil {
		g.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "pairing completed"})
}

// formatDestination maps a caller-supplied number to a network address.
// Addresses already in network form pass through; anything else is stripped
// to digits and qualified with domain.
func formatDestination(number, domain string) (string, error) {
	number = strings.TrimSpace(number)
	if strings.ContainsAny(number, "@!") {
		return number, nil
	}

	var digits strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return "", fmt.Errorf("%w: number %q contains no digits", session.ErrInvalidRequest, number)
	}
	if domain == "" {
		return "", fmt.Errorf("%w: no address domain configured for bare numbers", session.ErrInvalidRequest)
	}
	return "@" + digits.String() + ":" + domain, nil
}

// idempotent replays the stored response for a repeated Idempotency-Key.
// Server errors release the key so the client can retry.
func (g *Gateway) idempotent(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" {
			next(w, r)
			return
		}
		cacheKey := r.URL.Path + ":" + key

		resp, outcome := g.idempotency.Claim(cacheKey)
		switch outcome {
		case dedupe.Replay:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(replayedHeader, "true")
			w.WriteHeader(resp.Status)
			_, _ = w.Write(resp.Body)
			return
		case dedupe.InFlight:
			writeError(w, http.StatusConflict, "conflict", "a request with this idempotency key is in progress")
			return
		}

		capture := &captureWriter{ResponseWriter: w}
		defer func() {
			if capture.status > 0 && capture.status < http.StatusInternalServerError {
				g.idempotency.Complete(cacheKey, dedupe.Response{Status: capture.status, Body: capture.body.Bytes()})
				return
			}
			g.idempotency.Release(cacheKey)
		}()
		next(capture, r)
	})
}

// captureWriter records the status and body written through it.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// decodeBody parses a JSON request body. An empty body is accepted only when
// allowEmpty is set.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", session.ErrInvalidRequest, err)
	}
	return nil
}

// statusForKind maps a session outcome code to an HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case "not_found", "session_not_found", "destination_unknown":
		return http.StatusNotFound
	case "not_connected", "unavailable":
		return http.StatusServiceUnavailable
	case "invalid_request":
		return http.StatusBadRequest
	case "conflict":
		return http.StatusConflict
	case "transport":
		return http.StatusBadGateway
	case "client_creation":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeSessionError writes err with the status and code of its kind.
func (g *Gateway) writeSessionError(w http.ResponseWriter, err error) {
	kind := session.Kind(err)
	status := statusForKind(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "request_id", w.Header().Get(requestIDHeader), "error", err)
		msg = "internal server error"
	}
	writeError(w, status, kind, msg)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Success: false, Code: code, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
