package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"fieldops/api/internal/attach"
	"fieldops/api/internal/auth"
	"fieldops/api/internal/roles"
	"fieldops/api/internal/store"
)

const attachmentURLTTL = 15 * time.Minute

type HTTPServer struct {
	service     *Service
	attachments *attach.Service
	corsOrigin  string
}

// NewHTTPServer wires the chat service behind the HTTP surface. attachments
// may be nil when no object store is configured; the attachment routes then
// answer 503.
func NewHTTPServer(service *Service, attachments *attach.Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, attachments: attachments, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
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

	if r.Method == http.MethodPost && r.URL.Path == "/api/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/members/pin" {
		s.handleSetPin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chat" {
		s.handleChat(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/attachments" {
		s.handleAttachmentUpload(w, r)
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/attachments/") {
		key := strings.TrimPrefix(r.URL.Path, "/api/attachments/")
		s.handleAttachmentFetch(w, r, key)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ScopeID  string `json:"scope_id"`
		MemberID string `json:"member_id"`
		Pin      string `json:"pin"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.Login(r.Context(), body.ScopeID, body.MemberID, body.Pin)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": payload})
}

// handleSetPin provisions or rotates a member PIN. Director token only.
func (s *HTTPServer) handleSetPin(w http.ResponseWriter, r *http.Request) {
	if !s.isDirectorToken(bearerToken(r)) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var body struct {
		ScopeID  string `json:"scope_id"`
		MemberID string `json:"member_id"`
		Pin      string `json:"pin"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SetPin(r.Context(), body.ScopeID, body.MemberID, body.Pin); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type chatRequest struct {
	Action    string `json:"action"`
	ScopeID   string `json:"scope_id"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	Term      string `json:"term"`
	Limit     int    `json:"limit"`
	SendInput
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	scopeID, actorID, actorRole := body.ScopeID, body.ActorID, body.ActorRole
	if token := bearerToken(r); token != "" {
		if s.isDirectorToken(token) {
			actorID = ""
			actorRole = string(roles.RoleDirector)
		} else {
			claims, err := auth.ParseToken([]byte(s.service.cfg.TokenSecret), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			scopeID, actorID, actorRole = claims.Scope, claims.Sub, claims.Role
		}
	}

	actor, err := s.service.ResolveActor(r.Context(), scopeID, actorID, actorRole)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	var payload any
	switch body.Action {
	case "listConversations":
		payload, err = s.service.ListConversations(r.Context(), actor)
	case "listMessages":
		payload, err = s.service.ListMessages(r.Context(), actor, body.ConversationID, body.Limit)
	case "listArchive":
		payload, err = s.service.ListArchive(r.Context(), actor, body.ConversationID, body.Limit)
	case "send":
		payload, err = s.service.Send(r.Context(), actor, body.SendInput)
	case "search":
		payload, err = s.service.Search(r.Context(), actor, body.Term)
	default:
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown action", nil)
		return
	}
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": payload})
}

func (s *HTTPServer) handleAttachmentUpload(w http.ResponseWriter, r *http.Request) {
	if s.attachments == nil {
		writeError(w, http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	scopeID := strings.TrimSpace(r.FormValue("scope_id"))
	if scopeID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "scope_id is required", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", nil)
		return
	}
	defer file.Close()

	key, err := s.attachments.Upload(r.Context(), scopeID, header.Filename, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		log.Printf("attachment upload failed: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not store attachment", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"data": store.Attachment{
			Key:  key,
			Name: header.Filename,
		},
	})
}

func (s *HTTPServer) handleAttachmentFetch(w http.ResponseWriter, r *http.Request, key string) {
	if s.attachments == nil {
		writeError(w, http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
		return
	}
	if key == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	url, err := s.attachments.PresignedURL(r.Context(), key, attachmentURLTTL)
	if err != nil {
		log.Printf("attachment presign failed for %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not resolve attachment", nil)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *HTTPServer) isDirectorToken(token string) bool {
	return token != "" && token == s.service.cfg.DirectorToken
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

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
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
	errBody := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		errBody["details"] = details
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": errBody})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
