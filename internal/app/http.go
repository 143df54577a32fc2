package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crestfund/api/internal/auth"
	"crestfund/api/internal/rbac"
)

type HTTPServer struct {
	service    *Service
	decoder    *auth.Decoder
	corsOrigin string
	log        zerolog.Logger
	// ready reports backing-store health for the readiness probe. Nil
	// means always ready.
	ready func(ctx context.Context) error
}

func NewHTTPServer(service *Service, decoder *auth.Decoder, corsOrigin string, log zerolog.Logger, ready func(ctx context.Context) error) *HTTPServer {
	return &HTTPServer{service: service, decoder: decoder, corsOrigin: corsOrigin, log: log, ready: ready}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
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
		if s.ready != nil {
			if err := s.ready(ctx); err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks["database"] = map[string]any{"status": "error", "error": err.Error()}
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Public share links — no authentication required
	if strings.HasPrefix(r.URL.Path, "/share/") && r.Method == http.MethodGet {
		token := strings.TrimPrefix(r.URL.Path, "/share/")
		if token != "" {
			s.handlePublicShare(w, r, token)
			return
		}
	}

	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/documents" {
		investorID := strings.TrimSpace(r.URL.Query().Get("investorId"))
		if investorID == "" {
			investorID = claims.OwnerID
		}
		items, err := s.service.ListDocuments(r.Context(), claims, investorID, queryFlag(r, "includeWithdrawn"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/documents" {
		var body ReserveUploadRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.InvestorID == "" {
			body.InvestorID = claims.OwnerID
		}
		rec, uploadURL, err := s.service.ReserveUpload(r.Context(), claims, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"document": rec, "uploadUrl": uploadURL})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/admin/documents" {
		items, err := s.service.ListAllDocuments(r.Context(), claims, queryFlag(r, "includeWithdrawn"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": items})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/admin/capabilities" {
		names, err := s.service.CapabilityNames(r.Context(), claims)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"capabilities": names})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/properties" {
		items, err := s.service.ListProperties(r.Context(), claims)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"properties": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/properties" {
		var body CreatePropertyRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rec, err := s.service.CreateProperty(r.Context(), claims, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"property": rec})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/investors" {
		var body CreateInvestorRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rec, err := s.service.CreateInvestor(r.Context(), claims, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"investor": rec})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocuments(w, r, claims, parts[2], parts)
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "share-links" && r.Method == http.MethodDelete {
		if err := s.service.RevokeShareLink(r.Context(), claims, parts[2]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "investors" {
		s.handleInvestors(w, r, claims, parts[2], parts)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "properties" {
		s.handleProperties(w, r, claims, parts[2], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, claims rbac.Claims, documentID string, parts []string) {
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			rec, err := s.service.GetDocument(r.Context(), claims, documentID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": rec})
			return
		case http.MethodDelete:
			err := s.service.PurgeExpiredDocument(r.Context(), claims, documentID, queryFlag(r, "confirm"))
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[3] == "history" && r.Method == http.MethodGet {
		history, timeline, err := s.service.DocumentHistory(r.Context(), claims, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": history, "timeline": timeline})
		return
	}

	if len(parts) == 4 && parts[3] == "url" && r.Method == http.MethodGet {
		url, err := s.service.DocumentReadURL(r.Context(), claims, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})
		return
	}

	if len(parts) == 4 && parts[3] == "audit" && r.Method == http.MethodGet {
		events, err := s.service.AuditTrail(r.Context(), claims, "document", documentID, 0)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	if len(parts) == 4 && parts[3] == "share-links" {
		switch r.Method {
		case http.MethodGet:
			links, err := s.service.ListShareLinks(r.Context(), claims, documentID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"shareLinks": links})
			return
		case http.MethodPost:
			var body CreateShareLinkRequest
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			body.DocumentID = documentID
			link, err := s.service.CreateShareLink(r.Context(), claims, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"shareLink": link, "url": "/share/" + link.Token})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && r.Method == http.MethodPost {
		var rec any
		var err error
		switch parts[3] {
		case "confirm":
			rec, err = s.service.ConfirmUpload(r.Context(), claims, documentID)
		case "verify":
			rec, err = s.service.VerifyDocument(r.Context(), claims, documentID)
		case "withdraw":
			var body struct {
				Reason string `json:"reason"`
			}
			if decodeErr := decodeBody(r, &body); decodeErr != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", decodeErr.Error(), nil)
				return
			}
			rec, err = s.service.WithdrawDocument(r.Context(), claims, documentID, body.Reason)
		case "supersede":
			var body struct {
				Reason string `json:"reason"`
			}
			if decodeErr := decodeBody(r, &body); decodeErr != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", decodeErr.Error(), nil)
				return
			}
			rec, err = s.service.SupersedeDocument(r.Context(), claims, documentID, body.Reason)
		case "transition":
			var body struct {
				Status string `json:"status"`
				Reason string `json:"reason"`
			}
			if decodeErr := decodeBody(r, &body); decodeErr != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", decodeErr.Error(), nil)
				return
			}
			rec, err = s.service.TransitionDocument(r.Context(), claims, documentID, body.Status, body.Reason)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": rec})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleInvestors(w http.ResponseWriter, r *http.Request, claims rbac.Claims, investorID string, parts []string) {
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			rec, err := s.service.GetInvestor(r.Context(), claims, investorID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"investor": rec})
			return
		case http.MethodPatch:
			var fields map[string]any
			if err := decodeBody(r, &fields); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			rec, err := s.service.UpdateInvestorProfile(r.Context(), claims, investorID, fields)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"investor": rec})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[3] == "kyc" && r.Method == http.MethodPost {
		var body struct {
			Status string `json:"status"`
			Note   string `json:"note"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rec, err := s.service.SetKYCStatus(r.Context(), claims, investorID, body.Status, body.Note)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"investor": rec})
		return
	}

	if len(parts) == 4 && parts[3] == "history" && r.Method == http.MethodGet {
		history, timeline, err := s.service.InvestorHistory(r.Context(), claims, investorID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": history, "timeline": timeline})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProperties(w http.ResponseWriter, r *http.Request, claims rbac.Claims, propertyID string, parts []string) {
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			rec, err := s.service.GetProperty(r.Context(), claims, propertyID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"property": rec})
			return
		case http.MethodPatch:
			var fields map[string]any
			if err := decodeBody(r, &fields); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			rec, err := s.service.UpdateProperty(r.Context(), claims, propertyID, fields)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"property": rec})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[3] == "history" && r.Method == http.MethodGet {
		history, timeline, err := s.service.PropertyHistory(r.Context(), claims, propertyID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": history, "timeline": timeline})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePublicShare(w http.ResponseWriter, r *http.Request, token string) {
	url, err := s.service.ResolveShareLink(r.Context(), token, strings.TrimSpace(r.URL.Query().Get("password")))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *HTTPServer) requireClaims(w http.ResponseWriter, r *http.Request) (rbac.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil)
		return rbac.Claims{}, false
	}
	claims, err := s.decoder.Decode(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil)
		return rbac.Claims{}, false
	}
	return claims, true
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

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
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

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

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

func queryFlag(r *http.Request, name string) bool {
	return strings.EqualFold(strings.TrimSpace(r.URL.Query().Get(name)), "true")
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
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
