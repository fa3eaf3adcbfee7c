package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/copyflow/custody/internal/middleware"
	apperrors "github.com/copyflow/custody/pkg/errors"
	"github.com/copyflow/custody/pkg/types"
)

// ChallengeResponse carries a challenge message for the client to sign.
type ChallengeResponse struct {
	Challenge string `json:"challenge"`
}

// SignInRequest is a signed challenge presented for authentication
type SignInRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
}

// SignInResponse is the issued bearer session
type SignInResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// SessionResponse represents a session in API responses
type SessionResponse struct {
	SessionID      string `json:"session_id"`
	CreatedAt      int64  `json:"created_at"`       // Unix timestamp in milliseconds
	ExpiresAt      int64  `json:"expires_at"`       // Unix timestamp in milliseconds
	LastAccessedAt int64  `json:"last_accessed_at"` // Unix timestamp in milliseconds
	IsCurrent      bool   `json:"is_current"`
}

// SignOutAllResponse reports how many sessions were revoked
type SignOutAllResponse struct {
	RevokedSessions int64 `json:"revoked_sessions"`
}

// SecurityEventResponse represents one audit event in API responses
type SecurityEventResponse struct {
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	Success      bool                   `json:"success"`
	CreatedAt    int64                  `json:"created_at"` // Unix timestamp in milliseconds
}

// SecurityEventsResponse is a page of audit events
type SecurityEventsResponse struct {
	Data  []SecurityEventResponse `json:"data"`
	Total int                     `json:"total"`
}

// handleChallenge handles POST /v1/auth/challenge
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w)
		return
	}

	message, err := s.authService.Challenge(r.Context())
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ChallengeResponse{Challenge: message})
}

// handleSignIn handles POST /v1/auth/signin
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w)
		return
	}

	var req SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Validation("invalid JSON body"))
		return
	}

	result, err := s.authService.SignIn(r.Context(), req.Message, req.Signature, req.PublicKey)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, SignInResponse{
		AccessToken: result.AccessToken,
		TokenType:   result.TokenType,
		ExpiresIn:   result.ExpiresIn,
	})
}

// handleSignOut handles POST /v1/auth/signout
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w)
		return
	}

	if err := s.authService.SignOut(r.Context(), middleware.SessionFrom(r.Context())); err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// handleSignOutAll handles POST /v1/auth/signout-all
func (s *Server) handleSignOutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w)
		return
	}

	revoked, err := s.authService.SignOutAll(r.Context(), middleware.SessionFrom(r.Context()))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, SignOutAllResponse{RevokedSessions: revoked})
}

// handleSessions handles GET /v1/auth/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}

	current := middleware.SessionFrom(r.Context())
	sessions, err := s.authService.Sessions(r.Context(), current)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, toSessionResponse(sess, current.SessionID))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleSessionOperations handles DELETE /v1/auth/sessions/{id}
func (s *Server) handleSessionOperations(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/v1/auth/sessions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		s.writeError(w, apperrors.ErrNotFound)
		return
	}

	if r.Method != http.MethodDelete {
		s.writeMethodNotAllowed(w)
		return
	}

	if err := s.authService.RevokeSession(r.Context(), middleware.SessionFrom(r.Context()), sessionID); err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSecurityEvents handles GET /v1/auth/security-events
func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	events, total, err := s.authService.SecurityEvents(r.Context(), middleware.SessionFrom(r.Context()), limit, offset)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	resp := SecurityEventsResponse{Data: make([]SecurityEventResponse, 0, len(events)), Total: total}
	for _, event := range events {
		resp.Data = append(resp.Data, toSecurityEventResponse(event))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter) {
	s.writeError(w, apperrors.New(
		apperrors.ErrCodeValidation,
		"Method not allowed",
		http.StatusMethodNotAllowed,
	))
}

func toSessionResponse(sess *types.Session, currentSessionID string) SessionResponse {
	return SessionResponse{
		SessionID:      sess.SessionID,
		CreatedAt:      sess.CreatedAt.UnixMilli(),
		ExpiresAt:      sess.ExpiresAt.UnixMilli(),
		LastAccessedAt: sess.LastAccessedAt.UnixMilli(),
		IsCurrent:      sess.SessionID == currentSessionID,
	}
}

func toSecurityEventResponse(event *types.AuditEvent) SecurityEventResponse {
	return SecurityEventResponse{
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		Details:      event.Details,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
		Success:      event.Success,
		CreatedAt:    event.CreatedAt.UnixMilli(),
	}
}

// queryInt parses an integer query parameter with a default value
func queryInt(r *http.Request, key string, defaultValue int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}
