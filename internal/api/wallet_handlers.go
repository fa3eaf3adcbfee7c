package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/copyflow/custody/internal/middleware"
	"github.com/copyflow/custody/internal/sigverify"
	apperrors "github.com/copyflow/custody/pkg/errors"
)

// StoreKeyRequest imports a trading wallet private key
type StoreKeyRequest struct {
	PrivateKey string `json:"privateKey"` // base58-encoded Ed25519 private key
}

// RevealKeyRequest is a signed reveal challenge. Timestamp is optional and,
// when present, must match the timestamp embedded in the challenge.
type RevealKeyRequest struct {
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// RevealKeyResponse carries the revealed key material
type RevealKeyResponse struct {
	PrivateKey string `json:"privateKey"` // base58-encoded Ed25519 private key
}

// handleWalletOperationsRouter routes /v1/wallets/{pubkey} operations
func (s *Server) handleWalletOperationsRouter(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/wallets/"), "/")
	if len(pathParts) < 1 || pathParts[0] == "" {
		s.writeError(w, apperrors.ErrNotFound)
		return
	}

	walletPubkey := pathParts[0]

	// DELETE /v1/wallets/{pubkey} hard-deletes all key records, for when the
	// trading wallet itself is removed from the platform.
	if len(pathParts) == 1 {
		if r.Method != http.MethodDelete {
			s.writeMethodNotAllowed(w)
			return
		}
		s.handleDeleteKey(w, r, walletPubkey)
		return
	}

	if len(pathParts) != 2 {
		s.writeError(w, apperrors.ErrNotFound)
		return
	}

	// /v1/wallets/{pubkey}/keys
	if pathParts[1] == "keys" {
		switch r.Method {
		case http.MethodPost:
			s.handleStoreKey(w, r, walletPubkey)
		case http.MethodDelete:
			s.handleDeactivateKey(w, r, walletPubkey)
		default:
			s.writeMethodNotAllowed(w)
		}
		return
	}

	// /v1/wallets/{pubkey}/{operation}
	if r.Method == http.MethodPost {
		switch pathParts[1] {
		case "reveal-challenge":
			s.handleRevealChallenge(w, r, walletPubkey)
			return
		case "reveal-private-key":
			s.handleRevealKey(w, r, walletPubkey)
			return
		case "rotate-key":
			s.handleRotateKey(w, r, walletPubkey)
			return
		}
	}

	s.writeError(w, apperrors.ErrNotFound)
}

// handleStoreKey handles POST /v1/wallets/{pubkey}/keys
func (s *Server) handleStoreKey(w http.ResponseWriter, r *http.Request, walletPubkey string) {
	var req StoreKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Validation("invalid JSON body"))
		return
	}

	err := s.custodyService.StoreKey(r.Context(), middleware.SessionFrom(r.Context()), walletPubkey, req.PrivateKey)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// handleRevealChallenge handles POST /v1/wallets/{pubkey}/reveal-challenge
func (s *Server) handleRevealChallenge(w http.ResponseWriter, r *http.Request, walletPubkey string) {
	message, err := s.custodyService.RevealChallenge(r.Context(), middleware.SessionFrom(r.Context()), walletPubkey)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ChallengeResponse{Challenge: message})
}

// handleRevealKey handles POST /v1/wallets/{pubkey}/reveal-private-key
func (s *Server) handleRevealKey(w http.ResponseWriter, r *http.Request, walletPubkey string) {
	var req RevealKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Validation("invalid JSON body"))
		return
	}

	if req.Timestamp != 0 {
		embedded, ok := sigverify.ChallengeTimestamp(req.Challenge)
		if !ok || embedded != req.Timestamp {
			s.writeError(w, apperrors.Validation("timestamp does not match challenge"))
			return
		}
	}

	privateKey, err := s.custodyService.RevealKey(r.Context(), middleware.SessionFrom(r.Context()), walletPubkey, req.Challenge, req.Signature)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, RevealKeyResponse{PrivateKey: privateKey})
}

// handleRotateKey handles POST /v1/wallets/{pubkey}/rotate-key
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request, walletPubkey string) {
	err := s.custodyService.RotateKey(r.Context(), middleware.SessionFrom(r.Context()), walletPubkey)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDeactivateKey handles DELETE /v1/wallets/{pubkey}/keys
func (s *Server) handleDeactivateKey(w http.ResponseWriter, r *http.Request, walletPubkey string) {
	err := s.custodyService.DeactivateKey(r.Context(), middleware.SessionFrom(r.Context()), walletPubkey)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteKey handles DELETE /v1/wallets/{pubkey}
func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request, walletPubkey string) {
	err := s.custodyService.DeleteKey(r.Context(), middleware.SessionFrom(r.Context()), walletPubkey)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
