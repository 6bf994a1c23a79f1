// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/storymill/internal/credentials"
	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// handleListChannels serves GET /api/v1/channels.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if channels == nil {
		channels = []*model.Channel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// handleGetChannel serves GET /api/v1/channels/{id}.
func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.store.GetChannel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// credentialRequest is the operator-supplied token bundle. It is encrypted
// before it touches the store and never echoed back.
type credentialRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// handlePutCredential serves PUT /api/v1/channels/{id}/credentials/{service}.
func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := chi.URLParam(r, "id")
	service := model.Service(chi.URLParam(r, "service"))

	if !validService(service) {
		writeError(w, fmt.Errorf("unknown service %q", service))
		return
	}
	if s.vault == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "credential vault disabled"})
		return
	}

	// The channel must exist before a bundle is stored for it.
	if _, err := s.store.GetChannel(ctx, channelID); err != nil {
		writeStoreError(w, err)
		return
	}

	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid JSON payload"))
		return
	}
	if req.AccessToken == "" {
		writeError(w, errors.New("access_token is required"))
		return
	}

	bundle := credentials.Bundle{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    req.TokenType,
		ExpiresAt:    req.ExpiresAt,
	}
	if err := s.vault.Put(ctx, channelID, service, bundle); err != nil {
		logger := log.WithComponentFromContext(ctx, "api")
		logger.Error().Err(err).
			Str(log.FieldChannelID, channelID).
			Str(log.FieldService, string(service)).
			Msg("credential store failed")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"channel_id": channelID,
		"service":    string(service),
		"status":     "stored",
	})
}

func validService(s model.Service) bool {
	for _, known := range model.Services {
		if s == known {
			return true
		}
	}
	return false
}
