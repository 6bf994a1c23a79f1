// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ManuGH/storymill/internal/credentials"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/platform/httpx"
	netpol "github.com/ManuGH/storymill/internal/platform/net"
)

const refreshTimeout = 15 * time.Second

// TokenRefresher exchanges refresh tokens at each service's issuer
// endpoint. It implements credentials.Refresher for the vault.
type TokenRefresher struct {
	endpoints map[model.Service]string
	policy    netpol.OutboundPolicy
	client    *http.Client
	now       func() time.Time
}

// NewTokenRefresher wires issuer endpoints per service. Services without an
// endpoint cannot refresh and ride their bundles to expiry.
func NewTokenRefresher(endpoints map[model.Service]string, policy netpol.OutboundPolicy) *TokenRefresher {
	return &TokenRefresher{
		endpoints: endpoints,
		policy:    policy,
		client:    httpx.NewClient(refreshTimeout),
		now:       time.Now,
	}
}

// Refresh implements credentials.Refresher.
func (r *TokenRefresher) Refresh(ctx context.Context, channelID string, service model.Service, b credentials.Bundle) (credentials.Bundle, error) {
	endpoint, ok := r.endpoints[service]
	if !ok || endpoint == "" {
		return credentials.Bundle{}, fmt.Errorf("no token endpoint for %s", service)
	}
	if b.RefreshToken == "" {
		return credentials.Bundle{}, errors.New("bundle has no refresh token")
	}
	validated, err := netpol.ValidateOutboundURL(ctx, endpoint, r.policy)
	if err != nil {
		return credentials.Bundle{}, fmt.Errorf("token endpoint for %s: %w", service, err)
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": b.RefreshToken,
	})
	if err != nil {
		return credentials.Bundle{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, validated, bytes.NewReader(body))
	if err != nil {
		return credentials.Bundle{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return credentials.Bundle{}, fmt.Errorf("refresh %s/%s: %w", channelID, service, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return credentials.Bundle{}, fmt.Errorf("refresh %s/%s: status %d", channelID, service, resp.StatusCode)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return credentials.Bundle{}, fmt.Errorf("refresh %s/%s: decode: %w", channelID, service, err)
	}
	if out.AccessToken == "" {
		return credentials.Bundle{}, errors.New("issuer returned empty access token")
	}

	refreshed := credentials.Bundle{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    out.TokenType,
	}
	// Issuers commonly rotate refresh tokens; keep the old one when they
	// do not.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = b.RefreshToken
	}
	if out.ExpiresIn > 0 {
		refreshed.ExpiresAt = r.now().Add(time.Duration(out.ExpiresIn) * time.Second).UTC()
	}
	return refreshed, nil
}
