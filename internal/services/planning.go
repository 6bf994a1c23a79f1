// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/ratelimit"
	"github.com/ManuGH/storymill/internal/resilience"
)

const (
	planningBreakerThreshold = 5
	planningBreakerReset     = 30 * time.Second
)

// PlanningClient mirrors task state onto the planning store. Calls go
// through the request smoother and a circuit breaker; a dead planning store
// sheds calls fast instead of stalling sync workers.
type PlanningClient struct {
	*httpService
	breaker  *resilience.CircuitBreaker
	smoother *ratelimit.Smoother
}

// NewPlanningClient builds the client with a static bearer token.
func NewPlanningClient(cfg Config, token string, smoother *ratelimit.Smoother) (*PlanningClient, error) {
	hs, err := newHTTPService(model.ServicePlanning, cfg, staticToken(token))
	if err != nil {
		return nil, err
	}
	return &PlanningClient{
		httpService: hs,
		breaker:     resilience.NewCircuitBreaker("planning", planningBreakerThreshold, planningBreakerReset),
		smoother:    smoother,
	}, nil
}

// UpdateStatus patches one page's status plus extra fields.
func (c *PlanningClient) UpdateStatus(ctx context.Context, pageID, status string, fields map[string]any) error {
	if pageID == "" {
		return model.Permanent(model.ReasonValidation, errors.New("planning: empty page id"))
	}
	if c.smoother != nil {
		if err := c.smoother.Wait(ctx, model.ServicePlanning); err != nil {
			return err
		}
	}

	body := map[string]any{"status": status}
	for k, v := range fields {
		if k == "status" {
			continue
		}
		body[k] = v
	}

	var reqErr error
	err := c.breaker.Execute(func() error {
		reqErr = c.doJSON(ctx, "", http.MethodPatch, "/v1/pages/"+url.PathEscape(pageID), body, nil)
		return reqErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return model.Transient(model.ReasonUpstreamBusy, fmt.Errorf("planning: %w", err))
	}
	return reqErr
}

// BreakerState exposes the breaker for health reporting.
func (c *PlanningClient) BreakerState() string {
	return c.breaker.State()
}
