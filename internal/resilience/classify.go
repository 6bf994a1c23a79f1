// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// ClassifyHTTP maps an upstream response status to a typed stage failure.
// The caller supplies err for the wrapped cause; a nil err gets a synthetic
// one carrying the status.
func ClassifyHTTP(service model.Service, status int, err error) *model.StageFailure {
	if err == nil {
		err = fmt.Errorf("%s: unexpected status %d", service, status)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return model.Transient(model.ReasonRateLimited, err)
	case status == http.StatusPaymentRequired:
		// Generation services signal spent quota this way.
		return model.Transient(model.ReasonQuotaExhausted, err)
	case status == http.StatusUnauthorized:
		return model.Permanent(model.ReasonAuthFailed, err)
	case status == http.StatusConflict, status == http.StatusServiceUnavailable:
		return model.Transient(model.ReasonUpstreamBusy, err)
	case status >= 500:
		return model.Transient(model.ReasonUpstream5xx, err)
	case status >= 400:
		return model.Permanent(model.ReasonUpstream4xx, err)
	}
	return model.Transient(model.ReasonUpstream5xx, err)
}

// ClassifyTransport maps connection-level errors. Timeouts and canceled
// deadlines retry; a canceled parent context is passed through untouched so
// shutdown does not burn an attempt.
func ClassifyTransport(service model.Service, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return model.Transient(model.ReasonTimeout, fmt.Errorf("%s: %w", service, err))
	}
	return model.Transient(model.ReasonUpstreamBusy, fmt.Errorf("%s: %w", service, err))
}
