// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitPerMinute limits each client IP to n requests per minute using a
// sliding window. Over-limit requests get a JSON 429 with Retry-After.
func RateLimitPerMinute(n int) func(http.Handler) http.Handler {
	return httprate.Limit(
		n,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Minute.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
		}),
	)
}

// WebhookRateLimit returns the tighter limiter for the planning webhook.
// Plans arrive in bursts after an editorial session, not continuously.
func WebhookRateLimit() func(http.Handler) http.Handler {
	return RateLimitPerMinute(120)
}
