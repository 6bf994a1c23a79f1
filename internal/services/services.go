// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package services holds the HTTP clients for everything the pipeline talks
// to: the planning store, the four generation services and the upload
// target. Every client validates its endpoints against the outbound policy,
// classifies failures into the driver's typed set at this boundary, and
// reports per-service request metrics.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/storymill/internal/credentials"
	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/metrics"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/platform/httpx"
	netpol "github.com/ManuGH/storymill/internal/platform/net"
	"github.com/ManuGH/storymill/internal/resilience"
	"github.com/ManuGH/storymill/internal/telemetry"
)

const (
	maxJSONResponse = 1 << 20
	maxErrorSnippet = 2048
)

// Config configures one outbound service client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Policy  netpol.OutboundPolicy
}

// PolicyForURLs builds an outbound policy that admits exactly the hosts and
// ports of the given URLs. Loopback targets additionally allow the loopback
// ranges, which otherwise stay blocked.
func PolicyForURLs(rawURLs ...string) (netpol.OutboundPolicy, error) {
	policy := netpol.OutboundPolicy{
		Enabled: true,
		Allow: netpol.OutboundAllowlist{
			Schemes: []string{"https", "http"},
			Ports:   []int{443, 80},
		},
	}
	seenPorts := map[int]bool{443: true, 80: true}
	loopback := false
	for _, raw := range rawURLs {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		u, ok := netpol.ParseDirectHTTPURL(raw)
		if !ok {
			return netpol.OutboundPolicy{}, fmt.Errorf("invalid outbound url %q", raw)
		}
		host, err := netpol.NormalizeHost(u.Hostname())
		if err != nil {
			return netpol.OutboundPolicy{}, err
		}
		policy.Allow.Hosts = append(policy.Allow.Hosts, host)
		if p := u.Port(); p != "" {
			var port int
			if _, err := fmt.Sscanf(p, "%d", &port); err == nil && !seenPorts[port] {
				policy.Allow.Ports = append(policy.Allow.Ports, port)
				seenPorts[port] = true
			}
		}
		if host == "localhost" || strings.HasPrefix(host, "127.") || host == "::1" {
			loopback = true
		}
	}
	if loopback {
		policy.Allow.CIDRs = append(policy.Allow.CIDRs, "127.0.0.0/8", "::1/128")
	}
	return policy, nil
}

// tokenSource supplies the bearer token for a request.
type tokenSource interface {
	token(ctx context.Context, channelID string) (string, error)
}

// staticToken serves a fixed token (planning store).
type staticToken string

func (s staticToken) token(context.Context, string) (string, error) { return string(s), nil }

// vaultToken pulls the per-channel bundle for one service from the vault.
// A nil vault means the deployment runs without credentials; requests go
// out unauthenticated.
type vaultToken struct {
	vault   *credentials.Vault
	service model.Service
}

func (v vaultToken) token(ctx context.Context, channelID string) (string, error) {
	if v.vault == nil {
		return "", nil
	}
	b, err := v.vault.Get(ctx, channelID, v.service)
	if err != nil {
		if errors.Is(err, credentials.ErrExpired) || errors.Is(err, model.ErrNotFound) {
			return "", model.Permanent(model.ReasonCredentialExpired, err)
		}
		return "", model.Transient(model.ReasonUpstreamBusy, err)
	}
	return b.AccessToken, nil
}

// httpService is the shared plumbing under every concrete client.
type httpService struct {
	service model.Service
	base    *url.URL
	client  *http.Client
	auth    tokenSource
	policy  netpol.OutboundPolicy
	logger  zerolog.Logger
}

func newHTTPService(service model.Service, cfg Config, auth tokenSource) (*httpService, error) {
	normalized, err := netpol.ValidateOutboundURL(context.Background(), cfg.BaseURL, cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("%s base url: %w", service, err)
	}
	base, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("%s base url: %w", service, err)
	}
	return &httpService{
		service: service,
		base:    base,
		client:  httpx.NewMediaClient(cfg.Timeout),
		auth:    auth,
		policy:  cfg.Policy,
		logger:  log.WithComponent("services").With().Str(log.FieldService, string(service)).Logger(),
	}, nil
}

func (s *httpService) endpoint(path string) string {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (s *httpService) authorize(ctx context.Context, channelID string, req *http.Request) error {
	if s.auth == nil {
		return nil
	}
	tok, err := s.auth.token(ctx, channelID)
	if err != nil {
		return err
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

// send runs the request, observing latency and classifying transport errors.
func (s *httpService) send(req *http.Request) (*http.Response, error) {
	tracer := telemetry.Tracer("storymill.services")
	ctx, span := tracer.Start(req.Context(), "storymill."+string(s.service)+".request",
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(telemetry.ServiceAttributes(string(s.service), req.Method)...)
	defer span.End()

	start := time.Now()
	resp, err := s.client.Do(req.WithContext(ctx))
	metrics.ObserveServiceRequest(string(s.service), time.Since(start).Seconds())
	if err != nil {
		cerr := resilience.ClassifyTransport(s.service, err)
		s.count(cerr)
		span.RecordError(cerr)
		span.SetStatus(codes.Error, cerr.Error())
		return nil, cerr
	}
	span.SetAttributes(attribute.Int(telemetry.HTTPStatusCodeKey, resp.StatusCode))
	return resp, nil
}

// checkStatus classifies a non-2xx response, consuming a body snippet for
// the failure message.
func (s *httpService) checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSnippet))
	cause := fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	cerr := resilience.ClassifyHTTP(s.service, resp.StatusCode, cause)
	s.count(cerr)
	return cerr
}

// doJSON sends an optional JSON body and decodes an optional JSON response.
func (s *httpService) doJSON(ctx context.Context, channelID, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", s.service, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.endpoint(path), body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", s.service, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if err := s.authorize(ctx, channelID, req); err != nil {
		return err
	}

	resp, err := s.send(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := s.checkStatus(resp, method+" "+path); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponse)).Decode(out); err != nil {
			cerr := model.Transient(model.ReasonUpstreamBusy, fmt.Errorf("%s: decode response: %w", s.service, err))
			s.count(cerr)
			return cerr
		}
	}
	metrics.IncServiceRequest(string(s.service), "ok")
	return nil
}

// fetchToFile streams a service-returned URL into outputPath. The URL is
// re-validated against the outbound policy; upstream responses are data,
// not trust.
func (s *httpService) fetchToFile(ctx context.Context, channelID, rawURL, outputPath string) error {
	validated, err := netpol.ValidateOutboundURL(ctx, rawURL, s.policy)
	if err != nil {
		cerr := model.Permanent(model.ReasonValidation, fmt.Errorf("%s: artifact url rejected: %w", s.service, err))
		s.count(cerr)
		return cerr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validated, nil)
	if err != nil {
		return fmt.Errorf("%s: build download: %w", s.service, err)
	}
	if err := s.authorize(ctx, channelID, req); err != nil {
		return err
	}
	resp, err := s.send(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := s.checkStatus(resp, "GET artifact"); err != nil {
		return err
	}
	if err := writeStream(outputPath, resp.Body); err != nil {
		return fmt.Errorf("%s: %w", s.service, err)
	}
	metrics.IncServiceRequest(string(s.service), "ok")
	return nil
}

// generateMedia posts a JSON request to an endpoint that streams the
// rendered media back in the response body, and lands it in outputPath.
func (s *httpService) generateMedia(ctx context.Context, channelID, path string, in any, outputPath string) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", s.service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", s.service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := s.authorize(ctx, channelID, req); err != nil {
		return err
	}

	resp, err := s.send(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := s.checkStatus(resp, "POST "+path); err != nil {
		return err
	}
	if err := writeStream(outputPath, resp.Body); err != nil {
		return fmt.Errorf("%s: %w", s.service, err)
	}
	metrics.IncServiceRequest(string(s.service), "ok")
	return nil
}

func decodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(io.LimitReader(r, maxJSONResponse)).Decode(out)
}

// writeStream copies a response body to path, removing partial output on
// failure so a retry starts clean.
func writeStream(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close artifact: %w", err)
	}
	return nil
}

// count records the failure outcome label for the request counter.
func (s *httpService) count(err error) {
	var sf *model.StageFailure
	outcome := "transient"
	if errors.As(err, &sf) {
		switch {
		case sf.Reason == model.ReasonQuotaExhausted:
			outcome = "quota"
		case sf.Class == model.FailurePermanent:
			outcome = "permanent"
		}
	} else if errors.Is(err, context.Canceled) {
		outcome = "canceled"
	}
	metrics.IncServiceRequest(string(s.service), outcome)
}
