// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/storymill/internal/credentials"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/resilience"
)

// ImageClient renders scene stills. The service answers with a hosted
// artifact URL once the render finishes.
type ImageClient struct {
	*httpService
}

func NewImageClient(cfg Config, vault *credentials.Vault) (*ImageClient, error) {
	hs, err := newHTTPService(model.ServiceImage, cfg, vaultToken{vault: vault, service: model.ServiceImage})
	if err != nil {
		return nil, err
	}
	return &ImageClient{httpService: hs}, nil
}

// Generate renders one prompt into outputPath.
func (c *ImageClient) Generate(ctx context.Context, channelID, prompt, outputPath string) error {
	if prompt == "" {
		return model.Permanent(model.ReasonValidation, errors.New("image: empty prompt"))
	}
	var resp struct {
		URL string `json:"url"`
	}
	err := c.doJSON(ctx, channelID, http.MethodPost, "/v1/images/generate",
		map[string]string{"prompt": prompt}, &resp)
	if err != nil {
		return err
	}
	if resp.URL == "" {
		return model.Permanent(model.ReasonValidation, errors.New("image: response missing artifact url"))
	}
	return c.fetchToFile(ctx, channelID, resp.URL, outputPath)
}

// VideoClient animates composites. Generation is asynchronous: submit the
// composite, poll the job, download the result.
type VideoClient struct {
	*httpService
	pollInterval time.Duration
}

func NewVideoClient(cfg Config, vault *credentials.Vault) (*VideoClient, error) {
	hs, err := newHTTPService(model.ServiceVideo, cfg, vaultToken{vault: vault, service: model.ServiceVideo})
	if err != nil {
		return nil, err
	}
	return &VideoClient{httpService: hs, pollInterval: 5 * time.Second}, nil
}

// SetPollInterval overrides the job poll cadence. Tests only.
func (c *VideoClient) SetPollInterval(d time.Duration) { c.pollInterval = d }

// Generate uploads the composite, waits for the render job, and downloads
// the clip into outputPath. The caller's context carries the stage deadline.
func (c *VideoClient) Generate(ctx context.Context, channelID, compositePath, motionPrompt, outputPath string) error {
	jobID, err := c.submit(ctx, channelID, compositePath, motionPrompt)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return resilience.ClassifyTransport(model.ServiceVideo, ctx.Err())
		case <-ticker.C:
		}

		var job struct {
			Status string `json:"status"`
			URL    string `json:"url"`
			Error  string `json:"error"`
		}
		if err := c.doJSON(ctx, channelID, http.MethodGet, "/v1/videos/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
			return err
		}
		switch job.Status {
		case "pending", "running":
			continue
		case "done":
			if job.URL == "" {
				return model.Permanent(model.ReasonValidation, errors.New("video: finished job missing artifact url"))
			}
			return c.fetchToFile(ctx, channelID, job.URL, outputPath)
		case "failed":
			return model.Permanent(model.ReasonValidation, fmt.Errorf("video: render failed: %s", job.Error))
		default:
			return model.Transient(model.ReasonUpstreamBusy, fmt.Errorf("video: unknown job status %q", job.Status))
		}
	}
}

func (c *VideoClient) submit(ctx context.Context, channelID, compositePath, motionPrompt string) (string, error) {
	f, err := os.Open(compositePath) // #nosec G304 -- workspace-confined path
	if err != nil {
		return "", model.Permanent(model.ReasonValidation, fmt.Errorf("video: open composite: %w", err))
	}
	defer func() { _ = f.Close() }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("composite", filepath.Base(compositePath))
		if err == nil {
			if _, cerr := io.Copy(part, f); cerr != nil {
				err = cerr
			}
		}
		if err == nil {
			err = mw.WriteField("motion_prompt", motionPrompt)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/videos/generate"), pr)
	if err != nil {
		return "", fmt.Errorf("video: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(ctx, channelID, req); err != nil {
		return "", err
	}

	resp, err := c.send(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkStatus(resp, "POST /v1/videos/generate"); err != nil {
		return "", err
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return "", model.Transient(model.ReasonUpstreamBusy, fmt.Errorf("video: decode submit response: %w", err))
	}
	if out.JobID == "" {
		return "", model.Transient(model.ReasonUpstreamBusy, errors.New("video: submit response missing job_id"))
	}
	return out.JobID, nil
}

// AudioClient narrates story text. The speech endpoint streams the rendered
// media directly in the response body.
type AudioClient struct {
	*httpService
}

func NewAudioClient(cfg Config, vault *credentials.Vault) (*AudioClient, error) {
	hs, err := newHTTPService(model.ServiceAudio, cfg, vaultToken{vault: vault, service: model.ServiceAudio})
	if err != nil {
		return nil, err
	}
	return &AudioClient{httpService: hs}, nil
}

// Narrate synthesizes text with the channel's voice into outputPath.
func (c *AudioClient) Narrate(ctx context.Context, channelID, text, voiceID, outputPath string) error {
	if text == "" {
		return model.Permanent(model.ReasonValidation, errors.New("audio: empty narration text"))
	}
	return c.generateMedia(ctx, channelID, "/v1/audio/speech",
		map[string]string{"text": text, "voice_id": voiceID}, outputPath)
}

// SFXClient produces sound effects from prompts, same wire shape as audio.
type SFXClient struct {
	*httpService
}

func NewSFXClient(cfg Config, vault *credentials.Vault) (*SFXClient, error) {
	hs, err := newHTTPService(model.ServiceSFX, cfg, vaultToken{vault: vault, service: model.ServiceSFX})
	if err != nil {
		return nil, err
	}
	return &SFXClient{httpService: hs}, nil
}

// Generate renders one effect prompt into outputPath.
func (c *SFXClient) Generate(ctx context.Context, channelID, prompt, outputPath string) error {
	if prompt == "" {
		return model.Permanent(model.ReasonValidation, errors.New("sfx: empty prompt"))
	}
	return c.generateMedia(ctx, channelID, "/v1/sfx/generate",
		map[string]string{"prompt": prompt}, outputPath)
}
