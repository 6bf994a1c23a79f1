// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ManuGH/storymill/internal/credentials"
	"github.com/ManuGH/storymill/internal/metrics"
	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// UploadMetadata accompanies the published video.
type UploadMetadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ChannelKey  string   `json:"channel_key,omitempty"`
}

// UploadClient publishes finished videos. Credentials arrive per call: the
// upload stage fetches the channel's bundle and hands it over explicitly.
type UploadClient struct {
	*httpService
}

func NewUploadClient(cfg Config) (*UploadClient, error) {
	hs, err := newHTTPService(model.ServiceUpload, cfg, nil)
	if err != nil {
		return nil, err
	}
	return &UploadClient{httpService: hs}, nil
}

// Upload streams the video with its metadata and returns the publish URL.
func (c *UploadClient) Upload(ctx context.Context, creds credentials.Bundle, videoPath string, meta UploadMetadata) (string, error) {
	if creds.AccessToken == "" {
		return "", model.Permanent(model.ReasonCredentialExpired, errors.New("upload: empty access token"))
	}
	f, err := os.Open(videoPath) // #nosec G304 -- workspace-confined path
	if err != nil {
		return "", model.Permanent(model.ReasonValidation, fmt.Errorf("upload: open video: %w", err))
	}
	defer func() { _ = f.Close() }()

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("upload: encode metadata: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := mw.WriteField("metadata", string(metaJSON))
		if err == nil {
			var part io.Writer
			part, err = mw.CreateFormFile("video", filepath.Base(videoPath))
			if err == nil {
				if _, cerr := io.Copy(part, f); cerr != nil {
					err = cerr
				}
			}
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/videos"), pr)
	if err != nil {
		return "", fmt.Errorf("upload: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.send(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkStatus(resp, "POST /v1/videos"); err != nil {
		return "", err
	}

	var out struct {
		PublishURL string `json:"publish_url"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		cerr := model.Transient(model.ReasonUpstreamBusy, fmt.Errorf("upload: decode response: %w", err))
		c.count(cerr)
		return "", cerr
	}
	if out.PublishURL == "" {
		return "", model.Transient(model.ReasonUpstreamBusy, errors.New("upload: response missing publish_url"))
	}
	metrics.IncServiceRequest(string(c.service), "ok")
	c.logger.Info().Str("video", filepath.Base(videoPath)).Msg("video published")
	return out.PublishURL, nil
}
