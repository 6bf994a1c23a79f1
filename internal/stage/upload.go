// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/ManuGH/storymill/internal/credentials"
	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/services"
	"github.com/ManuGH/storymill/internal/workspace"
)

// descriptionLimit bounds the publish description; publish targets reject
// longer bodies.
const descriptionLimit = 4096

// UploadStage publishes the assembled video with the channel's credentials
// and hands the publish URL back through the stage context.
type UploadStage struct {
	uploads *services.UploadClient
	vault   *credentials.Vault
}

func NewUploadStage(uploads *services.UploadClient, vault *credentials.Vault) *UploadStage {
	return &UploadStage{uploads: uploads, vault: vault}
}

func (s *UploadStage) Name() model.Stage { return model.StageUpload }

func (s *UploadStage) Run(ctx context.Context, sc *Context) error {
	m, err := sc.Project.ReadManifest()
	if err != nil {
		return model.Permanent(model.ReasonValidation,
			fmt.Errorf("task %s: assembly manifest missing: %w", sc.Task.ID, err))
	}
	video, err := manifestFile(sc.Project, m.FinalVideo)
	if err != nil {
		return err
	}

	creds, err := s.vault.Get(ctx, sc.Task.ChannelID, model.ServiceUpload)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, credentials.ErrExpired), errors.Is(err, model.ErrNotFound):
			return model.Permanent(model.ReasonCredentialExpired, err)
		default:
			return model.Transient(model.ReasonUpstreamBusy, err)
		}
	}

	url, err := s.uploads.Upload(ctx, creds, video, publishMetadata(sc))
	if err != nil {
		return err
	}
	sc.PublishURL = url

	logger := log.WithComponentFromContext(ctx, "stage")
	logger.Info().
		Str(log.FieldTaskID, sc.Task.ID).
		Str(log.FieldStage, string(model.StageUpload)).
		Str(log.FieldPublishURL, url).
		Msg("final video published")
	return nil
}

// manifestFile resolves a manifest-relative path back into the confined
// project tree and requires a non-empty file.
func manifestFile(p *workspace.Project, rel string) (string, error) {
	rel = path.Clean(rel)
	sub, name, ok := strings.Cut(rel, "/")
	if !ok || rel == "" {
		return "", model.Permanent(model.ReasonValidation,
			fmt.Errorf("manifest path %q: not project-relative", rel))
	}
	abs, err := p.File(sub, name)
	if err != nil {
		return "", model.Permanent(model.ReasonValidation, err)
	}
	if fi, serr := os.Stat(abs); serr != nil || fi.Size() == 0 {
		return "", model.Permanent(model.ReasonValidation,
			fmt.Errorf("manifest artifact %s: empty or unreadable", rel))
	}
	return abs, nil
}

// publishMetadata builds the upload metadata from the task and channel. The
// publish binding wins over the channel key so one channel can feed a shared
// target account.
func publishMetadata(sc *Context) services.UploadMetadata {
	desc := strings.TrimSpace(sc.Task.StoryDirection)
	if len(desc) > descriptionLimit {
		desc = desc[:descriptionLimit]
	}
	var tags []string
	if topic := strings.TrimSpace(sc.Task.Topic); topic != "" {
		tags = append(tags, topic)
	}
	tags = append(tags, sc.Channel.Key)

	key := sc.Channel.PublishBinding
	if key == "" {
		key = sc.Channel.Key
	}
	return services.UploadMetadata{
		Title:       sc.Task.Title,
		Description: desc,
		Tags:        tags,
		ChannelKey:  key,
	}
}
