// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package stage

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/services"
	"github.com/ManuGH/storymill/internal/workspace"
)

// assetsParallelism bounds concurrent image requests per task. The global
// concurrency gate covers the task as a whole; this keeps one task from
// flooding the image upstream on its own.
const assetsParallelism = 2

// AssetsStage renders the scene composites that the video stage animates.
// One image per scene, fanned out with a bounded errgroup; the first failure
// cancels the remaining renders.
type AssetsStage struct {
	images *services.ImageClient
}

func NewAssetsStage(images *services.ImageClient) *AssetsStage {
	return &AssetsStage{images: images}
}

func (s *AssetsStage) Name() model.Stage { return model.StageAssets }

func (s *AssetsStage) Run(ctx context.Context, sc *Context) error {
	scenes := scenePlan(sc.Task, sc.Channel)
	logger := log.WithComponentFromContext(ctx, "stage")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(assetsParallelism)
	for i, sn := range scenes {
		g.Go(func() error {
			out, err := sc.Project.File(workspace.DirComposites, sceneImageName(i))
			if err != nil {
				return model.Permanent(model.ReasonValidation, err)
			}
			return s.images.Generate(gctx, sc.Task.ChannelID, sn.prompt, out)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info().
		Str(log.FieldTaskID, sc.Task.ID).
		Str(log.FieldStage, string(model.StageAssets)).
		Int("scenes", len(scenes)).
		Msg("scene composites rendered")
	return nil
}
