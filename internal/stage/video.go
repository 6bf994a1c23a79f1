// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/services"
	"github.com/ManuGH/storymill/internal/workspace"
)

// VideoStage animates each scene composite into a clip. Clips run
// sequentially: the submit-and-poll upstream holds one job slot and the
// stage already owns exactly one video gate slot.
type VideoStage struct {
	videos *services.VideoClient
}

func NewVideoStage(videos *services.VideoClient) *VideoStage {
	return &VideoStage{videos: videos}
}

func (s *VideoStage) Name() model.Stage { return model.StageVideo }

func (s *VideoStage) Run(ctx context.Context, sc *Context) error {
	composites, err := listComposites(sc.Project)
	if err != nil {
		return err
	}
	scenes := scenePlan(sc.Task, sc.Channel)

	for i, composite := range composites {
		motion := defaultMotion
		if i < len(scenes) {
			motion = scenes[i].motion
		}
		out, ferr := sc.Project.File(workspace.DirVideos, sceneClipName(i))
		if ferr != nil {
			return model.Permanent(model.ReasonValidation, ferr)
		}
		if gerr := s.videos.Generate(ctx, sc.Task.ChannelID, composite, motion, out); gerr != nil {
			return gerr
		}
	}

	logger := log.WithComponentFromContext(ctx, "stage")
	logger.Info().
		Str(log.FieldTaskID, sc.Task.ID).
		Str(log.FieldStage, string(model.StageVideo)).
		Int("clips", len(composites)).
		Msg("scene clips generated")
	return nil
}

// listComposites returns the approved composites in scene order. An empty
// composites directory means the assets stage never ran for this workspace,
// which no retry will fix.
func listComposites(p *workspace.Project) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(p.SubDir(workspace.DirComposites), "scene-*.png"))
	if err != nil {
		return nil, model.Permanent(model.ReasonValidation, err)
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, model.Permanent(model.ReasonValidation,
			fmt.Errorf("workspace %s: no scene composites", p.TaskID()))
	}
	for _, m := range matches {
		if fi, err := os.Stat(m); err != nil || fi.Size() == 0 {
			return nil, model.Permanent(model.ReasonValidation,
				fmt.Errorf("composite %s: empty or unreadable", filepath.Base(m)))
		}
	}
	return matches, nil
}
