// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/stepexec"
	"github.com/ManuGH/storymill/internal/workspace"
)

// AssembleStage cuts the final video. It shells out to the configured
// assembler binary with the project directory and the output path, then
// records the artifact inventory in final/manifest.json for the upload
// stage.
type AssembleStage struct {
	bin   string
	grace time.Duration
	now   func() time.Time
}

func NewAssembleStage(bin string, grace time.Duration) *AssembleStage {
	if grace <= 0 {
		grace = stepexec.DefaultGrace
	}
	return &AssembleStage{bin: bin, grace: grace, now: time.Now}
}

func (s *AssembleStage) Name() model.Stage { return model.StageAssemble }

func (s *AssembleStage) Run(ctx context.Context, sc *Context) error {
	if s.bin == "" {
		return model.Permanent(model.ReasonValidation,
			fmt.Errorf("task %s: no assembler binary configured", sc.Task.ID))
	}
	out, err := sc.Project.File(workspace.DirFinal, finalVideoName)
	if err != nil {
		return model.Permanent(model.ReasonValidation, err)
	}

	res, err := stepexec.Run(ctx, stepexec.Spec{
		Path: s.bin,
		Args: []string{sc.Project.Dir(), out},
		Dir:  sc.Project.Dir(),
		Env: []string{
			"STORYMILL_TASK_ID=" + sc.Task.ID,
			"STORYMILL_CHANNEL_ID=" + sc.Task.ChannelID,
		},
		Grace: s.grace,
	})
	if err != nil {
		return err
	}
	if fail := res.Failure(); fail != nil {
		return fail
	}
	if fi, serr := os.Stat(out); serr != nil || fi.Size() == 0 {
		return model.Permanent(model.ReasonStepFailed,
			fmt.Errorf("assembler %s exited 0 but wrote no final video", s.bin))
	}

	m, err := s.buildManifest(sc)
	if err != nil {
		return err
	}
	if err := sc.Project.WriteManifest(*m); err != nil {
		return model.Permanent(model.ReasonValidation, err)
	}

	logger := log.WithComponentFromContext(ctx, "stage")
	logger.Info().
		Str(log.FieldTaskID, sc.Task.ID).
		Str(log.FieldStage, string(model.StageAssemble)).
		Int("clips", len(m.Clips)).
		Dur(log.FieldDurationMS, res.Duration).
		Msg("final video assembled")
	return nil
}

// buildManifest inventories the workspace after a successful cut. Paths are
// stored relative to the project directory so the manifest survives a root
// move.
func (s *AssembleStage) buildManifest(sc *Context) (*workspace.Manifest, error) {
	m := &workspace.Manifest{
		TaskID:     sc.Task.ID,
		ChannelID:  sc.Task.ChannelID,
		FinalVideo: workspace.DirFinal + "/" + finalVideoName,
		CreatedAt:  s.now().UTC(),
	}
	var err error
	if m.Composites, err = relGlob(sc.Project, workspace.DirComposites, "scene-*.png"); err != nil {
		return nil, err
	}
	if m.Clips, err = relGlob(sc.Project, workspace.DirVideos, "scene-*.mp4"); err != nil {
		return nil, err
	}
	if m.SFX, err = relGlob(sc.Project, workspace.DirSFX, "*.wav"); err != nil {
		return nil, err
	}
	if narration, ferr := sc.Project.File(workspace.DirAudio, narrationName); ferr == nil {
		if _, serr := os.Stat(narration); serr == nil {
			m.Audio = workspace.DirAudio + "/" + narrationName
		}
	}
	return m, nil
}

func relGlob(p *workspace.Project, sub, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(p.SubDir(sub), pattern))
	if err != nil {
		return nil, model.Permanent(model.ReasonValidation, err)
	}
	sort.Strings(matches)
	rels := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, rerr := p.Rel(m)
		if rerr != nil {
			return nil, model.Permanent(model.ReasonValidation, rerr)
		}
		rels = append(rels, rel)
	}
	return rels, nil
}
