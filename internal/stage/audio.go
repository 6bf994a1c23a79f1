// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package stage

import (
	"context"
	"fmt"

	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/services"
	"github.com/ManuGH/storymill/internal/workspace"
)

// AudioStage narrates the task's script with the channel's voice.
type AudioStage struct {
	audio *services.AudioClient
}

func NewAudioStage(audio *services.AudioClient) *AudioStage {
	return &AudioStage{audio: audio}
}

func (s *AudioStage) Name() model.Stage { return model.StageAudio }

func (s *AudioStage) Run(ctx context.Context, sc *Context) error {
	text := narrationText(sc.Task)
	if text == "" {
		return model.Permanent(model.ReasonValidation,
			fmt.Errorf("task %s: nothing to narrate", sc.Task.ID))
	}
	out, err := sc.Project.File(workspace.DirAudio, narrationName)
	if err != nil {
		return model.Permanent(model.ReasonValidation, err)
	}
	return s.audio.Narrate(ctx, sc.Task.ChannelID, text, sc.Channel.VoiceID, out)
}

// SFXStage lays down one ambience track for the assembly mix.
type SFXStage struct {
	sfx *services.SFXClient
}

func NewSFXStage(sfx *services.SFXClient) *SFXStage {
	return &SFXStage{sfx: sfx}
}

func (s *SFXStage) Name() model.Stage { return model.StageSFX }

func (s *SFXStage) Run(ctx context.Context, sc *Context) error {
	out, err := sc.Project.File(workspace.DirSFX, ambienceName)
	if err != nil {
		return model.Permanent(model.ReasonValidation, err)
	}
	return s.sfx.Generate(ctx, sc.Task.ChannelID, sfxPrompt(sc.Task), out)
}
