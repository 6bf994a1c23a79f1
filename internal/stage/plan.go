// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package stage

import (
	"fmt"
	"strings"

	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// maxScenes bounds the per-task shot list; longer story directions are
// folded into the final scene.
const maxScenes = 6

const defaultMotion = "subtle cinematic motion, slow push-in"

// scene is one shot of the production: an image prompt for the composite
// and a motion prompt for its animation.
type scene struct {
	prompt string
	motion string
}

// scenePlan splits the task's story direction into scenes, one per
// paragraph. Tasks without a direction produce a single scene from title and
// topic. Channel branding contributes an optional style suffix for every
// image prompt and a motion override.
func scenePlan(t *model.Task, ch *model.Channel) []scene {
	motion := defaultMotion
	style := ""
	if ch != nil {
		if m := strings.TrimSpace(ch.Branding["motion"]); m != "" {
			motion = m
		}
		style = strings.TrimSpace(ch.Branding["style"])
	}

	var prompts []string
	for _, para := range strings.Split(t.StoryDirection, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(prompts) == maxScenes {
			prompts[maxScenes-1] = prompts[maxScenes-1] + " " + para
			continue
		}
		prompts = append(prompts, para)
	}
	if len(prompts) == 0 {
		p := strings.TrimSpace(t.Title)
		if topic := strings.TrimSpace(t.Topic); topic != "" {
			p = p + ", " + topic
		}
		prompts = append(prompts, p)
	}

	scenes := make([]scene, 0, len(prompts))
	for _, p := range prompts {
		if style != "" {
			p = p + ", " + style
		}
		scenes = append(scenes, scene{prompt: p, motion: motion})
	}
	return scenes
}

// narrationText returns the script the audio stage reads. Story direction
// wins; topic and title are fallbacks so every task narrates something.
func narrationText(t *model.Task) string {
	for _, s := range []string{t.StoryDirection, t.Topic, t.Title} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// sfxPrompt derives the ambience prompt for the task.
func sfxPrompt(t *model.Task) string {
	subject := strings.TrimSpace(t.Topic)
	if subject == "" {
		subject = strings.TrimSpace(t.Title)
	}
	return "ambient background soundscape for: " + subject
}

// sceneImageName returns the composite filename for scene i (zero-based).
func sceneImageName(i int) string { return fmt.Sprintf("scene-%02d.png", i+1) }

// sceneClipName returns the animated clip filename for scene i (zero-based).
func sceneClipName(i int) string { return fmt.Sprintf("scene-%02d.mp4", i+1) }

const (
	narrationName  = "narration.wav"
	ambienceName   = "ambience.wav"
	finalVideoName = "final.mp4"
)
