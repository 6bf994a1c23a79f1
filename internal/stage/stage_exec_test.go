// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build unix

package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/workspace"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stage.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestAssembleStage_CutsAndWritesManifest(t *testing.T) {
	sc := &Context{Task: testTask(), Channel: testChannel(), Project: testProject(t)}

	for _, name := range []string{"scene-01.png", "scene-02.png"} {
		p, err := sc.Project.File(workspace.DirComposites, name)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(p, []byte("png"), 0o600))
	}
	for _, name := range []string{"scene-01.mp4", "scene-02.mp4"} {
		p, err := sc.Project.File(workspace.DirVideos, name)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(p, []byte("mp4"), 0o600))
	}
	narration, err := sc.Project.File(workspace.DirAudio, narrationName)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(narration, []byte("wav"), 0o600))
	ambience, err := sc.Project.File(workspace.DirSFX, ambienceName)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ambience, []byte("wav"), 0o600))

	// Stand-in assembler: concatenating the inputs is enough to prove the
	// contract (project dir in $1, output path in $2).
	bin := writeScript(t, `test -d "$1/composites" || exit 4
printf mp4 > "$2"
`)
	st := NewAssembleStage(bin, time.Second)
	require.NoError(t, st.Run(context.Background(), sc))

	m, err := sc.Project.ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, "task-1", m.TaskID)
	assert.Equal(t, []string{"composites/scene-01.png", "composites/scene-02.png"}, m.Composites)
	assert.Equal(t, []string{"videos/scene-01.mp4", "videos/scene-02.mp4"}, m.Clips)
	assert.Equal(t, "audio/"+narrationName, m.Audio)
	assert.Equal(t, []string{"sfx/" + ambienceName}, m.SFX)
	assert.Equal(t, "final/"+finalVideoName, m.FinalVideo)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestAssembleStage_NonzeroExitIsPermanent(t *testing.T) {
	sc := &Context{Task: testTask(), Channel: testChannel(), Project: testProject(t)}
	bin := writeScript(t, `echo "codec mismatch" >&2; exit 3`)

	err := NewAssembleStage(bin, time.Second).Run(context.Background(), sc)
	var sf *model.StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, model.FailurePermanent, sf.Class)
	assert.Equal(t, model.ReasonStepFailed, sf.Reason)
	assert.Contains(t, err.Error(), "codec mismatch")
}

func TestAssembleStage_EmptyOutputIsPermanent(t *testing.T) {
	sc := &Context{Task: testTask(), Channel: testChannel(), Project: testProject(t)}
	bin := writeScript(t, `exit 0`)

	err := NewAssembleStage(bin, time.Second).Run(context.Background(), sc)
	var sf *model.StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, model.ReasonStepFailed, sf.Reason)
}

func TestAssembleStage_NoBinaryConfigured(t *testing.T) {
	sc := &Context{Task: testTask(), Channel: testChannel(), Project: testProject(t)}
	err := NewAssembleStage("", 0).Run(context.Background(), sc)
	var sf *model.StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, model.ReasonValidation, sf.Reason)
}

func TestRegistry_CommandOverrideRunsBinary(t *testing.T) {
	sc := &Context{Task: testTask(), Channel: testChannel(), Project: testProject(t)}
	bin := writeScript(t, `test "$STORYMILL_STAGE" = assets || exit 4
test "$STORYMILL_TASK_ID" = task-1 || exit 5
printf png > "$1/composites/scene-01.png"
`)
	r := NewRegistry(Deps{Override: func(channelKey string, st model.Stage) (CommandOverride, bool) {
		if channelKey == "adventures" && st == model.StageAssets {
			return CommandOverride{Path: bin}, true
		}
		return CommandOverride{}, false
	}})

	require.NoError(t, r.Execute(context.Background(), model.StageAssets, sc))
	_, err := os.Stat(filepath.Join(sc.Project.SubDir(workspace.DirComposites), "scene-01.png"))
	require.NoError(t, err)
}

func TestRegistry_UploadOverrideTakesStdoutURL(t *testing.T) {
	sc := &Context{Task: testTask(), Channel: testChannel(), Project: testProject(t)}
	bin := writeScript(t, `echo uploading...
echo "https://watch.example.com/v/from-script"
`)
	r := NewRegistry(Deps{Override: func(_ string, st model.Stage) (CommandOverride, bool) {
		return CommandOverride{Path: bin}, st == model.StageUpload
	}})

	require.NoError(t, r.Execute(context.Background(), model.StageUpload, sc))
	assert.Equal(t, "https://watch.example.com/v/from-script", sc.PublishURL)
}

func TestRegistry_UploadOverrideWithoutURLFails(t *testing.T) {
	sc := &Context{Task: testTask(), Channel: testChannel(), Project: testProject(t)}
	bin := writeScript(t, `exit 0`)
	r := NewRegistry(Deps{Override: func(_ string, st model.Stage) (CommandOverride, bool) {
		return CommandOverride{Path: bin}, st == model.StageUpload
	}})

	err := r.Execute(context.Background(), model.StageUpload, sc)
	var sf *model.StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, model.ReasonStepFailed, sf.Reason)
}
