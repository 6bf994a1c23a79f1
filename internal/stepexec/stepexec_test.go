// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build unix

package stepexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/storymill/internal/pipeline/model"
)

func TestRun_Success(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Path: "sh",
		Args: []string{"-c", "echo rendered; echo progress >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "rendered\n", res.Stdout)
	assert.Equal(t, "progress\n", res.Stderr)
	assert.False(t, res.TimedOut)
	assert.Nil(t, res.Failure())
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestRun_NonzeroExitIsPermanent(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Path: "sh",
		Args: []string{"-c", "echo 'codec mismatch' >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)

	f := res.Failure()
	require.NotNil(t, f)
	assert.Equal(t, model.FailurePermanent, f.Class)
	assert.Equal(t, model.ReasonStepFailed, f.Reason)
	assert.Contains(t, f.Error(), "exited 3")
	assert.Contains(t, f.Error(), "codec mismatch")
}

func TestRun_TimeoutIsTransient(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), Spec{
		Path:    "sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
		Grace:   200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)

	f := res.Failure()
	require.NotNil(t, f)
	assert.Equal(t, model.FailureTransient, f.Class)
	assert.Equal(t, model.ReasonStepTimeout, f.Reason)
}

func TestRun_TimeoutKillsChildTree(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), Spec{
		Path:    "sh",
		Args:    []string{"-c", "trap '' TERM; sleep 30 & sleep 30"},
		Timeout: 100 * time.Millisecond,
		Grace:   100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second, "group kill must not wait for grandchildren")
}

func TestRun_ParentCancelPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, Spec{
		Path:  "sh",
		Args:  []string{"-c", "sleep 30"},
		Grace: 100 * time.Millisecond,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_DirAndEnv(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), Spec{
		Path: "sh",
		Args: []string{"-c", "pwd; printf '%s' \"$STORYMILL_STEP\""},
		Dir:  dir,
		Env:  []string{"STORYMILL_STEP=assemble"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "assemble")
}

func TestRun_RejectsMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Spec{Path: "definitely-not-a-binary-xyz"})
	assert.Error(t, err)

	_, err = Run(context.Background(), Spec{Path: "/definitely/not/a/binary"})
	assert.Error(t, err)

	_, err = Run(context.Background(), Spec{})
	assert.Error(t, err)
}

func TestTailBuffer_KeepsTail(t *testing.T) {
	b := NewTailBuffer(16)

	_, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789", b.String())
	assert.False(t, b.Truncated())

	_, err = b.Write([]byte("abcdefghij"))
	require.NoError(t, err)
	assert.Equal(t, "456789abcdefghij", b.String())
	assert.True(t, b.Truncated())
}

func TestTailBuffer_OversizedWrite(t *testing.T) {
	b := NewTailBuffer(4)
	_, err := b.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, "efgh", b.String())
	assert.True(t, b.Truncated())
}

func TestErrTail_LimitsLines(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("line\n")
	}
	tail := errTail(sb.String())
	assert.Equal(t, errTailLines, strings.Count(tail, "line"))

	assert.Equal(t, "<no stderr>", errTail(""))
	assert.Equal(t, "<no stderr>", errTail("\n\n"))
}
