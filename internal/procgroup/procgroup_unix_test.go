// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build unix && !windows

package procgroup

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSet_MakesGroupLeader(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 60")
	Set(cmd)
	require.NoError(t, cmd.Start())
	defer func() {
		_ = Kill(cmd, syscall.SIGKILL)
		_ = cmd.Wait()
	}()

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	require.NoError(t, err)
	require.Equal(t, cmd.Process.Pid, pgid)
}

func TestTerminate_GracefulStop(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 60")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	err := Terminate(cmd, waitCh, 2*time.Second)
	require.Error(t, err, "sleep dies by signal, Wait reports it")

	// Process and its group are gone.
	require.Error(t, cmd.Process.Signal(syscall.Signal(0)))
}

func TestTerminate_KillsStubbornGroup(t *testing.T) {
	// The child ignores SIGTERM and spawns a grandchild.
	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 60 & sleep 60")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	start := time.Now()
	err := Terminate(cmd, waitCh, 300*time.Millisecond)
	require.Error(t, err)
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	pgid := cmd.Process.Pid
	require.Eventually(t, func() bool {
		return syscall.Kill(-pgid, syscall.Signal(0)) == syscall.ESRCH
	}, 2*time.Second, 50*time.Millisecond, "whole group should be dead")
}

func TestTerminate_NilSafe(t *testing.T) {
	require.NoError(t, Terminate(nil, nil, time.Second))

	cmd := exec.Command("true")
	require.NoError(t, Terminate(cmd, nil, time.Second), "unstarted command")
}

func TestKill_AfterExitIsNoop(t *testing.T) {
	cmd := exec.Command("true")
	Set(cmd)
	require.NoError(t, cmd.Run())
	require.NoError(t, Kill(cmd, syscall.SIGTERM))
}
