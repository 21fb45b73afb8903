package sshtunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/skyrun/pkg/ports"
)

func TestTunnelArgs(t *testing.T) {
	tunnel := NewTunnel("train-1", "/cfg", "/ctl/train-1", map[int]int{
		8080: 18080,
		6006: 6006,
	})

	args := tunnel.Args()
	assert.Equal(t, []string{
		"-F", "/cfg",
		"train-1",
		"-N",
		"-f",
		"-L", "6006:localhost:6006",
		"-L", "18080:localhost:8080",
	}, args)
}

func TestTunnelArgsNoPorts(t *testing.T) {
	tunnel := NewTunnel("train-1", "/cfg", "/ctl/train-1", nil)
	assert.Equal(t, []string{"-F", "/cfg", "train-1", "-N", "-f"}, tunnel.Args())
}

// stubSSH installs a fake ssh binary on PATH that logs each invocation's
// arguments to logPath, one line per call, and exits with the given code.
func stubSSH(t *testing.T, exitCode int) (logPath string) {
	t.Helper()
	dir := t.TempDir()
	logPath = filepath.Join(dir, "calls.log")

	script := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %s\nexit %d\n", logPath, exitCode)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ssh"), []byte(script), 0755))
	t.Setenv("PATH", dir)
	return logPath
}

func sshCalls(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

// openAttempts counts tunnel-open invocations, identified by the -N flag.
func openAttempts(t *testing.T, logPath string) int {
	n := 0
	for _, call := range sshCalls(t, logPath) {
		if strings.Contains(call, "-N") {
			n++
		}
	}
	return n
}

func TestAttachSuccess(t *testing.T) {
	logPath := stubSSH(t, 0)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config")

	lock, err := ports.Allocate(map[int]int{8080: 0})
	require.NoError(t, err)

	attach := NewAttach(AttachConfig{
		Hostname:     "203.0.113.10",
		User:         "ubuntu",
		IdentityFile: filepath.Join(dir, "id_rsa"),
		RunName:      "train-1",
		ConfigPath:   configPath,
		ControlDir:   filepath.Join(dir, "control"),
		Retry:        RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
	}, lock)

	require.NoError(t, attach.Attach(context.Background()))
	assert.Equal(t, 1, openAttempts(t, logPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Host train-1")
	assert.Contains(t, string(data), "HostName 203.0.113.10")

	attach.Detach()
	data, err = os.ReadFile(configPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Host train-1")
}

func TestAttachRetriesUntilExhaustion(t *testing.T) {
	logPath := stubSSH(t, 1)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config")

	lock, err := ports.Allocate(map[int]int{8080: 0})
	require.NoError(t, err)

	attach := NewAttach(AttachConfig{
		Hostname:   "203.0.113.10",
		User:       "ubuntu",
		RunName:    "train-1",
		ConfigPath: configPath,
		ControlDir: filepath.Join(dir, "control"),
		Retry:      RetryPolicy{MaxAttempts: 4, Delay: time.Millisecond},
	}, lock)

	err = attach.Attach(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTunnelConnect)
	assert.Equal(t, 4, openAttempts(t, logPath))

	// The failed attach removed its own alias registration.
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Host train-1")
}

func TestAttachContextCancelled(t *testing.T) {
	stubSSH(t, 1)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config")

	lock, err := ports.Allocate(map[int]int{8080: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attach := NewAttach(AttachConfig{
		Hostname:   "h",
		RunName:    "train-1",
		ConfigPath: configPath,
		ControlDir: filepath.Join(dir, "control"),
		Retry:      RetryPolicy{MaxAttempts: 5, Delay: time.Hour},
	}, lock)

	err = attach.Attach(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttachRegistrationFailureReleasesPorts(t *testing.T) {
	// A plain file standing in for a directory makes any write under it fail.
	blockedPath := func(t *testing.T, dir string) string {
		blocker := filepath.Join(dir, "blocker")
		require.NoError(t, os.WriteFile(blocker, nil, 0644))
		return filepath.Join(blocker, "config")
	}

	tests := []struct {
		name string
		cfg  func(t *testing.T, dir string) AttachConfig
	}{
		{
			name: "host registration fails",
			cfg: func(t *testing.T, dir string) AttachConfig {
				return AttachConfig{ConfigPath: blockedPath(t, dir)}
			},
		},
		{
			name: "include registration fails",
			cfg: func(t *testing.T, dir string) AttachConfig {
				return AttachConfig{
					ConfigPath:        filepath.Join(dir, "config"),
					PrimaryConfigPath: blockedPath(t, dir),
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubSSH(t, 0)
			dir := t.TempDir()

			lock, err := ports.Allocate(map[int]int{8080: 0})
			require.NoError(t, err)
			local := lock.Mapping()[8080]

			cfg := tt.cfg(t, dir)
			cfg.Hostname = "h"
			cfg.RunName = "train-1"
			cfg.ControlDir = filepath.Join(dir, "control")
			cfg.Retry = RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond}

			require.Error(t, NewAttach(cfg, lock).Attach(context.Background()))

			// The failed attach released its ports lease.
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", local))
			require.NoError(t, err)
			require.NoError(t, ln.Close())
		})
	}
}

func TestAttachRegistersIncludeLine(t *testing.T) {
	stubSSH(t, 0)
	dir := t.TempDir()
	primary := filepath.Join(dir, "primary")
	configPath := filepath.Join(dir, "config")

	lock, err := ports.Allocate(map[int]int{8080: 0})
	require.NoError(t, err)

	attach := NewAttach(AttachConfig{
		Hostname:          "h",
		RunName:           "train-1",
		ConfigPath:        configPath,
		PrimaryConfigPath: primary,
		ControlDir:        filepath.Join(dir, "control"),
		Retry:             RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond},
	}, lock)

	require.NoError(t, attach.Attach(context.Background()))

	data, err := os.ReadFile(primary)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Include "+configPath)
}

func TestManagerAttachDetach(t *testing.T) {
	logPath := stubSSH(t, 0)
	dir := t.TempDir()

	m := NewManager(ManagerConfig{
		User:       "ubuntu",
		ConfigPath: filepath.Join(dir, "config"),
		ControlDir: filepath.Join(dir, "control"),
		Retry:      RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond},
	})

	resolved, err := m.Attach(context.Background(), "train-1", "203.0.113.10", map[int]int{8080: 0})
	require.NoError(t, err)
	assert.Contains(t, resolved, 8080)
	assert.NotZero(t, resolved[8080])

	m.Detach("train-1")

	// Detach exits the control master for the run.
	var sawExit bool
	for _, call := range sshCalls(t, logPath) {
		if strings.Contains(call, "-O exit") {
			sawExit = true
		}
	}
	assert.True(t, sawExit)

	data, err := os.ReadFile(filepath.Join(dir, "config"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Host train-1")
}

func TestManagerDetachUnknownRun(t *testing.T) {
	stubSSH(t, 0)
	dir := t.TempDir()

	m := NewManager(ManagerConfig{
		ConfigPath: filepath.Join(dir, "config"),
		ControlDir: filepath.Join(dir, "control"),
	})

	// A run attached by a previous process: alias exists but no in-memory
	// record. Detach still tears it down.
	require.NoError(t, AddHost(filepath.Join(dir, "config"), "old-run", HostOptions{HostName: "h"}))
	m.Detach("old-run")

	data, err := os.ReadFile(filepath.Join(dir, "config"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Host old-run")
}

func TestManagerAttachPortConflict(t *testing.T) {
	stubSSH(t, 0)
	dir := t.TempDir()

	lock, err := ports.Allocate(map[int]int{9999: 0})
	require.NoError(t, err)
	defer lock.Release()
	taken := lock.Mapping()[9999]

	m := NewManager(ManagerConfig{
		ConfigPath: filepath.Join(dir, "config"),
		ControlDir: filepath.Join(dir, "control"),
	})

	_, err = m.Attach(context.Background(), "train-1", "h", map[int]int{8080: taken})
	require.Error(t, err)

	var conflict *ports.ConflictError
	assert.ErrorAs(t, err, &conflict)
}
