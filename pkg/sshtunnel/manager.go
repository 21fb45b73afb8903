package sshtunnel

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/3leaps/skyrun/pkg/ports"
)

// ManagerConfig carries the per-deployment tunnel settings shared by all runs.
type ManagerConfig struct {
	// User is the remote login user on provisioned instances.
	User string

	// IdentityFile is the private key used for all run tunnels.
	IdentityFile string

	// ConfigPath is the managed ssh_config file.
	ConfigPath string

	// PrimaryConfigPath is the user's ~/.ssh/config; empty skips the
	// Include registration.
	PrimaryConfigPath string

	// ControlDir holds per-run multiplexing control sockets.
	ControlDir string

	// Retry overrides DefaultRetryPolicy when MaxAttempts > 0.
	Retry RetryPolicy
}

// Manager tracks live attaches by run name and owns their teardown.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	attached map[string]*Attach
}

// NewManager builds a tunnel manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg, attached: make(map[string]*Attach)}
}

// Attach allocates local ports for the requested mapping, opens the tunnel,
// and registers the run's host alias. Returns the resolved mapping.
//
// Port allocation failures (ConflictError) abort before any tunnel is
// opened; no partial state is left behind.
func (m *Manager) Attach(ctx context.Context, runName, hostname string, requested map[int]int) (map[int]int, error) {
	lock, err := ports.Allocate(requested)
	if err != nil {
		return nil, err
	}

	attach := NewAttach(AttachConfig{
		Hostname:          hostname,
		User:              m.cfg.User,
		IdentityFile:      m.cfg.IdentityFile,
		RunName:           runName,
		ConfigPath:        m.cfg.ConfigPath,
		PrimaryConfigPath: m.cfg.PrimaryConfigPath,
		ControlDir:        m.cfg.ControlDir,
		Retry:             m.cfg.Retry,
	}, lock)

	if err := attach.Attach(ctx); err != nil {
		// Attach released the lock and reverted its alias registration.
		return nil, err
	}

	m.mu.Lock()
	m.attached[runName] = attach
	m.mu.Unlock()
	return attach.Ports(), nil
}

// Detach tears down the run's tunnel and host alias. Safe to call for runs
// that were never attached, or attached by a previous process: the control
// socket path is deterministic, so a fresh teardown still reaches them.
func (m *Manager) Detach(runName string) {
	m.mu.Lock()
	attach, ok := m.attached[runName]
	delete(m.attached, runName)
	m.mu.Unlock()

	if ok {
		attach.Detach()
		return
	}
	tunnel := NewTunnel(runName, m.cfg.ConfigPath, filepath.Join(m.cfg.ControlDir, runName), nil)
	tunnel.Close()
	_ = RemoveHost(m.cfg.ConfigPath, runName)
}
