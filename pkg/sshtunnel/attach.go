package sshtunnel

import (
	"context"
	"path/filepath"
	"time"

	"github.com/3leaps/skyrun/pkg/ports"
)

// RetryPolicy bounds the attach retry loop that absorbs an instance's sshd
// not being ready right after boot.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy retries for roughly nine seconds before giving up.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 10, Delay: time.Second}

// AttachConfig carries everything needed to expose one run locally.
type AttachConfig struct {
	// Hostname is the instance's public address.
	Hostname string

	// User is the remote login user.
	User string

	// IdentityFile is the private key matching the job's ssh public key.
	IdentityFile string

	// RunName becomes the ssh host alias.
	RunName string

	// ConfigPath is the managed ssh_config file.
	ConfigPath string

	// PrimaryConfigPath is the user's ~/.ssh/config to add the Include to.
	// Empty skips the include step.
	PrimaryConfigPath string

	// ControlDir holds per-run multiplexing control sockets.
	ControlDir string

	// Retry overrides DefaultRetryPolicy when MaxAttempts > 0.
	Retry RetryPolicy
}

// Attach owns one run's host alias registration and tunnel lifecycle.
//
// Attach on enter, Detach on every exit path: Detach is idempotent and safe
// after a partial or failed Attach.
type Attach struct {
	cfg    AttachConfig
	lock   *ports.Lock
	tunnel *Tunnel
}

// NewAttach builds an Attach around a held ports lease.
// Attach releases the lease on every exit path; on success the release
// happens just before the tunnel binds.
func NewAttach(cfg AttachConfig, lock *ports.Lock) *Attach {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	controlPath := filepath.Join(cfg.ControlDir, cfg.RunName)
	return &Attach{
		cfg:    cfg,
		lock:   lock,
		tunnel: NewTunnel(cfg.RunName, cfg.ConfigPath, controlPath, lock.Mapping()),
	}
}

// Ports returns the resolved remote-to-local mapping this attach forwards.
func (a *Attach) Ports() map[int]int {
	return a.lock.Mapping()
}

// Attach registers the host alias, releases the ports lease, and opens the
// tunnel under the retry policy. On exhaustion it detaches (removing the
// alias) and returns ErrTunnelConnect.
func (a *Attach) Attach(ctx context.Context) error {
	// The lease never outlives Attach, whatever the exit path.
	defer a.lock.Release()

	if a.cfg.PrimaryConfigPath != "" {
		if err := IncludeFrom(a.cfg.PrimaryConfigPath, a.cfg.ConfigPath); err != nil {
			return err
		}
	}
	if err := AddHost(a.cfg.ConfigPath, a.cfg.RunName, HostOptions{
		HostName:     a.cfg.Hostname,
		User:         a.cfg.User,
		IdentityFile: a.cfg.IdentityFile,
		ControlPath:  a.tunnel.ControlPath,
	}); err != nil {
		return err
	}

	// Ports are claimed by the about-to-open tunnel from here on.
	a.lock.Release()

	var lastErr error
	for attempt := 0; attempt < a.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(a.cfg.Retry.Delay):
			case <-ctx.Done():
				a.Detach()
				return ctx.Err()
			}
		}
		if lastErr = a.tunnel.Open(ctx); lastErr == nil {
			return nil
		}
	}
	a.Detach()
	return lastErr
}

// Detach closes the tunnel and removes the host alias. Idempotent with
// respect to an alias that may or may not exist.
func (a *Attach) Detach() {
	a.tunnel.Close()
	_ = RemoveHost(a.cfg.ConfigPath, a.cfg.RunName)
}
