package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
)

// ErrTunnelConnect indicates the tunnel could not be established within the
// attach retry budget.
var ErrTunnelConnect = errors.New("cannot connect to remote host")

// Tunnel is a live multiplexed SSH connection carrying local port forwards.
//
// Open spawns a backgrounded non-interactive ssh session; the multiplexing
// control socket keys teardown, so Close works without tracking the child pid.
type Tunnel struct {
	// RunName is the managed host alias the session connects to.
	RunName string

	// ConfigPath is the managed ssh_config file holding the alias.
	ConfigPath string

	// ControlPath is the multiplexing control socket for this tunnel.
	ControlPath string

	ports map[int]int
}

// NewTunnel builds a tunnel for the given alias and remote-to-local mapping.
func NewTunnel(runName, configPath, controlPath string, ports map[int]int) *Tunnel {
	return &Tunnel{
		RunName:     runName,
		ConfigPath:  configPath,
		ControlPath: controlPath,
		ports:       ports,
	}
}

// Args returns the ssh invocation for this tunnel.
// Exposed for tests; the forward list is sorted for determinism.
func (t *Tunnel) Args() []string {
	args := []string{
		"-F", t.ConfigPath,
		t.RunName,
		"-N",
		"-f",
	}
	remotes := make([]int, 0, len(t.ports))
	for remote := range t.ports {
		remotes = append(remotes, remote)
	}
	sort.Ints(remotes)
	for _, remote := range remotes {
		args = append(args, "-L", fmt.Sprintf("%d:localhost:%d", t.ports[remote], remote))
	}
	return args
}

// Open spawns the backgrounded ssh session. A non-zero exit means either the
// remote sshd is not ready yet or a forwarded port lost the probe-to-bind
// race; both surface as ErrTunnelConnect and are retryable by the caller.
func (t *Tunnel) Open(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "ssh", t.Args()...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrTunnelConnect, err)
	}
	return nil
}

// Close terminates the backgrounded session via its control socket.
// Best-effort: a tunnel that never opened has no control master to exit.
func (t *Tunnel) Close() {
	cmd := exec.Command("ssh",
		"-F", t.ConfigPath,
		"-o", "ControlPath="+t.ControlPath,
		"-O", "exit",
		t.RunName,
	)
	_ = cmd.Run()
}
