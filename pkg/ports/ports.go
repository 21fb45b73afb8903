// Package ports resolves remote-to-local port mappings for SSH tunnels.
//
// Allocation is a two-pass batch: explicit user mappings are claimed first and
// fail loudly on conflict, then unmapped remote ports scan upward from their
// own number for a free local port. Claimed ports are held as live listeners
// inside a Lock until the tunnel process is about to bind them, narrowing the
// probe-to-bind race window.
package ports

import (
	"fmt"
	"net"
	"sort"
	"sync"
)

// maxPort is the upper bound of the TCP port space.
const maxPort = 65535

// ConflictError indicates a user-requested local port is unavailable or
// duplicated within the allocation batch.
type ConflictError struct {
	// RemotePort is the in-instance port being mapped.
	RemotePort int

	// LocalPort is the requested local port that could not be claimed.
	LocalPort int

	// Reason describes the conflict ("in use" or "duplicated").
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapped port %d:%d is %s", e.RemotePort, e.LocalPort, e.Reason)
}

// Lock is a lease over a set of claimed local ports.
//
// Each claimed port's probe listener stays open inside the Lock, so no other
// allocation (in this process or another) can claim it. Release must be called
// exactly once on every exit path; it is idempotent via sync.Once.
type Lock struct {
	mapping map[int]int
	holders []net.Listener
	release sync.Once
}

// Mapping returns the resolved remote-to-local port mapping.
// The returned map is a copy; mutating it does not affect the lease.
func (l *Lock) Mapping() map[int]int {
	out := make(map[int]int, len(l.mapping))
	for remote, local := range l.mapping {
		out[remote] = local
	}
	return out
}

// Release closes all held listeners, freeing the ports for the tunnel
// process to bind. Safe to call more than once.
func (l *Lock) Release() {
	l.release.Do(func() {
		for _, ln := range l.holders {
			_ = ln.Close()
		}
		l.holders = nil
	})
}

// Allocate resolves requested remote-to-local mappings into concrete,
// non-conflicting local ports and returns them as a held lease.
//
// A zero local port requests automatic assignment. Explicit mappings win or
// the whole call fails with ConflictError; nothing is ever silently remapped.
// The batch is atomic: on any failure every port claimed so far is released.
func Allocate(requested map[int]int) (*Lock, error) {
	lock := &Lock{mapping: make(map[int]int, len(requested))}
	claimed := make(map[int]bool, len(requested))

	remotes := make([]int, 0, len(requested))
	for remote := range requested {
		remotes = append(remotes, remote)
	}
	sort.Ints(remotes)

	// Pass 1: user-specified mappings take priority.
	for _, remote := range remotes {
		local := requested[remote]
		if local == 0 {
			continue
		}
		if claimed[local] {
			lock.Release()
			return nil, &ConflictError{RemotePort: remote, LocalPort: local, Reason: "duplicated"}
		}
		ln, err := claim(local)
		if err != nil {
			lock.Release()
			return nil, &ConflictError{RemotePort: remote, LocalPort: local, Reason: "already in use"}
		}
		lock.mapping[remote] = local
		lock.holders = append(lock.holders, ln)
		claimed[local] = true
	}

	// Pass 2: automatic mappings prefer the remote port's own number.
	for _, remote := range remotes {
		if requested[remote] != 0 {
			continue
		}
		local := remote
		for {
			if local > maxPort {
				lock.Release()
				return nil, fmt.Errorf("no free local port for remote port %d", remote)
			}
			if !claimed[local] {
				ln, err := claim(local)
				if err == nil {
					lock.mapping[remote] = local
					lock.holders = append(lock.holders, ln)
					claimed[local] = true
					break
				}
			}
			local++
		}
	}

	return lock, nil
}

// claim bind-probes a local port and keeps the listener open on success.
func claim(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}
