// Package sshtunnel exposes a running instance as local, forwarded ports over
// a multiplexed SSH connection, and registers a host alias for user-facing
// SSH access.
//
// The host alias lives in a managed ssh_config file wholly owned by skyrun.
// The user's primary ~/.ssh/config gains a single Include line pointing at it,
// so `ssh <run-name>` works from any terminal while the managed file can be
// rewritten freely.
package sshtunnel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HostOptions are the fields written into a managed host block.
//
// Host key checking is disabled because instances are ephemeral: a fresh
// instance behind a reused run name would otherwise trip the known-hosts
// mismatch check.
type HostOptions struct {
	HostName     string
	User         string
	IdentityFile string
	ControlPath  string
}

// AddHost writes (or replaces) the host block for alias in the managed
// config file, creating the file and its parent directory if needed.
func AddHost(path, alias string, opts HostOptions) error {
	blocks, err := readBlocks(path)
	if err != nil {
		return err
	}
	delete(blocks.hosts, alias)
	blocks.order = removeString(blocks.order, alias)

	blocks.hosts[alias] = formatHostBlock(alias, opts)
	blocks.order = append(blocks.order, alias)
	return writeBlocks(path, blocks)
}

// RemoveHost deletes the host block for alias from the managed config file.
// Removing an alias that does not exist is a no-op.
func RemoveHost(path, alias string) error {
	blocks, err := readBlocks(path)
	if err != nil {
		return err
	}
	if _, ok := blocks.hosts[alias]; !ok {
		return nil
	}
	delete(blocks.hosts, alias)
	blocks.order = removeString(blocks.order, alias)
	return writeBlocks(path, blocks)
}

// IncludeFrom ensures the user's primary ssh config includes the managed
// file. The Include line is prepended so it wins over later wildcard hosts.
func IncludeFrom(primaryPath, managedPath string) error {
	include := "Include " + managedPath
	data, err := os.ReadFile(primaryPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read ssh config: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == include {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(primaryPath), 0700); err != nil {
		return fmt.Errorf("create ssh config dir: %w", err)
	}
	out := include + "\n"
	if len(data) > 0 {
		out += string(data)
	}
	if err := os.WriteFile(primaryPath, []byte(out), 0600); err != nil {
		return fmt.Errorf("write ssh config: %w", err)
	}
	return nil
}

type configBlocks struct {
	hosts map[string]string
	order []string
}

func readBlocks(path string) (*configBlocks, error) {
	blocks := &configBlocks{hosts: make(map[string]string)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return blocks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read managed ssh config: %w", err)
	}

	var alias string
	var body []string
	flush := func() {
		if alias != "" {
			blocks.hosts[alias] = strings.Join(body, "\n") + "\n"
			blocks.order = append(blocks.order, alias)
		}
		body = nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Host ") {
			flush()
			alias = strings.TrimSpace(strings.TrimPrefix(trimmed, "Host "))
			body = append(body, line)
			continue
		}
		if alias != "" && trimmed != "" {
			body = append(body, line)
		}
	}
	flush()
	return blocks, nil
}

func writeBlocks(path string, blocks *configBlocks) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create managed ssh config dir: %w", err)
	}
	var sb strings.Builder
	for i, alias := range blocks.order {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(blocks.hosts[alias])
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("write managed ssh config: %w", err)
	}
	return nil
}

func formatHostBlock(alias string, opts HostOptions) string {
	var sb strings.Builder
	sb.WriteString("Host " + alias + "\n")
	write := func(key, value string) {
		if value != "" {
			sb.WriteString("  " + key + " " + value + "\n")
		}
	}
	write("HostName", opts.HostName)
	write("User", opts.User)
	write("IdentityFile", opts.IdentityFile)
	write("StrictHostKeyChecking", "no")
	write("UserKnownHostsFile", "/dev/null")
	write("ControlPath", opts.ControlPath)
	write("ControlMaster", "auto")
	write("ControlPersist", "yes")
	return sb.String()
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
