package gcp

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"

	"github.com/3leaps/skyrun/pkg/backend"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg: Config{
				ProjectID: "proj", Zone: "us-central1-a",
				Image: "projects/ubuntu-os-cloud/global/images/ubuntu-2204",
			},
		},
		{
			name:    "missing project",
			cfg:     Config{Zone: "us-central1-a", Image: "img"},
			wantErr: "project id is required",
		},
		{
			name:    "missing zone",
			cfg:     Config{ProjectID: "proj", Image: "img"},
			wantErr: "zone is required",
		},
		{
			name:    "missing image",
			cfg:     Config{ProjectID: "proj", Zone: "us-central1-a"},
			wantErr: "boot image is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetInstanceType(t *testing.T) {
	c := &Compute{cfg: Config{ProjectID: "p", Zone: "z", Image: "i"}}
	ctx := context.Background()

	t.Run("cheapest match", func(t *testing.T) {
		got, err := c.GetInstanceType(ctx, backend.Requirements{CPU: 4, MemoryMiB: 16384})
		require.NoError(t, err)
		assert.Equal(t, "e2-standard-4", got.Name)
	})

	t.Run("gpu match", func(t *testing.T) {
		got, err := c.GetInstanceType(ctx, backend.Requirements{GPU: 1})
		require.NoError(t, err)
		assert.Equal(t, "g2-standard-4", got.Name)
	})

	t.Run("no capacity", func(t *testing.T) {
		_, err := c.GetInstanceType(ctx, backend.Requirements{GPU: 16})
		require.Error(t, err)
		assert.True(t, backend.IsNoCapacity(err))
	})
}

func TestInstanceName(t *testing.T) {
	tests := []struct {
		name    string
		runName string
		want    string
	}{
		{name: "simple", runName: "train-1", want: "skyrun-train-1"},
		{name: "uppercase lowered", runName: "Train-1", want: "skyrun-train-1"},
		{name: "invalid chars replaced", runName: "my_run.v2", want: "skyrun-my-run-v2"},
		{name: "trailing dash trimmed", runName: "run-", want: "skyrun-run"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := instanceName(backend.Job{RunName: tt.runName})
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("long names truncated to rfc1035 limit", func(t *testing.T) {
		got := instanceName(backend.Job{RunName: strings.Repeat("a", 100)})
		assert.LessOrEqual(t, len(got), 63)
		assert.True(t, strings.HasPrefix(got, "skyrun-"))
	})
}

func TestExternalIP(t *testing.T) {
	t.Run("nat ip found", func(t *testing.T) {
		instance := &compute.Instance{
			NetworkInterfaces: []*compute.NetworkInterface{
				{AccessConfigs: []*compute.AccessConfig{{NatIP: "203.0.113.10"}}},
			},
		}
		assert.Equal(t, "203.0.113.10", externalIP(instance))
	})

	t.Run("no access configs", func(t *testing.T) {
		instance := &compute.Instance{
			NetworkInterfaces: []*compute.NetworkInterface{{}},
		}
		assert.Equal(t, "", externalIP(instance))
	})

	t.Run("no interfaces", func(t *testing.T) {
		assert.Equal(t, "", externalIP(&compute.Instance{}))
	})
}

func TestWrapError(t *testing.T) {
	c := &Compute{cfg: Config{ProjectID: "p", Zone: "us-central1-a"}}

	tests := []struct {
		name  string
		code  int
		check func(error) bool
	}{
		{name: "unauthorized", code: 401, check: backend.IsInvalidCredentials},
		{name: "forbidden", code: 403, check: backend.IsInvalidCredentials},
		{name: "not found", code: 404, check: backend.IsNotFound},
		{name: "rate limited", code: 429, check: backend.IsThrottled},
		{name: "bad request", code: 400, check: backend.IsProvisioning},
		{name: "conflict", code: 409, check: backend.IsProvisioning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.wrapError("Op", "skyrun-run", &googleapi.Error{Code: tt.code, Message: "detail"})
			assert.True(t, tt.check(err))
		})
	}

	t.Run("non-api error passes through", func(t *testing.T) {
		err := c.wrapError("Op", "", fmt.Errorf("conn reset"))
		assert.Contains(t, err.Error(), "conn reset")
		assert.False(t, backend.IsNotFound(err))
	})
}
