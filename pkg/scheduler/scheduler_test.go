package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/skyrun/pkg/backend"
	"github.com/3leaps/skyrun/pkg/runstore"
)

// fakeCompute scripts provider-side behavior per operation.
type fakeCompute struct {
	mu sync.Mutex

	instanceType    *backend.InstanceType
	instanceTypeErr error

	runErr    error
	runCalls  int
	requestID string

	// heads is consumed one per GetRequestHead call; the last entry
	// repeats once exhausted.
	heads    []backend.RequestHead
	headErr  error
	headIdx  int
	headCall int

	terminated []string
	cancelled  []string
}

func (f *fakeCompute) GetInstanceType(_ context.Context, req backend.Requirements) (*backend.InstanceType, error) {
	if f.instanceTypeErr != nil {
		return nil, f.instanceTypeErr
	}
	if f.instanceType != nil {
		return f.instanceType, nil
	}
	return &backend.InstanceType{Name: "t3.small", Resources: backend.Resources{CPU: 2, MemoryMiB: 2048}}, nil
}

func (f *fakeCompute) RunInstance(_ context.Context, job backend.Job, _ backend.InstanceType) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	if f.runErr != nil {
		return "", f.runErr
	}
	if f.requestID != "" {
		return f.requestID, nil
	}
	return "req-" + job.ID, nil
}

func (f *fakeCompute) GetRequestHead(_ context.Context, _ backend.Job, requestID string) (*backend.RequestHead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCall++
	if f.headErr != nil {
		return nil, f.headErr
	}
	if len(f.heads) == 0 {
		return &backend.RequestHead{RequestID: requestID, Status: backend.RequestPending, Found: true}, nil
	}
	head := f.heads[f.headIdx]
	if f.headIdx < len(f.heads)-1 {
		f.headIdx++
	}
	head.RequestID = requestID
	return &head, nil
}

func (f *fakeCompute) TerminateInstance(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, requestID)
	return nil
}

func (f *fakeCompute) CancelSpotRequest(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, requestID)
	return nil
}

type fakeBackend struct {
	name    string
	compute *fakeCompute
}

func (b *fakeBackend) Name() string             { return b.name }
func (b *fakeBackend) Type() backend.Type       { return backend.TypeAWS }
func (b *fakeBackend) Compute() backend.Compute { return b.compute }

// fakeAttacher scripts tunnel behavior.
type fakeAttacher struct {
	mu        sync.Mutex
	attachErr error
	attached  []string
	detached  []string
	ports     map[int]int
}

func (a *fakeAttacher) Attach(_ context.Context, job *runstore.Job) (map[int]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.attachErr != nil {
		return nil, a.attachErr
	}
	a.attached = append(a.attached, job.RunName)
	if a.ports != nil {
		return a.ports, nil
	}
	return map[int]int{8080: 8080}, nil
}

func (a *fakeAttacher) Detach(runName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detached = append(a.detached, runName)
}

type fixture struct {
	store    *runstore.Store
	compute  *fakeCompute
	attacher *fakeAttacher
	sched    *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := runstore.Open(ctx, runstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, runstore.Migrate(ctx, db))
	store := runstore.New(db)
	t.Cleanup(func() { _ = store.Close() })

	compute := &fakeCompute{}
	registry := backend.NewRegistry()
	require.NoError(t, registry.Register(&fakeBackend{name: "aws", compute: compute}))

	attacher := &fakeAttacher{}
	sched := New(store, registry, attacher, cfg, zap.NewNop())
	return &fixture{store: store, compute: compute, attacher: attacher, sched: sched}
}

func (f *fixture) submit(t *testing.T, id, runName string) *runstore.Job {
	t.Helper()
	job := &runstore.Job{
		ID:       id,
		RunName:  runName,
		Backend:  "aws",
		RunnerID: "runner-" + id,
		Requirements: backend.Requirements{
			CPU: 2, Spot: true,
		},
		Ports: map[int]int{8080: 0},
	}
	require.NoError(t, f.store.SubmitJob(context.Background(), job))
	return job
}

func (f *fixture) state(t *testing.T, jobID string) runstore.JobState {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job.State
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.compute.heads = []backend.RequestHead{
		{Status: backend.RequestPending, Found: true},
		{Status: backend.RequestPending, Found: true},
		{Status: backend.RequestRunning, Hostname: "203.0.113.10", Found: true},
	}

	f.submit(t, "j1", "train-1")

	// submitted -> provisioning
	f.sched.Tick(ctx)
	assert.Equal(t, runstore.StateProvisioning, f.state(t, "j1"))

	// pending twice: stays provisioning
	f.sched.Tick(ctx)
	assert.Equal(t, runstore.StateProvisioning, f.state(t, "j1"))
	f.sched.Tick(ctx)
	assert.Equal(t, runstore.StateProvisioning, f.state(t, "j1"))

	// running head: provisioning -> starting
	f.sched.Tick(ctx)
	assert.Equal(t, runstore.StateStarting, f.state(t, "j1"))

	// attach: starting -> running
	f.sched.Tick(ctx)
	assert.Equal(t, runstore.StateRunning, f.state(t, "j1"))

	job, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.10", job.Hostname)
	assert.Equal(t, map[int]int{8080: 8080}, job.Ports)
	assert.Equal(t, "req-j1", job.RequestID)
	assert.NotEmpty(t, job.InstanceType)
	assert.Equal(t, []string{"train-1"}, f.attacher.attached)

	// State history is the expected sequence.
	events, err := f.store.StateEvents(ctx, "j1")
	require.NoError(t, err)
	var states []runstore.JobState
	for _, ev := range events {
		states = append(states, ev.State)
	}
	assert.Equal(t, []runstore.JobState{
		runstore.StateSubmitted,
		runstore.StateProvisioning,
		runstore.StateStarting,
		runstore.StateRunning,
	}, states)
}

func TestNoCapacityFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.compute.instanceTypeErr = fmt.Errorf("cpu=64: %w", backend.ErrNoCapacity)

	f.submit(t, "j1", "train-1")
	f.sched.Tick(ctx)

	assert.Equal(t, runstore.StateFailed, f.state(t, "j1"))
	job, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Contains(t, job.Error, "no instance type")
	assert.Zero(t, f.compute.runCalls)
}

func TestProvisioningRejectedFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.compute.runErr = fmt.Errorf("quota exceeded: %w", backend.ErrProvisioning)

	f.submit(t, "j1", "train-1")
	f.sched.Tick(ctx)

	assert.Equal(t, runstore.StateFailed, f.state(t, "j1"))
}

func TestTransientLaunchErrorRetriesNextTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.compute.runErr = fmt.Errorf("rate limited: %w", backend.ErrThrottled)

	f.submit(t, "j1", "train-1")
	f.sched.Tick(ctx)

	// Still submitted: throttling is not a job failure.
	assert.Equal(t, runstore.StateSubmitted, f.state(t, "j1"))

	f.compute.mu.Lock()
	f.compute.runErr = nil
	f.compute.mu.Unlock()
	f.sched.Tick(ctx)
	assert.Equal(t, runstore.StateProvisioning, f.state(t, "j1"))
}

func TestProvisioningTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{ProvisioningTimeout: time.Millisecond})

	f.submit(t, "j1", "train-1")
	f.sched.Tick(ctx)
	require.Equal(t, runstore.StateProvisioning, f.state(t, "j1"))

	time.Sleep(5 * time.Millisecond)
	f.sched.Tick(ctx)

	assert.Equal(t, runstore.StateFailed, f.state(t, "j1"))
	job, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Contains(t, job.Error, "timed out")

	// Cleanup attempted both reclaim paths.
	assert.Equal(t, []string{"req-j1"}, f.compute.cancelled)
	assert.Equal(t, []string{"req-j1"}, f.compute.terminated)
	assert.Equal(t, []string{"train-1"}, f.attacher.detached)
}

func TestInstanceTerminatedDuringProvisioning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.compute.heads = []backend.RequestHead{
		{Status: backend.RequestTerminated, Found: false},
	}

	f.submit(t, "j1", "train-1")
	f.sched.Tick(ctx)
	f.sched.Tick(ctx)

	assert.Equal(t, runstore.StateFailed, f.state(t, "j1"))
	assert.NotEmpty(t, f.compute.terminated)
}

func TestAttachFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.compute.heads = []backend.RequestHead{
		{Status: backend.RequestRunning, Hostname: "h", Found: true},
	}
	f.attacher.attachErr = fmt.Errorf("cannot connect to remote host")

	f.submit(t, "j1", "train-1")
	f.sched.Tick(ctx) // -> provisioning
	f.sched.Tick(ctx) // -> starting
	f.sched.Tick(ctx) // attach fails -> failed

	assert.Equal(t, runstore.StateFailed, f.state(t, "j1"))
	job, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Contains(t, job.Error, "cannot attach")
	assert.Equal(t, []string{"req-j1"}, f.compute.terminated)
}

func TestInstanceDisappearsWhileRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.compute.heads = []backend.RequestHead{
		{Status: backend.RequestRunning, Hostname: "h", Found: true},
		{Status: backend.RequestRunning, Hostname: "h", Found: true},
		{Status: backend.RequestTerminated, Found: false},
	}

	f.submit(t, "j1", "train-1")
	f.sched.Tick(ctx) // -> provisioning
	f.sched.Tick(ctx) // -> starting
	f.sched.Tick(ctx) // -> running
	require.Equal(t, runstore.StateRunning, f.state(t, "j1"))

	f.sched.Tick(ctx) // spot reclaim observed

	assert.Equal(t, runstore.StateFailed, f.state(t, "j1"))
	job, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Contains(t, job.Error, "disappeared")
	assert.Contains(t, f.attacher.detached, "train-1")
}

func TestStopBeforeProvisioning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.submit(t, "j1", "train-1")
	require.NoError(t, f.store.RequestStop(ctx, "train-1", false))

	f.sched.Tick(ctx)

	assert.Equal(t, runstore.StateTerminated, f.state(t, "j1"))
	// Nothing was provisioned, nothing to reclaim.
	assert.Zero(t, f.compute.runCalls)
	assert.Empty(t, f.compute.terminated)
}

func TestStopDuringProvisioning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.submit(t, "j1", "train-1")
	f.sched.Tick(ctx)
	require.Equal(t, runstore.StateProvisioning, f.state(t, "j1"))

	require.NoError(t, f.store.RequestStop(ctx, "train-1", false))
	f.sched.Tick(ctx)

	assert.Equal(t, runstore.StateTerminated, f.state(t, "j1"))
	assert.Equal(t, []string{"req-j1"}, f.compute.cancelled)
	assert.Equal(t, []string{"req-j1"}, f.compute.terminated)
}

func TestStopWhileRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.compute.heads = []backend.RequestHead{
		{Status: backend.RequestRunning, Hostname: "h", Found: true},
	}

	f.submit(t, "j1", "train-1")
	f.sched.Tick(ctx) // -> provisioning
	f.sched.Tick(ctx) // -> starting
	f.sched.Tick(ctx) // -> running
	require.Equal(t, runstore.StateRunning, f.state(t, "j1"))

	require.NoError(t, f.store.RequestStop(ctx, "train-1", true))
	f.sched.Tick(ctx)

	assert.Equal(t, runstore.StateTerminated, f.state(t, "j1"))
	assert.Contains(t, f.attacher.detached, "train-1")
	assert.Equal(t, []string{"req-j1"}, f.compute.terminated)

	// The history passed through stopping.
	events, err := f.store.StateEvents(ctx, "j1")
	require.NoError(t, err)
	var states []runstore.JobState
	for _, ev := range events {
		states = append(states, ev.State)
	}
	assert.Equal(t, []runstore.JobState{
		runstore.StateSubmitted,
		runstore.StateProvisioning,
		runstore.StateStarting,
		runstore.StateRunning,
		runstore.StateStopping,
		runstore.StateTerminated,
	}, states)
}

func TestUnknownBackendFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	job := &runstore.Job{
		ID: "j1", RunName: "train-1", Backend: "azure", RunnerID: "r1",
	}
	require.NoError(t, f.store.SubmitJob(ctx, job))

	f.sched.Tick(ctx)

	assert.Equal(t, runstore.StateFailed, f.state(t, "j1"))
	got, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Contains(t, got.Error, "backend not configured")
}

func TestTickIsolatesJobFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	// j1 targets a missing backend; j2 is healthy. j2 still progresses.
	bad := &runstore.Job{ID: "j1", RunName: "bad", Backend: "azure", RunnerID: "r1"}
	require.NoError(t, f.store.SubmitJob(ctx, bad))
	f.submit(t, "j2", "good")

	f.sched.Tick(ctx)

	assert.Equal(t, runstore.StateFailed, f.state(t, "j1"))
	assert.Equal(t, runstore.StateProvisioning, f.state(t, "j2"))
}

func TestTerminalJobsUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	job := f.submit(t, "j1", "train-1")
	job.State = runstore.StateFailed
	require.NoError(t, f.store.UpdateJob(ctx, job))

	f.sched.Tick(ctx)

	assert.Equal(t, runstore.StateFailed, f.state(t, "j1"))
	assert.Zero(t, f.compute.runCalls)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
