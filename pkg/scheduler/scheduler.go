// Package scheduler drives job lifecycle state by observing cloud-side state.
//
// It is a single timer-driven control loop: each tick snapshots the active
// jobs and reconciles each one with short, non-blocking probe calls against
// its backend's Compute. Provisioning waits are expressed as repeated ticks,
// never as sleeps inside the loop, so one stuck job cannot stall the rest.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/skyrun/pkg/backend"
	"github.com/3leaps/skyrun/pkg/runstore"
)

// Attacher is the tunnel subsystem as seen by the scheduler. Attach blocks
// the calling worker for its bounded retry window; Detach is idempotent.
type Attacher interface {
	Attach(ctx context.Context, job *runstore.Job) (map[int]int, error)
	Detach(runName string)
}

// Config tunes the control loop.
type Config struct {
	// Interval is the tick period.
	Interval time.Duration

	// ProvisioningTimeout bounds how long a request may stay pending
	// before it is cancelled and the job failed.
	ProvisioningTimeout time.Duration

	// Workers bounds concurrent per-job reconciliation steps per tick.
	Workers int

	// ProviderRPS caps aggregate provider API calls per second.
	ProviderRPS float64
}

// DefaultConfig matches the behavior of a small single-node deployment.
var DefaultConfig = Config{
	Interval:            5 * time.Second,
	ProvisioningTimeout: 10 * time.Minute,
	Workers:             4,
	ProviderRPS:         10,
}

// Scheduler is the only writer of job lifecycle state.
type Scheduler struct {
	store    *runstore.Store
	registry *backend.Registry
	attacher Attacher
	cfg      Config
	logger   *zap.Logger
	limiter  *rate.Limiter

	mu       sync.Mutex
	inFlight map[string]bool
}

// New builds a scheduler. Zero config fields fall back to DefaultConfig.
func New(store *runstore.Store, registry *backend.Registry, attacher Attacher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.ProvisioningTimeout <= 0 {
		cfg.ProvisioningTimeout = DefaultConfig.ProvisioningTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.ProviderRPS <= 0 {
		cfg.ProviderRPS = DefaultConfig.ProviderRPS
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		registry: registry,
		attacher: attacher,
		cfg:      cfg,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ProviderRPS), int(cfg.ProviderRPS)+1),
		inFlight: make(map[string]bool),
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick reconciles every active job once, with bounded concurrency.
// Individual job failures are logged and isolated from each other.
func (s *Scheduler) Tick(ctx context.Context) {
	jobs, err := s.store.ListActive(ctx)
	if err != nil {
		s.logger.Error("list active jobs", zap.Error(err))
		return
	}

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for i := range jobs {
		job := jobs[i]
		if !s.begin(job.ID) {
			// A previous tick is still reconciling this job.
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer s.end(job.ID)
			if err := s.step(ctx, &job); err != nil {
				s.logger.Warn("reconcile step failed",
					zap.String("job_id", job.ID),
					zap.String("run_name", job.RunName),
					zap.String("state", string(job.State)),
					zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// begin marks a job as being reconciled; false means a step is in flight.
func (s *Scheduler) begin(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[jobID] {
		return false
	}
	s.inFlight[jobID] = true
	return true
}

func (s *Scheduler) end(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, jobID)
}

// step advances one job's state machine by at most one transition.
// A returned error counts as a single failed tick for that job; the next
// tick retries from the same state.
func (s *Scheduler) step(ctx context.Context, job *runstore.Job) error {
	if job.State.Terminal() {
		return nil
	}

	switch job.State {
	case runstore.StateSubmitted:
		return s.stepSubmitted(ctx, job)
	case runstore.StateProvisioning:
		return s.stepProvisioning(ctx, job)
	case runstore.StateStarting:
		return s.stepStarting(ctx, job)
	case runstore.StateRunning:
		return s.stepRunning(ctx, job)
	case runstore.StateStopping:
		return s.stepStopping(ctx, job)
	default:
		return fmt.Errorf("unknown job state %q", job.State)
	}
}

func (s *Scheduler) stepSubmitted(ctx context.Context, job *runstore.Job) error {
	if job.StopRequested {
		// Nothing provisioned yet.
		return s.transition(ctx, job, runstore.StateTerminated)
	}

	bk, err := s.registry.Get(job.Backend)
	if err != nil {
		return s.fail(ctx, job, err.Error())
	}
	compute := bk.Compute()

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	instanceType, err := compute.GetInstanceType(ctx, job.Requirements)
	if err != nil {
		if backend.IsNoCapacity(err) {
			return s.fail(ctx, job, err.Error())
		}
		return err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	requestID, err := compute.RunInstance(ctx, job.ComputeView(), *instanceType)
	if err != nil {
		if backend.IsProvisioning(err) || backend.IsNoCapacity(err) {
			return s.fail(ctx, job, err.Error())
		}
		return err
	}

	now := time.Now().UTC()
	job.RequestID = requestID
	job.InstanceType = instanceType.Name
	job.ProvisioningStartedAt = &now
	s.logger.Info("instance requested",
		zap.String("job_id", job.ID),
		zap.String("backend", job.Backend),
		zap.String("instance_type", instanceType.Name),
		zap.String("request_id", requestID))
	return s.transition(ctx, job, runstore.StateProvisioning)
}

func (s *Scheduler) stepProvisioning(ctx context.Context, job *runstore.Job) error {
	bk, err := s.registry.Get(job.Backend)
	if err != nil {
		return s.fail(ctx, job, err.Error())
	}
	compute := bk.Compute()

	if job.StopRequested {
		s.cleanup(ctx, compute, job)
		return s.transition(ctx, job, runstore.StateTerminated)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	head, err := compute.GetRequestHead(ctx, job.ComputeView(), job.RequestID)
	if err != nil {
		return err
	}

	switch {
	case head.Status == backend.RequestRunning:
		job.Hostname = head.Hostname
		return s.transition(ctx, job, runstore.StateStarting)
	case head.Status == backend.RequestTerminated || !head.Found:
		s.cleanup(ctx, compute, job)
		return s.fail(ctx, job, "instance terminated before becoming reachable")
	default:
		if job.ProvisioningStartedAt != nil &&
			time.Since(*job.ProvisioningStartedAt) > s.cfg.ProvisioningTimeout {
			s.cleanup(ctx, compute, job)
			return s.fail(ctx, job, "provisioning timed out")
		}
		// Still pending; wait for the next tick.
		return nil
	}
}

func (s *Scheduler) stepStarting(ctx context.Context, job *runstore.Job) error {
	bk, err := s.registry.Get(job.Backend)
	if err != nil {
		return s.fail(ctx, job, err.Error())
	}
	compute := bk.Compute()

	if job.StopRequested {
		s.cleanup(ctx, compute, job)
		return s.transition(ctx, job, runstore.StateTerminated)
	}

	resolved, err := s.attacher.Attach(ctx, job)
	if err != nil {
		// Attach already reverted its host alias registration.
		s.cleanup(ctx, compute, job)
		return s.fail(ctx, job, fmt.Sprintf("cannot attach to instance: %v", err))
	}
	job.Ports = resolved
	s.logger.Info("tunnel attached",
		zap.String("job_id", job.ID),
		zap.String("run_name", job.RunName),
		zap.String("hostname", job.Hostname))
	return s.transition(ctx, job, runstore.StateRunning)
}

func (s *Scheduler) stepRunning(ctx context.Context, job *runstore.Job) error {
	bk, err := s.registry.Get(job.Backend)
	if err != nil {
		return s.fail(ctx, job, err.Error())
	}
	compute := bk.Compute()

	if job.StopRequested {
		if err := s.transition(ctx, job, runstore.StateStopping); err != nil {
			return err
		}
		return s.stepStopping(ctx, job)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	head, err := compute.GetRequestHead(ctx, job.ComputeView(), job.RequestID)
	if err != nil {
		return err
	}
	if head.Status == backend.RequestTerminated || !head.Found {
		s.cleanup(ctx, compute, job)
		return s.fail(ctx, job, "instance disappeared")
	}
	return nil
}

func (s *Scheduler) stepStopping(ctx context.Context, job *runstore.Job) error {
	bk, err := s.registry.Get(job.Backend)
	if err != nil {
		return s.fail(ctx, job, err.Error())
	}
	s.cleanup(ctx, bk.Compute(), job)
	s.logger.Info("job terminated",
		zap.String("job_id", job.ID),
		zap.String("run_name", job.RunName),
		zap.Bool("abort", job.Abort))
	return s.transition(ctx, job, runstore.StateTerminated)
}

// cleanup detaches the tunnel and reclaims the cloud-side resource. A spot
// request may have turned into a running instance concurrently, so both
// cancel and terminate are attempted; each tolerates not-found.
func (s *Scheduler) cleanup(ctx context.Context, compute backend.Compute, job *runstore.Job) {
	s.attacher.Detach(job.RunName)
	if job.RequestID == "" {
		return
	}
	if err := compute.CancelSpotRequest(ctx, job.RequestID); err != nil && !backend.IsNotFound(err) {
		s.logger.Warn("cancel spot request",
			zap.String("job_id", job.ID),
			zap.String("request_id", job.RequestID),
			zap.Error(err))
	}
	if err := compute.TerminateInstance(ctx, job.RequestID); err != nil && !backend.IsNotFound(err) {
		s.logger.Warn("terminate instance",
			zap.String("job_id", job.ID),
			zap.String("request_id", job.RequestID),
			zap.Error(err))
	}
}

func (s *Scheduler) fail(ctx context.Context, job *runstore.Job, reason string) error {
	job.Error = reason
	s.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("run_name", job.RunName),
		zap.String("reason", reason))
	return s.transition(ctx, job, runstore.StateFailed)
}

func (s *Scheduler) transition(ctx context.Context, job *runstore.Job, state runstore.JobState) error {
	job.State = state
	return s.store.UpdateJob(ctx, job)
}
