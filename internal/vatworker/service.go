package vatworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/metrics"
)

// Factory constructs a fresh Worker for a vat from its bundle spec. Each
// concrete transport (internal/transport/inproc, pipeproc, vsockproc)
// provides one.
type Factory func(ctx context.Context, vatID domain.EndpointID, bundleSpec string, opts domain.VatCreationOptions) (Worker, error)

// entry tracks one vat's worker plus the bookkeeping the restart policy
// needs: how many times it has been reincarnated, and since when.
type entry struct {
	worker     Worker
	status     Status
	bundleSpec string
	opts       domain.VatCreationOptions
	restarts   int
	lastCrash  time.Time
}

// Service owns every live vat worker: creation, liveness, crash-driven
// reincarnation, and teardown. Grounded on the pool's health-check/eviction
// loop, generalized from VM instances to vat workers.
type Service struct {
	mu      sync.RWMutex
	workers map[domain.EndpointID]*entry
	factory Factory

	// MaxRestarts bounds vat reincarnation: a vat that crashes more than
	// this many times within RestartWindow is left broken rather than
	// endlessly relaunched.
	MaxRestarts   int
	RestartWindow time.Duration
}

func NewService(factory Factory) *Service {
	return &Service{
		workers:       make(map[domain.EndpointID]*entry),
		factory:       factory,
		MaxRestarts:   3,
		RestartWindow: time.Minute,
	}
}

// Create spawns a new worker for vatID and blocks until its ready/connected
// handshake completes (spec.md §4.7).
func (s *Service) Create(ctx context.Context, vatID domain.EndpointID, bundleSpec string, opts domain.VatCreationOptions) error {
	s.mu.Lock()
	if _, exists := s.workers[vatID]; exists {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.VatAlreadyExists, "vat %q already has a worker", vatID)
	}
	s.mu.Unlock()

	w, err := s.factory(ctx, vatID, bundleSpec, opts)
	if err != nil {
		return fmt.Errorf("vatworker: create %q: %w", vatID, err)
	}
	e := &entry{worker: w, status: StatusStarting, bundleSpec: bundleSpec, opts: opts}
	s.mu.Lock()
	s.workers[vatID] = e
	s.mu.Unlock()

	if err := w.AwaitReady(ctx); err != nil {
		s.mu.Lock()
		delete(s.workers, vatID)
		s.mu.Unlock()
		return fmt.Errorf("vatworker: %q never became ready: %w", vatID, err)
	}
	s.mu.Lock()
	e.status = StatusReady
	s.mu.Unlock()
	metrics.SetActiveVats(s.Count())
	return nil
}

func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

// Get returns the worker for vatID, or an error if none exists.
func (s *Service) Get(vatID domain.EndpointID) (Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.workers[vatID]
	if !ok {
		return nil, kernelerr.New(kernelerr.VatNotFound, "vat %q has no worker", vatID)
	}
	return e.worker, nil
}

// VatInfo summarizes one tracked vat for status reporting.
type VatInfo struct {
	ID         domain.EndpointID
	Status     Status
	BundleSpec string
}

// List returns every currently tracked vat, in no particular order. Used by
// the control plane's getStatus and collectGarbage methods.
func (s *Service) List() []VatInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VatInfo, 0, len(s.workers))
	for id, e := range s.workers {
		out = append(out, VatInfo{ID: id, Status: e.status, BundleSpec: e.bundleSpec})
	}
	return out
}

// MarkBroken records vatID's worker as broken (delivery error or crash), as
// reported by Status and List until Restart succeeds. The router does not
// consult this status: later deliveries still reach the worker.
func (s *Service) MarkBroken(vatID domain.EndpointID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.workers[vatID]; ok {
		e.status = StatusBroken
		e.lastCrash = time.Now()
	}
}

// Status reports the last known status of vatID's worker.
func (s *Service) Status(vatID domain.EndpointID) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.workers[vatID]
	if !ok {
		return "", kernelerr.New(kernelerr.VatNotFound, "vat %q has no worker", vatID)
	}
	return e.status, nil
}

// Restart reincarnates vatID's worker: the old transport is torn down and a
// fresh one spawned from the same bundle spec and creation options. Bounded
// by MaxRestarts within RestartWindow; exceeding the bound leaves the vat
// permanently broken (the caller is expected to terminate it).
func (s *Service) Restart(ctx context.Context, vatID domain.EndpointID) error {
	s.mu.Lock()
	e, ok := s.workers[vatID]
	if !ok {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.VatNotFound, "vat %q has no worker", vatID)
	}
	if time.Since(e.lastCrash) > s.RestartWindow {
		e.restarts = 0
	}
	if e.restarts >= s.MaxRestarts {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.DeliveryFailed, "vat %q exceeded restart budget", vatID)
	}
	e.restarts++
	bundleSpec, opts := e.bundleSpec, e.opts
	oldWorker := e.worker
	s.mu.Unlock()

	_ = oldWorker.Terminate(ctx)

	w, err := s.factory(ctx, vatID, bundleSpec, opts)
	if err != nil {
		return fmt.Errorf("vatworker: restart %q: %w", vatID, err)
	}
	if err := w.AwaitReady(ctx); err != nil {
		return fmt.Errorf("vatworker: restarted %q never became ready: %w", vatID, err)
	}

	s.mu.Lock()
	e.worker = w
	e.status = StatusReady
	s.mu.Unlock()
	logging.Op().Info("vat reincarnated", "vat", vatID, "restarts", e.restarts)
	return nil
}

// Terminate tears down vatID's worker and removes it from the registry.
func (s *Service) Terminate(ctx context.Context, vatID domain.EndpointID) error {
	s.mu.Lock()
	e, ok := s.workers[vatID]
	if ok {
		delete(s.workers, vatID)
	}
	s.mu.Unlock()
	if !ok {
		return kernelerr.New(kernelerr.VatNotFound, "vat %q has no worker", vatID)
	}
	err := e.worker.Terminate(ctx)
	metrics.SetActiveVats(s.Count())
	return err
}

// Ping checks liveness of vatID's worker without disturbing its delivery
// state (the pingVat control-plane method, spec.md §6).
func (s *Service) Ping(ctx context.Context, vatID domain.EndpointID) error {
	w, err := s.Get(vatID)
	if err != nil {
		return err
	}
	return w.Ping(ctx)
}

// HealthLoop periodically pings every ready worker, marking unresponsive
// ones broken (see MarkBroken). Mirrors
// the pool's health-check loop, generalized to vat workers.
func (s *Service) HealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.healthCheckOnce(ctx)
		}
	}
}

func (s *Service) healthCheckOnce(ctx context.Context) {
	s.mu.RLock()
	type target struct {
		id domain.EndpointID
		w  Worker
	}
	var targets []target
	for id, e := range s.workers {
		if e.status == StatusReady {
			targets = append(targets, target{id: id, w: e.worker})
		}
	}
	s.mu.RUnlock()

	for _, t := range targets {
		if err := t.w.Ping(ctx); err != nil {
			logging.Op().Warn("vat health check failed", "vat", t.id, "error", err)
			s.MarkBroken(t.id)
		}
	}
}
