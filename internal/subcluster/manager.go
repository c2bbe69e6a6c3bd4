// Package subcluster implements the Subcluster Manager (spec.md §4.8):
// launching a declaratively configured group of vats sharing one bootstrap,
// and tearing one down with full ref cleanup. Grounded on the teacher's
// executor.go errgroup fan-out for the parallel vat-creation step.
package subcluster

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ocapkernel/kernel/internal/clist"
	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/queue"
	"github.com/ocapkernel/kernel/internal/router"
	"github.com/ocapkernel/kernel/internal/store"
	"github.com/ocapkernel/kernel/internal/vatworker"
)

// Manager owns the subcluster lifecycle: launch, and termination with ref
// cleanup.
type Manager struct {
	store    *store.KernelStore
	workers  *vatworker.Service
	notifier queue.Notifier
}

func NewManager(kstore *store.KernelStore, workers *vatworker.Service, notifier queue.Notifier) *Manager {
	return &Manager{store: kstore, workers: workers, notifier: notifier}
}

// Launch creates every vat in cfg, delivers buildRootObject to each, then
// delivers bootstrap to cfg.Bootstrap alone carrying every vat's root KRef
// (translated into the bootstrap vat's own eref space) plus cfg.Services.
// Returns the persisted subcluster record and the bootstrap vat's own root
// KRef, handed back to the launch caller (spec.md §8 S1).
func (m *Manager) Launch(ctx context.Context, cfg domain.SubclusterConfig) (*domain.Subcluster, domain.KRef, error) {
	if _, ok := cfg.Vats[cfg.Bootstrap]; !ok {
		return nil, "", kernelerr.New(kernelerr.BadSyscall, "subcluster: bootstrap vat %q not declared in vats", cfg.Bootstrap)
	}
	names := make([]string, 0, len(cfg.Vats))
	for name := range cfg.Vats {
		names = append(names, name)
	}

	id := uuid.NewString()

	vatIDs, bundleRoots, err := m.allocateVatIDs(ctx, cfg, names)
	if err != nil {
		return nil, "", fmt.Errorf("subcluster: %s: %w", id, err)
	}

	if err := m.createVats(ctx, cfg, vatIDs, names); err != nil {
		return nil, "", fmt.Errorf("subcluster: %s: %w", id, err)
	}

	rootKRefs, err := m.buildRootObjects(ctx, cfg, vatIDs, names)
	if err != nil {
		return nil, "", fmt.Errorf("subcluster: %s: %w", id, err)
	}

	sc, err := m.bootstrap(ctx, id, cfg, vatIDs, bundleRoots, rootKRefs)
	if err != nil {
		return nil, "", fmt.Errorf("subcluster: %s: %w", id, err)
	}

	if err := m.notifier.Notify(ctx); err != nil {
		logging.Op().Warn("subcluster: notify after launch", "id", id, "error", err)
	}
	return sc, rootKRefs[cfg.Bootstrap], nil
}

func (m *Manager) allocateVatIDs(ctx context.Context, cfg domain.SubclusterConfig, names []string) (map[string]domain.EndpointID, map[string]string, error) {
	vatIDs := make(map[string]domain.EndpointID, len(names))
	bundleRoots := make(map[string]string, len(names))
	err := m.store.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		for _, name := range names {
			vatID, err := tx.AllocVatID(ctx)
			if err != nil {
				return err
			}
			vatIDs[name] = vatID
			bundleRoots[name] = cfg.Vats[name].BundleSpec
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("allocate vat ids: %w", err)
	}
	return vatIDs, bundleRoots, nil
}

// createVats is launch step 1: create each vat and wait until it's ready,
// in parallel.
func (m *Manager) createVats(ctx context.Context, cfg domain.SubclusterConfig, vatIDs map[string]domain.EndpointID, names []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		vatID := vatIDs[name]
		vc := cfg.Vats[name]
		g.Go(func() error {
			if err := m.workers.Create(gctx, vatID, vc.BundleSpec, vc.CreationOptions); err != nil {
				return fmt.Errorf("vat %q: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("launch: %w", err)
	}
	return nil
}

// buildRootObjects is launch step 2: deliver buildRootObject(parameters) to
// every vat and collect the KRef each one resolves as its root. The result
// promise is wired exactly like an ordinary pipelined method call's result
// slot, so the worker announces its root object with a plain resolve
// syscall and the usual c-list machinery (clist.ImportFromEndpoint, inside
// router.ApplySyscalls) allocates the KRef the same way any fresh export
// would be allocated.
func (m *Manager) buildRootObjects(ctx context.Context, cfg domain.SubclusterConfig, vatIDs map[string]domain.EndpointID, names []string) (map[string]domain.KRef, error) {
	rootKRefs := make(map[string]domain.KRef, len(names))
	err := m.store.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		for _, name := range names {
			vatID := vatIDs[name]
			vc := cfg.Vats[name]

			kp, err := tx.AllocPromise(ctx, vatID, true)
			if err != nil {
				return err
			}
			resultERef, err := clist.New(tx, vatID).ExportToEndpoint(ctx, kp)
			if err != nil {
				return err
			}

			w, err := m.workers.Get(vatID)
			if err != nil {
				return fmt.Errorf("vat %q: %w", name, err)
			}
			result, err := w.Deliver(ctx, domain.Delivery{
				Kind:          domain.DeliveryBuildRootObject,
				Parameters:    vc.Parameters,
				MessageResult: resultERef,
			})
			if err != nil {
				return fmt.Errorf("vat %q: buildRootObject: %w", name, err)
			}
			if result.Error != "" {
				return fmt.Errorf("vat %q: buildRootObject: %s", name, result.Error)
			}
			if err := tx.ApplyCheckpoint(ctx, vatID, result.Checkpoint); err != nil {
				return fmt.Errorf("vat %q: %w", name, err)
			}
			if err := router.ApplySyscalls(ctx, tx, vatID, result.Syscalls); err != nil {
				return fmt.Errorf("vat %q: %w", name, err)
			}

			p, err := tx.GetPromise(ctx, kp)
			if err != nil {
				return err
			}
			if !p.State.Settled() || p.State == domain.PromiseRejected {
				return fmt.Errorf("vat %q: buildRootObject did not resolve a root object", name)
			}
			root, err := p.Value.FirstSlot()
			if err != nil {
				return fmt.Errorf("vat %q: root object resolution: %w", name, err)
			}
			rootKRefs[name] = domain.KRef(root)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rootKRefs, nil
}

// bootstrap is launch step 3: deliver bootstrap(vats, services) to the
// bootstrap vat alone, with every vat's root KRef (including its own) and
// every declared service translated into the bootstrap vat's own eref
// space.
func (m *Manager) bootstrap(ctx context.Context, id string, cfg domain.SubclusterConfig, vatIDs map[string]domain.EndpointID, bundleRoots map[string]string, rootKRefs map[string]domain.KRef) (*domain.Subcluster, error) {
	bootstrapVatID := vatIDs[cfg.Bootstrap]
	var sc *domain.Subcluster
	err := m.store.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		tr := clist.New(tx, bootstrapVatID)

		vatsForBootstrap := make(map[string]domain.ERef, len(rootKRefs))
		for name, kref := range rootKRefs {
			eref, err := tr.ExportToEndpoint(ctx, kref)
			if err != nil {
				return fmt.Errorf("export vat %q root: %w", name, err)
			}
			vatsForBootstrap[name] = eref
		}

		servicesForBootstrap := make(map[string]domain.ERef, len(cfg.Services))
		for svcName, kref := range cfg.Services {
			eref, err := tr.ExportToEndpoint(ctx, kref)
			if err != nil {
				return fmt.Errorf("export service %q: %w", svcName, err)
			}
			servicesForBootstrap[svcName] = eref
		}

		w, err := m.workers.Get(bootstrapVatID)
		if err != nil {
			return err
		}
		result, err := w.Deliver(ctx, domain.Delivery{
			Kind:              domain.DeliveryBootstrap,
			BootstrapVats:     vatsForBootstrap,
			BootstrapServices: servicesForBootstrap,
		})
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		if result.Error != "" {
			return fmt.Errorf("bootstrap: %s", result.Error)
		}
		if err := tx.ApplyCheckpoint(ctx, bootstrapVatID, result.Checkpoint); err != nil {
			return err
		}
		if err := router.ApplySyscalls(ctx, tx, bootstrapVatID, result.Syscalls); err != nil {
			return err
		}

		sc = &domain.Subcluster{
			ID:          id,
			BundleRoots: bundleRoots,
			Vats:        vatIDs,
			Bootstrap:   cfg.Bootstrap,
			Config:      cfg,
		}
		return tx.PutSubcluster(ctx, sc)
	})
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// Terminate severs every vat in the subcluster, revoking their exports and
// rejecting promises they were deciding with a fixed error, then removes
// the subcluster record (spec.md §4.8).
func (m *Manager) Terminate(ctx context.Context, id string) error {
	var vatIDs []domain.EndpointID
	err := m.store.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		sc, err := tx.GetSubcluster(ctx, id)
		if err != nil {
			return err
		}
		for _, vatID := range sc.Vats {
			vatIDs = append(vatIDs, vatID)
			if err := router.RevokeOwnedObjects(ctx, tx, vatID); err != nil {
				return err
			}
			if err := router.RejectDecidedPromises(ctx, tx, vatID); err != nil {
				return err
			}
			endpoint, err := tx.GetEndpoint(ctx, vatID)
			if err != nil {
				return err
			}
			endpoint.Broken = true
			if err := tx.PutEndpoint(ctx, endpoint); err != nil {
				return err
			}
		}
		return tx.DeleteSubcluster(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("subcluster: terminate %q: %w", id, err)
	}

	for _, vatID := range vatIDs {
		if err := m.workers.Terminate(ctx, vatID); err != nil {
			logging.Op().Warn("subcluster: terminate vat worker", "vat", vatID, "error", err)
		}
	}
	if err := m.notifier.Notify(ctx); err != nil {
		logging.Op().Warn("subcluster: notify after terminate", "id", id, "error", err)
	}
	return nil
}

// TerminateVat tears down a single vat outside of any subcluster
// termination: revokes its exports, rejects the promises it was deciding,
// marks its endpoint broken, and tears down its worker (the terminateVat
// control-plane method, spec.md §6).
func (m *Manager) TerminateVat(ctx context.Context, vatID domain.EndpointID) error {
	err := m.store.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		if err := router.RevokeOwnedObjects(ctx, tx, vatID); err != nil {
			return err
		}
		if err := router.RejectDecidedPromises(ctx, tx, vatID); err != nil {
			return err
		}
		endpoint, err := tx.GetEndpoint(ctx, vatID)
		if err != nil {
			return err
		}
		endpoint.Broken = true
		return tx.PutEndpoint(ctx, endpoint)
	})
	if err != nil {
		return fmt.Errorf("subcluster: terminate vat %q: %w", vatID, err)
	}

	if err := m.workers.Terminate(ctx, vatID); err != nil {
		logging.Op().Warn("subcluster: terminate vat worker", "vat", vatID, "error", err)
	}
	if err := m.notifier.Notify(ctx); err != nil {
		logging.Op().Warn("subcluster: notify after terminate vat", "vat", vatID, "error", err)
	}
	return nil
}

// RestartVat reincarnates vatID's worker and clears its endpoint's broken
// flag in the kernel store (the restartVat control-plane method, spec.md
// §6). The router does not consult that flag when delivering.
func (m *Manager) RestartVat(ctx context.Context, vatID domain.EndpointID) error {
	if err := m.workers.Restart(ctx, vatID); err != nil {
		return fmt.Errorf("subcluster: restart vat %q: %w", vatID, err)
	}
	err := m.store.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		endpoint, err := tx.GetEndpoint(ctx, vatID)
		if err != nil {
			return err
		}
		endpoint.Broken = false
		return tx.PutEndpoint(ctx, endpoint)
	})
	if err != nil {
		return fmt.Errorf("subcluster: restart vat %q: clear broken flag: %w", vatID, err)
	}
	if err := m.notifier.Notify(ctx); err != nil {
		logging.Op().Warn("subcluster: notify after restart vat", "vat", vatID, "error", err)
	}
	return nil
}

// LaunchVat creates a single vat outside the full subcluster bootstrap
// sequence: create, wait ready, then deliver startVat(bundleSpec,
// parameters) as its first delivery (spec.md §4.7 initialization
// protocol). If subclusterID is non-empty the vat is attached to that
// subcluster's record.
func (m *Manager) LaunchVat(ctx context.Context, cfg domain.VatConfig, subclusterID string) (domain.EndpointID, error) {
	var vatID domain.EndpointID
	err := m.store.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		id, err := tx.AllocVatID(ctx)
		if err != nil {
			return err
		}
		vatID = id
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("subcluster: launch vat: allocate id: %w", err)
	}

	if err := m.workers.Create(ctx, vatID, cfg.BundleSpec, cfg.CreationOptions); err != nil {
		return "", fmt.Errorf("subcluster: launch vat %q: %w", vatID, err)
	}

	err = m.store.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		w, err := m.workers.Get(vatID)
		if err != nil {
			return err
		}
		result, err := w.Deliver(ctx, domain.Delivery{
			Kind:       domain.DeliveryStartVat,
			BundleSpec: cfg.BundleSpec,
			Parameters: cfg.Parameters,
		})
		if err != nil {
			return fmt.Errorf("startVat: %w", err)
		}
		if result.Error != "" {
			return fmt.Errorf("startVat: %s", result.Error)
		}
		if err := tx.ApplyCheckpoint(ctx, vatID, result.Checkpoint); err != nil {
			return err
		}
		if err := router.ApplySyscalls(ctx, tx, vatID, result.Syscalls); err != nil {
			return err
		}

		if subclusterID != "" {
			sc, err := tx.GetSubcluster(ctx, subclusterID)
			if err != nil {
				return err
			}
			name := fmt.Sprintf("vat-%s", vatID)
			sc.Vats[name] = vatID
			sc.BundleRoots[name] = cfg.BundleSpec
			if err := tx.PutSubcluster(ctx, sc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("subcluster: launch vat %q: %w", vatID, err)
	}

	if err := m.notifier.Notify(ctx); err != nil {
		logging.Op().Warn("subcluster: notify after launch vat", "vat", vatID, "error", err)
	}
	return vatID, nil
}
