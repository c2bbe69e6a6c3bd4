package subcluster

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/queue"
	"github.com/ocapkernel/kernel/internal/store"
	"github.com/ocapkernel/kernel/internal/transport/inproc"
	"github.com/ocapkernel/kernel/internal/vatworker"
)

// fakeVat answers buildRootObject by minting one export object and answers
// bootstrap by recording what it was handed, so the test can assert on it.
type fakeVat struct {
	mu        sync.Mutex
	nextEref  uint64
	bootstrap *domain.Delivery
}

// newRootBuildingHandler returns an inproc.Handler bound to vatID so it can
// mint export erefs in its own namespace ("<vatID>o+<n>").
func newRootBuildingHandler(vatID domain.EndpointID, fv *fakeVat) inproc.Handler {
	return func(_ context.Context, d domain.Delivery) (domain.DeliveryResult, error) {
		switch d.Kind {
		case domain.DeliveryBuildRootObject:
			fv.mu.Lock()
			n := fv.nextEref
			fv.nextEref++
			fv.mu.Unlock()
			rootEref := domain.MakeERef(vatID, domain.KRefObject, domain.DirExport, n)
			return domain.DeliveryResult{
				Syscalls: []domain.Syscall{{
					Kind: domain.SyscallResolve,
					Resolutions: []domain.Resolution{{
						Promise: d.MessageResult,
						Value:   domain.NewCapData(`{"@qclass":"slot","index":0}`, []string{string(rootEref)}),
					}},
				}},
			}, nil
		case domain.DeliveryBootstrap:
			fv.mu.Lock()
			cp := d
			fv.bootstrap = &cp
			fv.mu.Unlock()
			return domain.DeliveryResult{}, nil
		default:
			return domain.DeliveryResult{}, fmt.Errorf("fakeVat %q: unexpected delivery kind %q", vatID, d.Kind)
		}
	}
}

func newTestManager(t *testing.T) (*Manager, map[domain.EndpointID]*fakeVat) {
	t.Helper()
	vats := make(map[domain.EndpointID]*fakeVat)
	var mu sync.Mutex

	kstore := store.NewKernelStore(store.NewMemRawStore())
	factory := inproc.Factory(func(vatID domain.EndpointID, _ string, _ domain.VatCreationOptions) (inproc.Handler, error) {
		fv := &fakeVat{}
		mu.Lock()
		vats[vatID] = fv
		mu.Unlock()
		return newRootBuildingHandler(vatID, fv), nil
	})
	workers := vatworker.NewService(factory)
	mgr := NewManager(kstore, workers, queue.NewNoopNotifier())
	return mgr, vats
}

func TestLaunchBootstrapsRootObjects(t *testing.T) {
	mgr, vats := newTestManager(t)
	ctx := context.Background()

	cfg := domain.SubclusterConfig{
		Bootstrap: "a",
		Vats: map[string]domain.VatConfig{
			"a": {BundleSpec: "file:///a.bundle"},
			"b": {BundleSpec: "file:///b.bundle"},
		},
	}

	sc, rootKRef, err := mgr.Launch(ctx, cfg)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if rootKRef == "" {
		t.Fatalf("Launch: expected a non-empty bootstrap root kref")
	}
	if len(sc.Vats) != 2 {
		t.Fatalf("Launch: expected 2 vats, got %d", len(sc.Vats))
	}

	bootstrapVatID := sc.Vats["a"]
	fv := vats[bootstrapVatID]
	if fv == nil || fv.bootstrap == nil {
		t.Fatalf("Launch: bootstrap vat never received a bootstrap delivery")
	}
	if len(fv.bootstrap.BootstrapVats) != 2 {
		t.Fatalf("Launch: expected bootstrap delivery to carry 2 vats, got %d", len(fv.bootstrap.BootstrapVats))
	}
	if _, ok := fv.bootstrap.BootstrapVats["b"]; !ok {
		t.Fatalf("Launch: bootstrap delivery missing vat %q's root eref", "b")
	}
}

func TestLaunchRejectsUnknownBootstrapVat(t *testing.T) {
	mgr, _ := newTestManager(t)
	cfg := domain.SubclusterConfig{
		Bootstrap: "missing",
		Vats: map[string]domain.VatConfig{
			"a": {BundleSpec: "file:///a.bundle"},
		},
	}
	if _, _, err := mgr.Launch(context.Background(), cfg); err == nil {
		t.Fatalf("Launch: expected an error for an undeclared bootstrap vat")
	}
}

func TestTerminateRemovesSubclusterRecord(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	cfg := domain.SubclusterConfig{
		Bootstrap: "a",
		Vats: map[string]domain.VatConfig{
			"a": {BundleSpec: "file:///a.bundle"},
		},
	}
	sc, _, err := mgr.Launch(ctx, cfg)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := mgr.Terminate(ctx, sc.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := mgr.Terminate(ctx, sc.ID); err == nil {
		t.Fatalf("Terminate: expected terminating an already-removed subcluster to fail")
	}
}
