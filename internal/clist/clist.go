// Package clist implements the bidirectional translation tables between an
// endpoint's local reference space (VRef for a vat, RRef for a remote
// kernel) and the kernel's global KRef space (spec.md §4.3). Translation is
// always performed inside the caller's store transaction so a cycle's
// c-list edits commit atomically with everything else the cycle does.
package clist

import (
	"context"

	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/store"
)

// Translator resolves ERef<->KRef for one endpoint against a KernelTx.
type Translator struct {
	tx       *store.KernelTx
	endpoint domain.EndpointID
}

func New(tx *store.KernelTx, endpoint domain.EndpointID) *Translator {
	return &Translator{tx: tx, endpoint: endpoint}
}

// ExportToEndpoint translates a kernel KRef into this endpoint's local ERef
// for an outbound delivery (kernel->endpoint, export direction). If the
// endpoint has never seen this KRef, a fresh ERef is minted and both
// directions of the c-list are written, and the object's reachable count is
// incremented. From the endpoint's own perspective the new ERef is an
// import, so it is tagged with DirImport.
func (t *Translator) ExportToEndpoint(ctx context.Context, kref domain.KRef) (domain.ERef, error) {
	if eref, ok, err := t.tx.CListLookupK2E(ctx, t.endpoint, kref); err != nil {
		return "", err
	} else if ok {
		return eref, nil
	}

	endpointState, err := t.tx.GetEndpoint(ctx, t.endpoint)
	if err != nil {
		return "", err
	}
	n := endpointState.AllocateExport(kref.Type())
	eref := domain.MakeERef(t.endpoint, kref.Type(), domain.DirImport, n)

	if err := t.tx.PutEndpoint(ctx, endpointState); err != nil {
		return "", err
	}
	if err := t.tx.CListInsert(ctx, t.endpoint, eref, kref); err != nil {
		return "", err
	}
	if kref.IsObject() {
		// Granting a handle also grants recognition of the identity:
		// reachable <= recognizable is maintained by bumping both together.
		if _, err := t.tx.IncRef(ctx, kref, domain.CounterReachable); err != nil {
			return "", err
		}
		if _, err := t.tx.IncRef(ctx, kref, domain.CounterRecognizable); err != nil {
			return "", err
		}
	}
	return eref, nil
}

// ImportFromEndpoint translates a local ERef that appeared in a syscall
// into a kernel KRef (endpoint->kernel, import direction). If the ERef is
// unknown and tagged DirExport (the endpoint minted it itself), a fresh
// KRef is allocated, owned by this endpoint, and cross-linked. An unknown
// ERef tagged DirImport is a protocol violation: the endpoint is claiming
// to recognize something it was never given.
func (t *Translator) ImportFromEndpoint(ctx context.Context, eref domain.ERef) (domain.KRef, error) {
	if kref, ok, err := t.tx.CListLookupE2K(ctx, t.endpoint, eref); err != nil {
		return "", err
	} else if ok {
		return kref, nil
	}

	endpoint, typ, dir, _, err := eref.Parse()
	if err != nil {
		return "", kernelerr.New(kernelerr.BadSyscall, "malformed eref %q", eref)
	}
	if endpoint != t.endpoint {
		return "", kernelerr.New(kernelerr.BadSyscall, "eref %q does not belong to endpoint %q", eref, t.endpoint)
	}
	if dir != domain.DirExport {
		return "", kernelerr.New(kernelerr.BadSyscall, "endpoint %q referenced unknown import %q", t.endpoint, eref)
	}

	var kref domain.KRef
	switch typ {
	case domain.KRefObject:
		kref, err = t.tx.AllocObject(ctx, t.endpoint)
	case domain.KRefPromise:
		kref, err = t.tx.AllocPromise(ctx, t.endpoint, true)
	default:
		return "", kernelerr.New(kernelerr.BadSyscall, "eref %q has unknown type", eref)
	}
	if err != nil {
		return "", err
	}
	if err := t.tx.CListInsert(ctx, t.endpoint, eref, kref); err != nil {
		return "", err
	}
	return kref, nil
}

// TranslateSlotsOut rewrites every slot in data from KRef to this
// endpoint's ERef space, for a delivery heading out to the endpoint.
func (t *Translator) TranslateSlotsOut(ctx context.Context, data domain.CapData) (domain.CapData, error) {
	var outerErr error
	out := data.MapSlots(func(slot string, _ int) string {
		if outerErr != nil {
			return slot
		}
		eref, err := t.ExportToEndpoint(ctx, domain.KRef(slot))
		if err != nil {
			outerErr = err
			return slot
		}
		return string(eref)
	})
	if outerErr != nil {
		return domain.CapData{}, outerErr
	}
	return out, nil
}

// TranslateSlotsIn rewrites every slot in data from this endpoint's ERef
// space to KRef, for a syscall arriving from the endpoint.
func (t *Translator) TranslateSlotsIn(ctx context.Context, data domain.CapData) (domain.CapData, error) {
	var outerErr error
	out := data.MapSlots(func(slot string, _ int) string {
		if outerErr != nil {
			return slot
		}
		kref, err := t.ImportFromEndpoint(ctx, domain.ERef(slot))
		if err != nil {
			outerErr = err
			return slot
		}
		return string(kref)
	})
	if outerErr != nil {
		return domain.CapData{}, outerErr
	}
	return out, nil
}

// ReleaseImport removes this endpoint's c-list entry for eref entirely,
// without touching ref counts. Its caller is the retireExports syscall
// handler; vat termination does not remove c-list entries.
func (t *Translator) ReleaseImport(ctx context.Context, eref domain.ERef, kref domain.KRef) error {
	return t.tx.CListDelete(ctx, t.endpoint, eref, kref)
}
