package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/gc"
	"github.com/ocapkernel/kernel/internal/router"
	"github.com/ocapkernel/kernel/internal/store"
)

// callContext carries the request-scoped context and logger into a method
// handler, so handlers read like ordinary Go functions rather than closures
// over *http.Request.
type callContext struct {
	ctx context.Context
	log *slog.Logger
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("rpcapi: decode params: %w", err)
	}
	return v, nil
}

// --- getStatus ---

type vatStatus struct {
	ID           domain.EndpointID `json:"id"`
	SubclusterID string            `json:"subclusterId,omitempty"`
	BundleSpec   string            `json:"bundleSpec"`
	Status       string            `json:"status"`
}

type statusResult struct {
	Subclusters []*domain.Subcluster `json:"subclusters"`
	Vats        []vatStatus          `json:"vats"`
	QueueDepth  uint64               `json:"queueDepth"`
}

func (s *Server) getStatus(cc *callContext, _ json.RawMessage) (any, error) {
	var subclusters []*domain.Subcluster
	vatSubcluster := make(map[domain.EndpointID]string)
	var queueDepth uint64

	err := s.store.WithTx(cc.ctx, func(ctx context.Context, tx *store.KernelTx) error {
		if err := tx.ScanSubclusters(ctx, func(sc *domain.Subcluster) error {
			subclusters = append(subclusters, sc)
			for _, vatID := range sc.Vats {
				vatSubcluster[vatID] = sc.ID
			}
			return nil
		}); err != nil {
			return err
		}
		depth, err := tx.QueueDepth(ctx)
		if err != nil {
			return err
		}
		queueDepth = depth
		return nil
	})
	if err != nil {
		return nil, err
	}

	vats := make([]vatStatus, 0, s.workers.Count())
	for _, info := range s.workers.List() {
		vats = append(vats, vatStatus{
			ID:           info.ID,
			SubclusterID: vatSubcluster[info.ID],
			BundleSpec:   info.BundleSpec,
			Status:       string(info.Status),
		})
	}

	return statusResult{Subclusters: subclusters, Vats: vats, QueueDepth: queueDepth}, nil
}

// --- launchSubcluster ---

type launchSubclusterParams struct {
	Config domain.SubclusterConfig `json:"config"`
}

type launchSubclusterResult struct {
	SubclusterID string      `json:"subclusterId"`
	RootKRef     domain.KRef `json:"rootKref"`
}

func (s *Server) launchSubcluster(cc *callContext, params json.RawMessage) (any, error) {
	p, err := decodeParams[launchSubclusterParams](params)
	if err != nil {
		return nil, err
	}
	sc, rootKRef, err := s.subs.Launch(cc.ctx, p.Config)
	if err != nil {
		return nil, err
	}
	return launchSubclusterResult{SubclusterID: sc.ID, RootKRef: rootKRef}, nil
}

// --- terminateSubcluster ---

type idParams struct {
	ID string `json:"id"`
}

func (s *Server) terminateSubcluster(cc *callContext, params json.RawMessage) (any, error) {
	p, err := decodeParams[idParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.subs.Terminate(cc.ctx, p.ID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- terminateVat / restartVat / pingVat ---

type vatIDParams struct {
	ID domain.EndpointID `json:"id"`
}

func (s *Server) terminateVat(cc *callContext, params json.RawMessage) (any, error) {
	p, err := decodeParams[vatIDParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.subs.TerminateVat(cc.ctx, p.ID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) restartVat(cc *callContext, params json.RawMessage) (any, error) {
	p, err := decodeParams[vatIDParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.subs.RestartVat(cc.ctx, p.ID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) pingVat(cc *callContext, params json.RawMessage) (any, error) {
	p, err := decodeParams[vatIDParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.workers.Ping(cc.ctx, p.ID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- queueMessage ---

// queueMessageParams carries methArgs pre-encoded as capdata whose slots
// are already kernel KRefs known to the caller — the same convention every
// other kernel-internal send uses, rather than inventing a separate
// method/args wire shape for operator-initiated sends.
type queueMessageParams struct {
	Target   domain.KRef     `json:"target"`
	MethArgs domain.CapData  `json:"methArgs"`
}

func (s *Server) queueMessage(cc *callContext, params json.RawMessage) (any, error) {
	p, err := decodeParams[queueMessageParams](params)
	if err != nil {
		return nil, err
	}

	var resultKRef domain.KRef
	err = s.store.WithTx(cc.ctx, func(ctx context.Context, tx *store.KernelTx) error {
		kp, err := tx.AllocPromise(ctx, domain.Operator, false)
		if err != nil {
			return err
		}
		message := domain.Message{Target: p.Target, MethArgs: p.MethArgs, Result: kp}
		if err := router.EnqueueSend(ctx, tx, domain.Operator, message); err != nil {
			return err
		}
		resultKRef = kp
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.notifier.Notify(cc.ctx); err != nil {
		cc.log.Warn("notify after queueMessage", "error", err)
	}
	return resultKRef, nil
}

// --- collectGarbage ---

func (s *Server) collectGarbage(cc *callContext, _ json.RawMessage) (any, error) {
	infos := s.workers.List()
	err := s.store.WithTx(cc.ctx, func(ctx context.Context, tx *store.KernelTx) error {
		for _, info := range infos {
			if err := gc.ScheduleBringOutYourDead(ctx, tx, info.ID); err != nil {
				return fmt.Errorf("vat %q: %w", info.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.notifier.Notify(cc.ctx); err != nil {
		cc.log.Warn("notify after collectGarbage", "error", err)
	}
	return struct{}{}, nil
}

// --- clearState ---

// clearState wipes every kernel-side key, including the run queue, c-lists
// and subcluster records. It does not tear down live vat workers: operators
// are expected to have stopped the kernel's vats before calling this (there
// is no way to un-clear what a running worker still believes is true).
func (s *Server) clearState(cc *callContext, _ json.RawMessage) (any, error) {
	err := s.store.WithTx(cc.ctx, func(ctx context.Context, tx *store.KernelTx) error {
		return tx.Clear(ctx)
	})
	if err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- reload ---

// reload has no live-reloadable configuration surface yet; it verifies
// store connectivity and reports ok, giving operators a liveness probe
// distinct from the process-level health check.
func (s *Server) reload(cc *callContext, _ json.RawMessage) (any, error) {
	if err := s.store.Ping(cc.ctx); err != nil {
		return nil, err
	}
	return struct {
		OK bool `json:"ok"`
	}{OK: true}, nil
}

// --- launchVat ---

type launchVatParams struct {
	Config       domain.VatConfig `json:"config"`
	SubclusterID string           `json:"subclusterId,omitempty"`
}

type launchVatResult struct {
	VatID domain.EndpointID `json:"vatId"`
}

func (s *Server) launchVat(cc *callContext, params json.RawMessage) (any, error) {
	p, err := decodeParams[launchVatParams](params)
	if err != nil {
		return nil, err
	}
	vatID, err := s.subs.LaunchVat(cc.ctx, p.Config, p.SubclusterID)
	if err != nil {
		return nil, err
	}
	return launchVatResult{VatID: vatID}, nil
}
