package rpcapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/observability"
	"github.com/ocapkernel/kernel/internal/queue"
	"github.com/ocapkernel/kernel/internal/store"
	"github.com/ocapkernel/kernel/internal/subcluster"
	"github.com/ocapkernel/kernel/internal/vatworker"
)

// Server dispatches JSON-RPC 2.0 requests onto the control-plane operations
// named in spec.md §6. It owns no state of its own: every method is a thin
// pass-through onto the store, the vat worker service and the subcluster
// manager.
type Server struct {
	store    *store.KernelStore
	workers  *vatworker.Service
	subs     *subcluster.Manager
	notifier queue.Notifier

	methods map[string]func(ctx *callContext, params json.RawMessage) (any, error)
}

func NewServer(kstore *store.KernelStore, workers *vatworker.Service, subs *subcluster.Manager, notifier queue.Notifier) *Server {
	s := &Server{store: kstore, workers: workers, subs: subs, notifier: notifier}
	s.methods = map[string]func(*callContext, json.RawMessage) (any, error){
		"getStatus":          s.getStatus,
		"launchSubcluster":   s.launchSubcluster,
		"terminateSubcluster": s.terminateSubcluster,
		"terminateVat":       s.terminateVat,
		"restartVat":         s.restartVat,
		"pingVat":            s.pingVat,
		"queueMessage":       s.queueMessage,
		"collectGarbage":     s.collectGarbage,
		"clearState":         s.clearState,
		"reload":             s.reload,
		"launchVat":          s.launchVat,
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/rpc", s.ServeHTTP)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ctx, span := observability.StartServerSpan(r.Context(), "rpcapi.request")
	defer span.End()
	log := logging.Op().With("request_id", requestID)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, errorResponse(nil, codeParseError, "parse error", err.Error()))
		return
	}

	handler, ok := s.methods[req.Method]
	if !ok {
		writeJSON(w, errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method, nil))
		return
	}

	cc := &callContext{ctx: ctx, log: log.With("method", req.Method)}
	result, err := handler(cc, req.Params)
	if err != nil {
		observability.SetSpanError(span, err)
		cc.log.Warn("rpc call failed", "error", err)
		var data any
		if kc, ok := kernelerr.CodeOf(err); ok {
			data = kc
		}
		writeJSON(w, errorResponse(req.ID, codeInternalError, err.Error(), data))
		return
	}
	observability.SetSpanOK(span)
	writeJSON(w, resultResponse(req.ID, result))
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
