package domain

// EndpointState is the per-endpoint (vat or remote) allocation state: the
// counters used to mint new export ids, and whether the endpoint has been
// marked broken. The c-list bijection itself (eRefToKRef / kRefToERef,
// spec.md §3 "Endpoint state" invariant) lives as individual entries in the
// store (clist.<endpoint>.e2k.<eref> / .k2e.<kref>) rather than embedded
// here, so two endpoints' c-list edits never contend on one JSON blob.
type EndpointState struct {
	ID                  EndpointID
	NextExportObjectID  uint64
	NextExportPromiseID uint64
	Broken              bool
}

func NewEndpointState(id EndpointID) *EndpointState {
	return &EndpointState{ID: id}
}

// AllocateExport returns the next local id this endpoint should use when
// exporting a new value of the given type, and advances the counter.
func (e *EndpointState) AllocateExport(t KRefType) uint64 {
	switch t {
	case KRefObject:
		id := e.NextExportObjectID
		e.NextExportObjectID++
		return id
	case KRefPromise:
		id := e.NextExportPromiseID
		e.NextExportPromiseID++
		return id
	default:
		panic("domain: invalid KRefType")
	}
}
