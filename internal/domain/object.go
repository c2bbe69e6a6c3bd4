package domain

// Object is a kernel object record: ko<n> in the object table.
//
// Invariants (enforced by internal/store, not by this type):
//   - exactly one Owner for the object's life
//   - Reachable <= Recognizable
//   - only Owner may receive deliveries targeting this object
//   - Reachable hits 0 -> owner receives dropExports
//   - Recognizable then hits 0 -> owner receives retireExports
//   - a Revoked object's deliveries fail with kernelerr.Revoked
type Object struct {
	KRef          KRef
	Owner         EndpointID
	Reachable     uint32
	Recognizable  uint32
	Revoked       bool
}

// RefCounter selects which counter a ref-count delta applies to.
type RefCounter byte

const (
	CounterReachable RefCounter = iota
	CounterRecognizable
)
