package domain

// DeliveryKind tags the variant of a kernel->worker delivery (spec.md §6).
type DeliveryKind string

const (
	DeliveryStartVat         DeliveryKind = "startVat"
	DeliveryMessage          DeliveryKind = "message"
	DeliveryNotify           DeliveryKind = "notify"
	DeliveryDropExports      DeliveryKind = "dropExports"
	DeliveryRetireExports    DeliveryKind = "retireExports"
	DeliveryRetireImports    DeliveryKind = "retireImports"
	DeliveryBringOutYourDead DeliveryKind = "bringOutYourDead"
	DeliveryStopVat          DeliveryKind = "stopVat"
	DeliveryPing             DeliveryKind = "ping"

	// DeliveryBuildRootObject and DeliveryBootstrap are subcluster-launch
	// deliveries (spec.md §4.8): buildRootObject is sent to every vat in
	// the subcluster, bootstrap only to the bootstrap vat once every other
	// vat's root object has been built.
	DeliveryBuildRootObject DeliveryKind = "buildRootObject"
	DeliveryBootstrap       DeliveryKind = "bootstrap"
)

// NotifyEntry is one promise-settlement notice inside a notify delivery.
type NotifyEntry struct {
	Promise  ERef
	Rejected bool
	Value    CapData
}

// Delivery is the payload of a single kernel->worker unit of work. Exactly
// one of the kind-specific fields is populated, matching Kind.
type Delivery struct {
	Kind DeliveryKind

	// startVat
	BundleSpec string
	Parameters CapData

	// message
	MessageTarget  ERef
	MessageBody    Message
	MessageResult  ERef // zero value: no result slot

	// notify
	Notifications []NotifyEntry

	// dropExports / retireExports / retireImports
	ERefs []ERef

	// buildRootObject: Parameters above carries the vat's own
	// creation-time parameters.

	// bootstrap: the bootstrap vat's view of every vat's root object
	// (including its own) plus the subcluster's declared services, all
	// translated into the bootstrap vat's own c-list space before
	// delivery.
	BootstrapVats     map[string]ERef
	BootstrapServices map[string]ERef
}

// DeliveryResult is a worker's reply to a Delivery: a checkpoint of kv
// mutations plus the ordered batch of syscalls it emitted while processing
// the delivery (spec.md §6).
type DeliveryResult struct {
	Error      string // empty means success
	Checkpoint Checkpoint
	Syscalls   []Syscall
}

// Checkpoint is the vat-local kv mutation batch a worker returns alongside
// a delivery result; it is persisted into the vat's own keyspace under the
// same transaction as the rest of the cycle (spec.md §4.1, §4.4 step 7).
type Checkpoint struct {
	Mutations [][2]string // key, value
	Deletions []string
}
