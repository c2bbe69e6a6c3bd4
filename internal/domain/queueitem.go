package domain

// RunQueueItemKind tags the variant of a persisted run-queue entry
// (spec.md §3, Run queue item).
type RunQueueItemKind string

const (
	ItemSend             RunQueueItemKind = "send"
	ItemNotify           RunQueueItemKind = "notify"
	ItemGCAction         RunQueueItemKind = "gc-action"
	ItemBringOutYourDead RunQueueItemKind = "bringOutYourDead"
	ItemStartVat         RunQueueItemKind = "startVat"
	ItemTerminateVat     RunQueueItemKind = "terminateVat"
)

// GCActionKind names which drop/retire delivery a gc-action item produces.
type GCActionKind string

const (
	GCDropExports   GCActionKind = "dropExports"
	GCRetireExports GCActionKind = "retireExports"
)

// RunQueueItem is one entry in the persisted FIFO run queue. Exactly one of
// the kind-specific fields is populated, matching Kind.
type RunQueueItem struct {
	Seq  uint64
	Kind RunQueueItemKind

	// send
	SendTarget  KRef
	SendMessage Message
	SendFrom    EndpointID

	// notify
	NotifyEndpoint EndpointID
	NotifyPromise  KRef

	// gc-action
	GCKind GCActionKind
	GCKRef KRef

	// startVat / terminateVat
	VatID EndpointID
}
