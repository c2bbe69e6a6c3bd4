package store

import "fmt"

// Key schema, exactly as spec.md §4.1 lists it:
//   kv.<k>, ko.<n>, kp.<n>, clist.<endpoint>.e2k.<eref>,
//   clist.<endpoint>.k2e.<kref>, queue.run.<seq>, queue.head, queue.tail,
//   counter.<name>
// Plus vatstore.<endpoint>.<key> for the per-vat kv partition (§4.5
// vatstoreGet/Set/Delete/GetNextKey) and endpoint.<id> for EndpointState.

func keyKV(k string) string { return "kv." + k }

func keyObject(n string) string { return "ko." + n }

func keyPromise(n string) string { return "kp." + n }

func keyEndpoint(id string) string { return "endpoint." + id }

func keyClistE2K(endpoint, eref string) string {
	return fmt.Sprintf("clist.%s.e2k.%s", endpoint, eref)
}

func keyClistK2E(endpoint, kref string) string {
	return fmt.Sprintf("clist.%s.k2e.%s", endpoint, kref)
}

func keyClistE2KPrefix(endpoint string) string {
	return fmt.Sprintf("clist.%s.e2k.", endpoint)
}

func keyClistK2EPrefix(endpoint string) string {
	return fmt.Sprintf("clist.%s.k2e.", endpoint)
}

func keyQueueRun(seq uint64) string { return fmt.Sprintf("queue.run.%020d", seq) }

const (
	keyQueueHead = "queue.head"
	keyQueueTail = "queue.tail"
)

const queueRunPrefix = "queue.run."

func keyCounter(name string) string { return "counter." + name }

func keyVatstore(endpoint, k string) string {
	return fmt.Sprintf("vatstore.%s.%s", endpoint, k)
}

func keyVatstorePrefix(endpoint string) string {
	return fmt.Sprintf("vatstore.%s.", endpoint)
}

func keySubcluster(id string) string { return "subcluster." + id }
