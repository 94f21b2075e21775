package callrouter

// CallWorker is the router's view of a live call worker. The worker's
// own state machine (transactions, dialogs, timers) is out of scope for
// the router (spec.md §1) — it only needs to accept work, acknowledge
// sync work, and eventually terminate.
//
// Implementations must treat SyncWork/AsyncWork/Stop as non-blocking:
// they hand work to the worker's own inbound queue and return.
type CallWorker interface {
	// Handle returns the worker's stable identity for the lifetime of
	// the worker.
	Handle() HandleID

	// Monitor registers ch to receive a DownMsg tagged with ref when the
	// worker terminates. Implementations must guarantee exactly one
	// DownMsg per (ref, ch) pair, unless Demonitor(ref) is called first.
	Monitor(ref MonitorRef, ch chan<- DownMsg)

	// Demonitor cancels a previously registered monitor. It is a no-op
	// if the worker has already terminated and fired ref (the shard
	// handles that race at the table level, not here).
	Demonitor(ref MonitorRef)

	// SyncWork hands work to the worker, tagged with ref. The worker
	// must send AckMsg{ref} on ackCh once work is durably enqueued, then
	// eventually call origin.Reply with the outcome.
	SyncWork(ref MonitorRef, ackCh chan<- AckMsg, work Work, origin Origin)

	// AsyncWork hands work to the worker with no acknowledgement.
	AsyncWork(work Work)

	// Stop requests orderly shutdown; termination still arrives as a
	// DownMsg to every registered monitor.
	Stop()

	// GetData returns an opaque snapshot of the worker's state for
	// observability (spec.md §6).
	GetData() any

	// ListDialogs, ListTransactions and ListSipMsgs return this call's
	// per-category state for the fleet-wide get_all_dialogs/2,
	// get_all_sipmsgs/2, get_all_transactions/2 folds (spec.md §6). Like
	// GetData, these read state directly under the worker's own lock
	// rather than round-tripping through its work queue.
	ListDialogs() any
	ListTransactions() any
	ListSipMsgs() any
}

// WorkerFactory spawns a new CallWorker bound to key and opts, wiring it
// to report its eventual termination. Spawned workers must not block the
// caller.
type WorkerFactory func(key CallKey, opts AppOptions, global Global) CallWorker
