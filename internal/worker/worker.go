// Package worker implements the call worker: the per-call actor the
// router treats as opaque (spec.md §1). It is not a full SIP state
// machine — transaction/dialog timers, retransmission, and message
// parsing are out of scope — but it is a real, independently running
// goroutine with its own inbound queues, enough to demonstrate every
// operation the router dispatches to it and to terminate the way the
// spec requires (normal completion, explicit stop, or an abnormal exit
// when a panic in its event loop is recovered).
package worker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/nksip/callrouter/internal/callrouter"
)

var nextHandle uint64

// DialogInfo is an opaque per-dialog record (spec.md §1: dialog state
// itself is out of scope, only its existence and id are observable).
type DialogInfo struct {
	ID    string
	State string
}

// TransactionInfo is an opaque per-transaction record.
type TransactionInfo struct {
	ID     string
	Method string
	State  string
}

// Snapshot is what GetData() returns: enough for the observability
// surface (spec.md §6) without exposing internal worker state directly.
type Snapshot struct {
	Key          callrouter.CallKey
	Dialogs      []DialogInfo
	Transactions []TransactionInfo
	Stopped      bool
}

// Worker is the default CallWorker implementation.
type Worker struct {
	handle callrouter.HandleID
	key    callrouter.CallKey
	opts   callrouter.AppOptions
	global callrouter.Global
	logger zerolog.Logger

	// inbox is the worker's single ordered inbound queue. Sync and async
	// work share one channel so that two items dispatched to the same
	// worker in a given order (shard.go's dispatchSync/dispatchAsync both
	// run inside the owning shard's single goroutine, so their relative
	// order is already fixed before they reach here) are delivered to
	// run() in that same order — spec.md §5's ordering guarantee does not
	// hold if sync and async work instead race across two channels with
	// no guaranteed select ordering between them.
	inbox  chan inboundEnvelope
	stopCh chan struct{}

	mu       sync.Mutex
	monitors map[callrouter.MonitorRef]chan<- callrouter.DownMsg
	exited   bool
	exitErr  error

	// Call state. Deliberately minimal: maps keyed by an opaque id the
	// caller supplies in the work payload.
	dialogs      map[string]DialogInfo
	transactions map[string]TransactionInfo
}

// inboundEnvelope is the single wire format for both of the worker's
// inbound kinds. isSync distinguishes a dispatch_sync handoff (ackCh and
// origin set) from a dispatch_async one (both nil).
type inboundEnvelope struct {
	isSync bool
	ref    callrouter.MonitorRef
	ackCh  chan<- callrouter.AckMsg
	work   callrouter.Work
	origin callrouter.Origin
}

// NewFactory returns a callrouter.WorkerFactory bound to logger, i.e.
// what cmd/callrouter wires into ShardPool.
func NewFactory(logger zerolog.Logger) callrouter.WorkerFactory {
	return func(key callrouter.CallKey, opts callrouter.AppOptions, global callrouter.Global) callrouter.CallWorker {
		w := &Worker{
			handle:       callrouter.HandleID(atomic.AddUint64(&nextHandle, 1)),
			key:          key,
			opts:         opts,
			global:       global,
			logger:       logger.With().Str("call", key.String()).Logger(),
			inbox:        make(chan inboundEnvelope, 64),
			stopCh:       make(chan struct{}),
			monitors:     make(map[callrouter.MonitorRef]chan<- callrouter.DownMsg),
			dialogs:      make(map[string]DialogInfo),
			transactions: make(map[string]TransactionInfo),
		}
		go w.run()
		return w
	}
}

// Handle implements callrouter.CallWorker.
func (w *Worker) Handle() callrouter.HandleID { return w.handle }

// Monitor implements callrouter.CallWorker. Monitoring an already-dead
// worker (a race between dispatch and a worker that exited just before
// it) delivers the DownMsg immediately instead of registering, mirroring
// the source's behavior when monitoring an already-terminated process.
func (w *Worker) Monitor(ref callrouter.MonitorRef, ch chan<- callrouter.DownMsg) {
	w.mu.Lock()
	if w.exited {
		err := w.exitErr
		w.mu.Unlock()
		select {
		case ch <- callrouter.DownMsg{Ref: ref, Handle: w.handle, Err: err}:
		default:
		}
		return
	}
	w.monitors[ref] = ch
	w.mu.Unlock()
}

// Demonitor implements callrouter.CallWorker.
func (w *Worker) Demonitor(ref callrouter.MonitorRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.monitors, ref)
}

// SyncWork implements callrouter.CallWorker. Non-blocking: the envelope
// is buffered, never sent synchronously into the run loop.
func (w *Worker) SyncWork(ref callrouter.MonitorRef, ackCh chan<- callrouter.AckMsg, work callrouter.Work, origin callrouter.Origin) {
	select {
	case w.inbox <- inboundEnvelope{isSync: true, ref: ref, ackCh: ackCh, work: work, origin: origin}:
	default:
		// Worker's own queue is full: treat like a crashed worker from
		// the caller's point of view by replying with an error instead
		// of silently hanging; the shard's registry is untouched, a
		// retry will hit the same worker again.
		origin.Reply(callrouter.Result{Err: callrouter.ErrTimeout})
	}
}

// AsyncWork implements callrouter.CallWorker.
func (w *Worker) AsyncWork(work callrouter.Work) {
	select {
	case w.inbox <- inboundEnvelope{isSync: false, work: work}:
	default:
		w.logger.Warn().Str("work", work.Kind.String()).Msg("worker inbox full, dropping")
	}
}

// Stop implements callrouter.CallWorker.
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

// GetData implements callrouter.CallWorker.
func (w *Worker) GetData() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	dialogs := make([]DialogInfo, 0, len(w.dialogs))
	for _, d := range w.dialogs {
		dialogs = append(dialogs, d)
	}
	txns := make([]TransactionInfo, 0, len(w.transactions))
	for _, t := range w.transactions {
		txns = append(txns, t)
	}
	return Snapshot{Key: w.key, Dialogs: dialogs, Transactions: txns}
}

// ListDialogs implements callrouter.CallWorker, backing the fleet-wide
// get_all_dialogs/2 fold.
func (w *Worker) ListDialogs() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]DialogInfo, 0, len(w.dialogs))
	for _, d := range w.dialogs {
		out = append(out, d)
	}
	return out
}

// ListTransactions implements callrouter.CallWorker, backing the
// fleet-wide get_all_transactions/2 fold.
func (w *Worker) ListTransactions() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]TransactionInfo, 0, len(w.transactions))
	for _, t := range w.transactions {
		out = append(out, t)
	}
	return out
}

// ListSipMsgs implements callrouter.CallWorker, backing the fleet-wide
// get_all_sipmsgs/2 fold. Stored SIP messages are out of scope
// (spec.md §1), so this always reports empty.
func (w *Worker) ListSipMsgs() any {
	return []any{}
}

// run is the worker's single-threaded event loop, mirroring the
// teacher's shard Run() pattern at call-worker granularity. Every exit
// path notifies all registered monitors exactly once.
func (w *Worker) run() {
	var exitErr error
	defer func() {
		if r := recover(); r != nil {
			exitErr = fmt.Errorf("worker panic: %v", r)
		}
		w.notifyDown(exitErr)
	}()

	for {
		select {
		case <-w.stopCh:
			return

		case env := <-w.inbox:
			if env.isSync {
				w.handleSyncWork(env)
			} else {
				w.handleAsyncWork(env.work)
			}
			if env.work.Kind == callrouter.WorkStopDialog {
				return
			}
		}
	}
}

func (w *Worker) handleSyncWork(env inboundEnvelope) {
	// Accept into our own queue, then immediately acknowledge: from here
	// on the shard's pending entry for this ref is our responsibility
	// (spec.md §4.3 "Why sync-work opens its own monitor").
	select {
	case env.ackCh <- callrouter.AckMsg{Ref: env.ref}:
	default:
	}

	result := w.process(env.work)
	env.origin.Reply(result)
}

func (w *Worker) handleAsyncWork(work callrouter.Work) {
	w.process(work)
}

// process executes one Work item against this call's opaque state and
// returns the result a synchronous caller would see (ignored for async
// work). Real SIP processing — transaction matching, dialog creation
// from a 2xx, retransmission timers — is out of scope (spec.md §1); this
// keeps just enough bookkeeping to exercise every dispatched Work kind.
func (w *Worker) process(work callrouter.Work) callrouter.Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch work.Kind {
	case callrouter.WorkSend, callrouter.WorkIncomingRequest:
		id := transactionID(work)
		w.transactions[id] = TransactionInfo{ID: id, Method: methodOf(work), State: "proceeding"}
		return callrouter.Result{Value: "ok"}

	case callrouter.WorkIncomingResponse:
		return callrouter.Result{Value: "ok"}

	case callrouter.WorkSendDialog:
		id := dialogID(work)
		if _, ok := w.dialogs[id]; !ok {
			w.dialogs[id] = DialogInfo{ID: id, State: "confirmed"}
		}
		return callrouter.Result{Value: "ok"}

	case callrouter.WorkCancel:
		return callrouter.Result{Value: "ok"}

	case callrouter.WorkSyncReply:
		return callrouter.Result{Value: "ok"}

	case callrouter.WorkAppReply:
		return callrouter.Result{Value: "ok"}

	case callrouter.WorkApplyDialog:
		id := dialogID(work)
		d, ok := w.dialogs[id]
		if !ok {
			return callrouter.Result{Err: callrouter.ErrUnknownDialog}
		}
		fn, _ := work.Payload.(func(DialogInfo) any)
		if m, ok := work.Payload.(map[string]any); ok {
			fn, _ = m["fn"].(func(DialogInfo) any)
		}
		if fn != nil {
			return callrouter.Result{Value: fn(d)}
		}
		return callrouter.Result{Value: d}

	case callrouter.WorkApplyTransaction:
		id := transactionID(work)
		t, ok := w.transactions[id]
		if !ok {
			return callrouter.Result{Err: callrouter.ErrUnknownTransaction}
		}
		if m, ok := work.Payload.(map[string]any); ok {
			if fn, ok := m["fn"].(func(TransactionInfo) any); ok {
				return callrouter.Result{Value: fn(t)}
			}
		}
		return callrouter.Result{Value: t}

	case callrouter.WorkApplySipMsg:
		return callrouter.Result{Err: callrouter.ErrUnknownSipMsg}

	case callrouter.WorkGetAllDialogs:
		out := make([]DialogInfo, 0, len(w.dialogs))
		for _, d := range w.dialogs {
			out = append(out, d)
		}
		return callrouter.Result{Value: out}

	case callrouter.WorkGetAllTransactions:
		out := make([]TransactionInfo, 0, len(w.transactions))
		for _, t := range w.transactions {
			out = append(out, t)
		}
		return callrouter.Result{Value: out}

	case callrouter.WorkGetAllSipMsgs:
		return callrouter.Result{Value: []any{}}

	case callrouter.WorkStopDialog:
		return callrouter.Result{Value: "ok"}

	default:
		return callrouter.Result{Err: callrouter.ErrInvalidCall}
	}
}

// notifyDown delivers exactly one DownMsg to every monitor still
// registered at exit time, then clears the monitor set so a racing
// Demonitor becomes a harmless no-op.
func (w *Worker) notifyDown(exitErr error) {
	w.mu.Lock()
	monitors := w.monitors
	w.monitors = nil
	w.exited = true
	w.exitErr = exitErr
	w.mu.Unlock()

	for ref, ch := range monitors {
		down := callrouter.DownMsg{Ref: ref, Handle: w.handle, Err: exitErr}
		select {
		case ch <- down:
		default:
		}
	}
}

func transactionID(work callrouter.Work) string {
	switch p := work.Payload.(type) {
	case string:
		return p
	case map[string]any:
		if id, ok := p["trans_id"].(string); ok {
			return id
		}
	}
	return "default"
}

func dialogID(work callrouter.Work) string {
	switch p := work.Payload.(type) {
	case string:
		return p
	case map[string]any:
		if id, ok := p["dialog_id"].(string); ok {
			return id
		}
	}
	return "default"
}

func methodOf(work callrouter.Work) string {
	return work.Kind.String()
}
