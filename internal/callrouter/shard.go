package callrouter

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nksip/callrouter/internal/logging"
)

// pendingEntry is a record of an in-flight synchronous work handoff not
// yet acknowledged by its target worker (spec.md §3 "pending").
type pendingEntry struct {
	key    CallKey
	origin Origin
	work   Work
	handle HandleID
}

// Shard owns one partition of the call registry, the pending-work
// table, and the app-options cache. All three are mutated only from
// run's own goroutine (spec.md §3 invariant 4, §4.2 "serialization
// contract") — this is the single-threaded-owner pattern from
// sharded/shard.go in the teacher repo, generalized from a
// client/subscription registry to a call-worker registry.
type Shard struct {
	pos    int
	id     string
	opts   ShardOpts
	global Global

	counters  Counters
	appSource AppOptionsSource
	appCache  *appOptsCache
	factory   WorkerFactory
	observer  Observer
	logger    zerolog.Logger

	// admitLimiter is an additional, soft admission valve on top of the
	// hard MaxCalls gate, mirroring resource_guard.go's rate limiters.
	// A nil limiter disables this extra check.
	admitLimiter *rate.Limiter

	// registry: bidirectional CallKey <-> HandleID (spec.md §3 invariant 2).
	registryFwd map[CallKey]CallWorker
	registryRev map[HandleID]CallKey

	// pending: monitor ref -> in-flight sync work (spec.md §3 "pending").
	pending         map[MonitorRef]pendingEntry
	pendingByHandle map[HandleID]map[MonitorRef]struct{}

	nextRef MonitorRef

	// Inbound channels. Mirrors the teacher's one-channel-per-command-
	// kind mailbox (sharded/shard.go's register/unregister/subscribe/...),
	// sized for the hot paths (sync/async dispatch) and the worker
	// acknowledgement/termination signals.
	syncCh   chan syncRequest
	asyncCh  chan asyncRequest
	ingestCh chan ingestRequest
	ackCh    chan AckMsg
	downCh   chan DownMsg
	queryCh  chan queryRequest

	closeCh chan struct{}
	doneCh  chan struct{}

	// closing is set by Close before closeCh is closed, so the pool's
	// supervisor can tell an intentional shutdown (no restart wanted)
	// apart from doneCh firing because run's recover caught a panic
	// (restart wanted).
	closing atomic.Bool
}

type syncRequest struct {
	key    CallKey
	work   Work
	origin Origin
	result chan error
}

type asyncRequest struct {
	key  CallKey
	work Work
}

type ingestRequest struct {
	msg    RawMessage
	origin Origin
	result chan error
}

// queryRequest lets read-only observability operations run inside the
// shard's own goroutine without adding a dedicated channel per query
// kind; fn must not retain s beyond the call.
type queryRequest struct {
	fn     func(s *Shard) any
	result chan any
}

// ShardOpts configures a single shard at construction time.
type ShardOpts struct {
	Pos          int
	Global       Global
	Counters     Counters
	AppSource    AppOptionsSource
	Factory      WorkerFactory
	Observer     Observer
	Logger       zerolog.Logger
	AdmitLimiter *rate.Limiter
}

// NewShard constructs a shard and starts its event loop goroutine.
func NewShard(opts ShardOpts) *Shard {
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	s := &Shard{
		pos:             opts.Pos,
		id:              fmt.Sprintf("router_%d", opts.Pos),
		opts:            opts,
		global:          opts.Global,
		counters:        opts.Counters,
		appSource:       opts.AppSource,
		appCache:        newAppOptsCache(),
		factory:         opts.Factory,
		observer:        observer,
		logger:          opts.Logger.With().Str("shard", fmt.Sprintf("router_%d", opts.Pos)).Logger(),
		admitLimiter:    opts.AdmitLimiter,
		registryFwd:     make(map[CallKey]CallWorker),
		registryRev:     make(map[HandleID]CallKey),
		pending:         make(map[MonitorRef]pendingEntry),
		pendingByHandle: make(map[HandleID]map[MonitorRef]struct{}),
		syncCh:          make(chan syncRequest, 256),
		asyncCh:         make(chan asyncRequest, 256),
		ingestCh:        make(chan ingestRequest, 256),
		ackCh:           make(chan AckMsg, 256),
		downCh:          make(chan DownMsg, 256),
		queryCh:         make(chan queryRequest, 16),
		closeCh:         make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	go s.run()
	return s
}

// ID returns the shard's stable debugging identity, e.g. "router_3"
// (spec.md §4.1).
func (s *Shard) ID() string { return s.id }

// Opts returns the options this shard was built from, so a supervisor
// can build an identical replacement after a crash.
func (s *Shard) Opts() ShardOpts { return s.opts }

// Done is closed once the shard's event loop has exited, whether from a
// panic or from Close. The pool's supervisor watches this to decide
// whether to restart.
func (s *Shard) Done() <-chan struct{} { return s.doneCh }

// Closing reports whether Close has been called on this shard, letting
// a supervisor tell an intentional shutdown apart from a crash.
func (s *Shard) Closing() bool { return s.closing.Load() }

// run is the shard's single-threaded event loop. A panic here must
// crash and restart the shard without affecting other shards or
// in-flight workers (spec.md §7): recover logs loudly and the loop
// exits, closing doneCh so ShardPool's supervisor can rebuild this
// shard from the same ShardOpts and resume routing for the CallIds that
// hash to it.
func (s *Shard) run() {
	defer close(s.doneCh)
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(s.logger, r, "shard event loop panicked, shard is now stopped",
				map[string]any{"shard": s.id})
		}
	}()

	for {
		select {
		case <-s.closeCh:
			return

		case req := <-s.syncCh:
			req.result <- s.dispatchSync(req.key, req.work, req.origin)

		case req := <-s.asyncCh:
			s.dispatchAsync(req.key, req.work)

		case req := <-s.ingestCh:
			req.result <- s.handleIngest(req.msg, req.origin)

		case ack := <-s.ackCh:
			s.handleAck(ack)

		case down := <-s.downCh:
			s.handleDown(down)

		case q := <-s.queryCh:
			q.result <- q.fn(s)
		}
	}
}

// Close stops the shard's event loop. Live workers are not stopped by
// this call; callers that need an orderly worker drain should do so
// before closing the shard (see ShardPool.Shutdown).
func (s *Shard) Close() {
	s.closing.Store(true)
	close(s.closeCh)
	<-s.doneCh
}

func (s *Shard) allocRef() MonitorRef {
	s.nextRef++
	return s.nextRef
}

// SubmitSync dispatches work to the responsible worker and records the
// handoff, per spec.md §4.2 submit_sync. ctx bounds only the round trip
// into the shard's own mailbox, not the worker's eventual reply — a
// busy shard is the "timeout" case described in spec.md §7 for
// submit_sync itself.
func (s *Shard) SubmitSync(ctx context.Context, key CallKey, work Work, origin Origin) error {
	result := make(chan error, 1)
	select {
	case s.syncCh <- syncRequest{key: key, work: work, origin: origin, result: result}:
	case <-ctx.Done():
		return ErrTimeout
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ErrTimeout
	}
}

// SubmitAsync is a fire-and-forget dispatch, per spec.md §4.2
// submit_async. It never fails: an absent worker means the work is
// dropped and logged, never an error to the caller.
func (s *Shard) SubmitAsync(key CallKey, work Work) {
	select {
	case s.asyncCh <- asyncRequest{key: key, work: work}:
	default:
		s.logger.Warn().
			Str("call", key.String()).
			Str("work", work.Kind.String()).
			Msg("async dispatch queue full, dropping")
	}
}

// IngestIncoming extracts Class and (AppId, CallId) from raw and routes
// it per spec.md §4.2 ingest_incoming: requests go through submit_sync
// (creating a worker if needed), responses go through submit_async
// (delivered only to an existing worker).
func (s *Shard) IngestIncoming(ctx context.Context, msg RawMessage, origin Origin) error {
	result := make(chan error, 1)
	select {
	case s.ingestCh <- ingestRequest{msg: msg, origin: origin, result: result}:
	case <-ctx.Done():
		return ErrTimeout
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ErrTimeout
	}
}

// PendingSize returns |pending|, for observability (spec.md §4.2).
func (s *Shard) PendingSize() int {
	return s.query(func(s *Shard) any { return len(s.pending) }).(int)
}

func (s *Shard) query(fn func(s *Shard) any) any {
	result := make(chan any, 1)
	s.queryCh <- queryRequest{fn: fn, result: result}
	return <-result
}

// handleIngest runs inside the shard goroutine.
func (s *Shard) handleIngest(msg RawMessage, origin Origin) error {
	class, key, err := msg.Classify()
	if err != nil {
		return ErrInvalidCall
	}
	switch class {
	case ClassRequest:
		return s.dispatchSync(key, Work{Kind: WorkIncomingRequest, Payload: msg}, origin)
	case ClassResponse:
		s.dispatchAsync(key, Work{Kind: WorkIncomingResponse, Payload: msg})
		return nil
	default:
		return ErrInvalidCall
	}
}

// dispatchSync is spec.md §4.3 dispatch_sync. Runs only inside the
// shard goroutine (called directly from run(), and again from
// handleDown for replay).
func (s *Shard) dispatchSync(key CallKey, work Work, origin Origin) error {
	w, ok := s.registryFwd[key]
	if !ok {
		if err := s.ensureWorker(key); err != nil {
			s.observer.AdmissionRejected(s.pos, err.Error())
			return err
		}
		w, ok = s.registryFwd[key]
		if !ok {
			// ensureWorker guarantees this; defensive only.
			return ErrInvalidCall
		}
	}

	ref := s.allocRef()
	w.Monitor(ref, s.downCh)
	s.pending[ref] = pendingEntry{key: key, origin: origin, work: work, handle: w.Handle()}
	if s.pendingByHandle[w.Handle()] == nil {
		s.pendingByHandle[w.Handle()] = make(map[MonitorRef]struct{})
	}
	s.pendingByHandle[w.Handle()][ref] = struct{}{}
	s.observer.PendingSize(s.pos, len(s.pending))

	w.SyncWork(ref, s.ackCh, work, origin)
	return nil
}

// dispatchAsync is spec.md §4.3 dispatch_async: never creates a worker.
func (s *Shard) dispatchAsync(key CallKey, work Work) {
	w, ok := s.registryFwd[key]
	if !ok {
		s.logger.Info().
			Str("call", key.String()).
			Str("work", work.Kind.String()).
			Msg("dropping async work, no worker for call")
		return
	}
	w.AsyncWork(work)
}

// ensureWorker is spec.md §4.3 ensure_worker: admission plus creation.
func (s *Shard) ensureWorker(key CallKey) error {
	if s.counters.LiveCalls() >= int64(s.global.MaxCalls) {
		return ErrTooManyCalls
	}
	if s.admitLimiter != nil && !s.admitLimiter.Allow() {
		return ErrTooManyCalls
	}

	opts, err := s.appCache.get(s.appSource, key.AppID)
	if err != nil {
		return ErrUnknownSipApp
	}

	w := s.factory(key, opts, s.global)
	regRef := s.allocRef()
	w.Monitor(regRef, s.downCh)

	s.registryFwd[key] = w
	s.registryRev[w.Handle()] = key
	s.counters.IncLiveCalls()
	s.observer.WorkerCreated(s.pos)

	return nil
}

// handleAck is spec.md §4.3/§4.4's ack protocol: sync_work_ok clears the
// pending entry and demonitors the per-work monitor. The long-lived
// registry monitor is untouched.
func (s *Shard) handleAck(ack AckMsg) {
	entry, ok := s.pending[ack.Ref]
	if !ok {
		return
	}
	delete(s.pending, ack.Ref)
	if set, ok := s.pendingByHandle[entry.handle]; ok {
		delete(set, ack.Ref)
		if len(set) == 0 {
			delete(s.pendingByHandle, entry.handle)
		}
	}
	s.observer.PendingSize(s.pos, len(s.pending))

	if w, ok := s.registryFwd[entry.key]; ok {
		w.Demonitor(ack.Ref)
	}
}

// handleDown is spec.md §4.4's termination handling. Two kinds of
// monitor can fire for the same handle, in either order; this handler
// folds both into one idempotent pass:
//
//  1. If the handle is still in the registry, remove both directions —
//     this is "the registry monitor fired" regardless of which ref
//     triggered the DownMsg, because a dead handle must not remain
//     routable no matter which of its monitors happened to report the
//     death first (the source's two separate monitor kinds observe the
//     same underlying fact).
//  2. If ref names a pending entry, the worker died before acknowledging
//     that specific work: remove the entry and replay it via
//     dispatchSync, which transparently spawns a successor through
//     ensureWorker. This also covers an abnormal exit *after* the
//     worker accepted the work but before it replied — indistinguishable
//     from a pre-acceptance death from the shard's point of view, so it
//     gets the same at-least-once replay (spec.md §9 Open Questions).
func (s *Shard) handleDown(down DownMsg) {
	if key, ok := s.registryRev[down.Handle]; ok {
		delete(s.registryFwd, key)
		delete(s.registryRev, down.Handle)
		s.counters.DecLiveCalls()
		s.observer.WorkerTerminated(s.pos)
	}

	entry, ok := s.pending[down.Ref]
	if !ok {
		return
	}
	delete(s.pending, down.Ref)
	if set, ok := s.pendingByHandle[down.Handle]; ok {
		delete(set, down.Ref)
		if len(set) == 0 {
			delete(s.pendingByHandle, down.Handle)
		}
	}
	s.observer.PendingSize(s.pos, len(s.pending))
	s.observer.ReplayAttempted(s.pos)

	if err := s.dispatchSync(entry.key, entry.work, entry.origin); err != nil {
		entry.origin.Reply(Result{Err: err})
	}
}
