package callrouter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockWorker is a minimal CallWorker test double. It lets tests control
// exactly when a worker "dies" (fires DownMsg to every monitor) without
// pulling in the real internal/worker package, which would create an
// import cycle.
type mockWorker struct {
	mu       sync.Mutex
	handle   HandleID
	monitors map[MonitorRef]chan<- DownMsg
	acked    []MonitorRef
	replies  []Result
	stopped  bool
}

func newMockWorker(h HandleID) *mockWorker {
	return &mockWorker{handle: h, monitors: make(map[MonitorRef]chan<- DownMsg)}
}

func (w *mockWorker) Handle() HandleID { return w.handle }

func (w *mockWorker) Monitor(ref MonitorRef, ch chan<- DownMsg) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.monitors[ref] = ch
}

func (w *mockWorker) Demonitor(ref MonitorRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.monitors, ref)
}

// SyncWork in this double acks immediately and replies "ok" immediately,
// unless the test has called die first (in which case the caller never
// gets SyncWork at all, since the shard routes a replacement worker in).
func (w *mockWorker) SyncWork(ref MonitorRef, ackCh chan<- AckMsg, work Work, origin Origin) {
	w.mu.Lock()
	w.acked = append(w.acked, ref)
	w.mu.Unlock()
	ackCh <- AckMsg{Ref: ref}
	origin.Reply(Result{Value: "ok"})
}

func (w *mockWorker) AsyncWork(work Work) {}

func (w *mockWorker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.die(nil)
}

func (w *mockWorker) GetData() any { return nil }

func (w *mockWorker) ListDialogs() any      { return nil }
func (w *mockWorker) ListTransactions() any { return nil }
func (w *mockWorker) ListSipMsgs() any      { return nil }

// die fires a DownMsg to every registered monitor, simulating abnormal
// or normal worker termination.
func (w *mockWorker) die(err error) {
	w.mu.Lock()
	monitors := w.monitors
	w.monitors = nil
	w.mu.Unlock()
	for ref, ch := range monitors {
		ch <- DownMsg{Ref: ref, Handle: w.handle, Err: err}
	}
}

func testShard(t *testing.T, factory WorkerFactory) *Shard {
	t.Helper()
	s := NewShard(ShardOpts{
		Pos:       0,
		Global:    DefaultGlobal(),
		Counters:  NewProcessCounters(),
		AppSource: NewStaticAppOptionsSource(AppOptions{AppID: "app1"}),
		Factory:   factory,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(s.Close)
	return s
}

func TestDispatchSyncCreatesWorkerOnMiss(t *testing.T) {
	var created []*mockWorker
	var mu sync.Mutex
	factory := func(key CallKey, opts AppOptions, global Global) CallWorker {
		mu.Lock()
		defer mu.Unlock()
		w := newMockWorker(HandleID(len(created) + 1))
		created = append(created, w)
		return w
	}

	s := testShard(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	origin, resultCh := NewChanOrigin()
	key := CallKey{AppID: "app1", CallID: "call-1"}
	if err := s.SubmitSync(ctx, key, Work{Kind: WorkSend}, origin); err != nil {
		t.Fatalf("SubmitSync: %v", err)
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("unexpected result error: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(created) != 1 {
		t.Fatalf("expected exactly one worker created, got %d", len(created))
	}
}

func TestDispatchSyncReusesWorkerForSameCall(t *testing.T) {
	var createCount int
	var mu sync.Mutex
	factory := func(key CallKey, opts AppOptions, global Global) CallWorker {
		mu.Lock()
		createCount++
		mu.Unlock()
		return newMockWorker(HandleID(createCount))
	}

	s := testShard(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := CallKey{AppID: "app1", CallID: "call-1"}
	for i := 0; i < 3; i++ {
		origin, resultCh := NewChanOrigin()
		if err := s.SubmitSync(ctx, key, Work{Kind: WorkSend}, origin); err != nil {
			t.Fatalf("SubmitSync %d: %v", i, err)
		}
		<-resultCh
	}

	mu.Lock()
	defer mu.Unlock()
	if createCount != 1 {
		t.Fatalf("expected the same worker reused, got %d creations", createCount)
	}
}

func TestEnsureWorkerRejectsUnknownApp(t *testing.T) {
	factory := func(key CallKey, opts AppOptions, global Global) CallWorker {
		t.Fatal("factory must not be called for an unknown app")
		return nil
	}
	s := testShard(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	origin, resultCh := NewChanOrigin()
	key := CallKey{AppID: "no-such-app", CallID: "call-1"}
	err := s.SubmitSync(ctx, key, Work{Kind: WorkSend}, origin)
	if err != ErrUnknownSipApp {
		t.Fatalf("expected ErrUnknownSipApp, got %v", err)
	}
	select {
	case <-resultCh:
		t.Fatal("dispatch should have failed before calling the worker, no result should be delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdmissionRejectsOverMaxCalls(t *testing.T) {
	factory := func(key CallKey, opts AppOptions, global Global) CallWorker {
		return newMockWorker(1)
	}
	global := DefaultGlobal()
	global.MaxCalls = 1
	s := NewShard(ShardOpts{
		Pos:       0,
		Global:    global,
		Counters:  NewProcessCounters(),
		AppSource: NewStaticAppOptionsSource(AppOptions{AppID: "app1"}),
		Factory:   factory,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	origin1, result1 := NewChanOrigin()
	if err := s.SubmitSync(ctx, CallKey{AppID: "app1", CallID: "call-1"}, Work{Kind: WorkSend}, origin1); err != nil {
		t.Fatalf("first SubmitSync: %v", err)
	}
	<-result1

	origin2, result2 := NewChanOrigin()
	err := s.SubmitSync(ctx, CallKey{AppID: "app1", CallID: "call-2"}, Work{Kind: WorkSend}, origin2)
	if err != ErrTooManyCalls {
		t.Fatalf("expected ErrTooManyCalls, got %v", err)
	}
	select {
	case <-result2:
		t.Fatal("rejected dispatch should not deliver a result, only a SubmitSync error")
	case <-time.After(50 * time.Millisecond):
	}
}

// diesBeforeAckWorker never acks or replies to SyncWork; it hands the
// test its assigned ref and monitor channel so the test can simulate
// death-before-ack by injecting a DownMsg directly.
type diesBeforeAckWorker struct {
	handle   HandleID
	captured chan capturedSyncWork
}

type capturedSyncWork struct {
	ref MonitorRef
	ch  chan<- DownMsg
}

func (w *diesBeforeAckWorker) Handle() HandleID { return w.handle }
func (w *diesBeforeAckWorker) Monitor(ref MonitorRef, ch chan<- DownMsg) {
	select {
	case w.captured <- capturedSyncWork{ref: ref, ch: ch}:
	default:
	}
}
func (w *diesBeforeAckWorker) Demonitor(MonitorRef) {}
func (w *diesBeforeAckWorker) AsyncWork(Work)       {}
func (w *diesBeforeAckWorker) Stop()                {}
func (w *diesBeforeAckWorker) GetData() any         { return nil }
func (w *diesBeforeAckWorker) ListDialogs() any      { return nil }
func (w *diesBeforeAckWorker) ListTransactions() any { return nil }
func (w *diesBeforeAckWorker) ListSipMsgs() any      { return nil }
func (w *diesBeforeAckWorker) SyncWork(ref MonitorRef, ackCh chan<- AckMsg, work Work, origin Origin) {
	// Deliberately never acks or replies: this call's work is about to be
	// orphaned by a simulated crash.
}

// TestReplayOnWorkerDeathBeforeAck exercises spec.md's replay-once
// invariant: a worker that dies before acknowledging sync work must
// cause the shard to spawn a successor and redeliver the same work,
// transparently to the caller.
func TestReplayOnWorkerDeathBeforeAck(t *testing.T) {
	var mu sync.Mutex
	var nextHandle HandleID
	var secondWorkerCreated bool

	firstCaptured := make(chan capturedSyncWork, 4)
	factory := func(key CallKey, opts AppOptions, global Global) CallWorker {
		mu.Lock()
		nextHandle++
		h := nextHandle
		if h == 2 {
			secondWorkerCreated = true
		}
		mu.Unlock()
		if h == 1 {
			return &diesBeforeAckWorker{handle: h, captured: firstCaptured}
		}
		return newMockWorker(h)
	}

	s := testShard(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := CallKey{AppID: "app1", CallID: "call-1"}
	origin, resultCh := NewChanOrigin()
	if err := s.SubmitSync(ctx, key, Work{Kind: WorkSend}, origin); err != nil {
		t.Fatalf("SubmitSync: %v", err)
	}

	// Grab the registry monitor registration (fired first by ensureWorker)
	// and the per-work monitor registration (fired second by
	// dispatchSync), then simulate the worker crashing before it ever
	// acks the pending work.
	reg := <-firstCaptured
	work := <-firstCaptured
	_ = reg

	s.downCh <- DownMsg{Ref: work.ref, Handle: 1, Err: context.DeadlineExceeded}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("unexpected error after replay through a successor worker: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed work to complete on the successor worker")
	}

	mu.Lock()
	defer mu.Unlock()
	if !secondWorkerCreated {
		t.Fatal("expected a successor worker to be spawned for the replay")
	}
}

func TestHandleDownCleansRegistryRegardlessOfWhichRefFired(t *testing.T) {
	factory := func(key CallKey, opts AppOptions, global Global) CallWorker {
		return newMockWorker(1)
	}
	s := testShard(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := CallKey{AppID: "app1", CallID: "call-1"}
	origin, resultCh := NewChanOrigin()
	if err := s.SubmitSync(ctx, key, Work{Kind: WorkSend}, origin); err != nil {
		t.Fatalf("SubmitSync: %v", err)
	}
	<-resultCh

	if got := s.query(func(s *Shard) any { return len(s.registryFwd) }).(int); got != 1 {
		t.Fatalf("expected one live worker, got %d", got)
	}

	// Simulate the registry monitor firing (a ref that is not in pending).
	s.downCh <- DownMsg{Ref: 999, Handle: 1}
	time.Sleep(50 * time.Millisecond)

	if got := s.query(func(s *Shard) any { return len(s.registryFwd) }).(int); got != 0 {
		t.Fatalf("expected registry to be cleaned up, still has %d entries", got)
	}
}

func TestDispatchAsyncNeverCreatesWorker(t *testing.T) {
	factory := func(key CallKey, opts AppOptions, global Global) CallWorker {
		t.Fatal("factory must not be called for dispatch_async on a call with no worker")
		return nil
	}
	s := testShard(t, factory)

	s.SubmitAsync(CallKey{AppID: "app1", CallID: "call-1"}, Work{Kind: WorkIncomingResponse})
	time.Sleep(20 * time.Millisecond)

	if got := s.query(func(s *Shard) any { return len(s.registryFwd) }).(int); got != 0 {
		t.Fatalf("expected no worker to be created, registry has %d entries", got)
	}
}

func TestPendingSizeTracksInFlightSyncWork(t *testing.T) {
	// A worker double whose SyncWork never acks or replies, so pending
	// stays populated until we inspect it.
	block := make(chan struct{})
	factory := func(key CallKey, opts AppOptions, global Global) CallWorker {
		return &blockingWorker{handle: 1, block: block}
	}
	s := testShard(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	origin, _ := NewChanOrigin()
	if err := s.SubmitSync(ctx, CallKey{AppID: "app1", CallID: "call-1"}, Work{Kind: WorkSend}, origin); err != nil {
		t.Fatalf("SubmitSync: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := s.PendingSize(); got != 1 {
		t.Fatalf("expected pending size 1, got %d", got)
	}
	close(block)
}

// blockingWorker never acks or replies until block is closed, letting
// tests observe the pending table mid-flight.
type blockingWorker struct {
	handle HandleID
	block  chan struct{}
}

func (w *blockingWorker) Handle() HandleID                           { return w.handle }
func (w *blockingWorker) Monitor(MonitorRef, chan<- DownMsg)          {}
func (w *blockingWorker) Demonitor(MonitorRef)                       {}
func (w *blockingWorker) AsyncWork(Work)                              {}
func (w *blockingWorker) Stop()                                      {}
func (w *blockingWorker) GetData() any                                { return nil }
func (w *blockingWorker) ListDialogs() any                            { return nil }
func (w *blockingWorker) ListTransactions() any                       { return nil }
func (w *blockingWorker) ListSipMsgs() any                            { return nil }
func (w *blockingWorker) SyncWork(ref MonitorRef, ackCh chan<- AckMsg, work Work, origin Origin) {
	go func() {
		<-w.block
		ackCh <- AckMsg{Ref: ref}
		origin.Reply(Result{Value: "ok"})
	}()
}
