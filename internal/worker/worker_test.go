package worker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nksip/callrouter/internal/callrouter"
)

func newTestWorker() callrouter.CallWorker {
	factory := NewFactory(zerolog.Nop())
	key := callrouter.CallKey{AppID: "app1", CallID: "call-1"}
	return factory(key, callrouter.AppOptions{AppID: "app1"}, callrouter.DefaultGlobal())
}

func syncRoundTrip(t *testing.T, w callrouter.CallWorker, work callrouter.Work) callrouter.Result {
	t.Helper()
	origin, resultCh := callrouter.NewChanOrigin()
	ackCh := make(chan callrouter.AckMsg, 1)
	w.SyncWork(1, ackCh, work, origin)

	select {
	case <-ackCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack")
	}

	select {
	case res := <-resultCh:
		return res
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
		return callrouter.Result{}
	}
}

func TestWorkerAcksThenReplies(t *testing.T) {
	w := newTestWorker()
	res := syncRoundTrip(t, w, callrouter.Work{Kind: callrouter.WorkSend})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
}

func TestSendDialogThenApplyDialogSucceeds(t *testing.T) {
	w := newTestWorker()

	res := syncRoundTrip(t, w, callrouter.Work{Kind: callrouter.WorkSendDialog, Payload: "dialog-1"})
	if res.Err != nil {
		t.Fatalf("SendDialog: %v", res.Err)
	}

	res = syncRoundTrip(t, w, callrouter.Work{Kind: callrouter.WorkApplyDialog, Payload: "dialog-1"})
	if res.Err != nil {
		t.Fatalf("expected ApplyDialog to see the dialog created by SendDialog, got %v", res.Err)
	}
	d, ok := res.Value.(DialogInfo)
	if !ok || d.ID != "dialog-1" {
		t.Fatalf("unexpected dialog info: %+v", res.Value)
	}
}

// TestAsyncThenSyncPreservesEnqueueOrder exercises spec.md §5's ordering
// guarantee: work items dispatched to the same worker in a given order
// must be delivered to it in that same order. The async send below must
// be visible to the sync apply right after it, because it was enqueued
// first.
func TestAsyncThenSyncPreservesEnqueueOrder(t *testing.T) {
	w := newTestWorker()

	w.AsyncWork(callrouter.Work{Kind: callrouter.WorkSend, Payload: "order-txn"})
	res := syncRoundTrip(t, w, callrouter.Work{Kind: callrouter.WorkApplyTransaction, Payload: "order-txn"})
	if res.Err != nil {
		t.Fatalf("expected the earlier-enqueued async send to be processed first, got %v", res.Err)
	}
}

func TestApplyDialogReturnsUnknownDialogOnMiss(t *testing.T) {
	w := newTestWorker()
	res := syncRoundTrip(t, w, callrouter.Work{Kind: callrouter.WorkApplyDialog, Payload: "no-such-dialog"})
	if res.Err != callrouter.ErrUnknownDialog {
		t.Fatalf("expected ErrUnknownDialog, got %v", res.Err)
	}
}

func TestApplyTransactionReturnsUnknownTransactionOnMiss(t *testing.T) {
	w := newTestWorker()
	res := syncRoundTrip(t, w, callrouter.Work{Kind: callrouter.WorkApplyTransaction, Payload: "no-such-txn"})
	if res.Err != callrouter.ErrUnknownTransaction {
		t.Fatalf("expected ErrUnknownTransaction, got %v", res.Err)
	}
}

func TestGetAllTransactionsReflectsPriorSend(t *testing.T) {
	w := newTestWorker()
	syncRoundTrip(t, w, callrouter.Work{Kind: callrouter.WorkSend, Payload: "txn-1"})

	res := syncRoundTrip(t, w, callrouter.Work{Kind: callrouter.WorkGetAllTransactions})
	txns, ok := res.Value.([]TransactionInfo)
	if !ok {
		t.Fatalf("expected []TransactionInfo, got %T", res.Value)
	}
	if len(txns) != 1 || txns[0].ID != "txn-1" {
		t.Fatalf("expected transaction txn-1 to be recorded, got %+v", txns)
	}
}

func TestStopDialogTerminatesWorkerAndFiresDown(t *testing.T) {
	w := newTestWorker()

	downCh := make(chan callrouter.DownMsg, 1)
	w.Monitor(1, downCh)

	res := syncRoundTrip(t, w, callrouter.Work{Kind: callrouter.WorkStopDialog, Payload: "dialog-1"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	select {
	case down := <-downCh:
		if down.Err != nil {
			t.Fatalf("expected a clean termination, got %v", down.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a DownMsg after the worker processed stop_dialog")
	}
}

// TestMonitorAfterExitFiresImmediately exercises the already-dead-process
// semantic: a monitor registered after the worker has terminated must
// still receive exactly one DownMsg, synchronously, instead of silently
// registering against a worker nobody will ever notify again.
func TestMonitorAfterExitFiresImmediately(t *testing.T) {
	w := newTestWorker()

	syncRoundTrip(t, w, callrouter.Work{Kind: callrouter.WorkStopDialog, Payload: "dialog-1"})
	time.Sleep(20 * time.Millisecond) // let run() finish notifyDown

	downCh := make(chan callrouter.DownMsg, 1)
	w.Monitor(99, downCh)

	select {
	case down := <-downCh:
		if down.Ref != 99 {
			t.Fatalf("expected DownMsg for ref 99, got %d", down.Ref)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an immediate DownMsg for monitoring an already-dead worker")
	}
}

func TestAsyncWorkDoesNotBlockOnFullQueue(t *testing.T) {
	w := newTestWorker()
	for i := 0; i < 128; i++ {
		w.AsyncWork(callrouter.Work{Kind: callrouter.WorkIncomingResponse})
	}
}

func TestStopIsIdempotent(t *testing.T) {
	w := newTestWorker()
	downCh := make(chan callrouter.DownMsg, 1)
	w.Monitor(1, downCh)

	w.Stop()
	w.Stop() // must not panic on a second call

	select {
	case <-downCh:
	case <-time.After(time.Second):
		t.Fatal("expected DownMsg after Stop")
	}
}
