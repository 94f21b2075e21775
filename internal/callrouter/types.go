// Package callrouter implements the call router: a fixed pool of shards
// that bind every SIP message and API request to exactly one worker per
// (AppId, CallId), spawning, dispatching to, and reaping those workers.
package callrouter

import (
	"errors"
	"fmt"
)

// CallKey identifies a call by the application that owns it and the
// SIP Call-ID. Both fields are opaque to the router; CallId is only
// ever used as a bucket key, never interpreted.
type CallKey struct {
	AppID  string
	CallID string
}

func (k CallKey) String() string {
	return fmt.Sprintf("%s/%s", k.AppID, k.CallID)
}

// HandleID uniquely identifies a worker for the lifetime of that worker.
// Once a worker terminates its HandleID is never reused.
type HandleID uint64

// MonitorRef names a single outstanding monitor: either the long-lived
// registry monitor opened when a worker is created, or a per-work
// monitor opened on every sync dispatch (spec.md §4.3).
type MonitorRef uint64

// WorkKind tags the variant of Work being dispatched, one per public API
// call documented in spec.md §4.5.
type WorkKind int

const (
	WorkSend WorkKind = iota
	WorkSendDialog
	WorkCancel
	WorkSyncReply
	WorkAppReply
	WorkApplyDialog
	WorkApplySipMsg
	WorkApplyTransaction
	WorkStopDialog
	WorkGetAllDialogs
	WorkGetAllSipMsgs
	WorkGetAllTransactions
	WorkGetData
	WorkIncomingRequest
	WorkIncomingResponse
)

func (k WorkKind) String() string {
	switch k {
	case WorkSend:
		return "send"
	case WorkSendDialog:
		return "send_dialog"
	case WorkCancel:
		return "cancel"
	case WorkSyncReply:
		return "sync_reply"
	case WorkAppReply:
		return "app_reply"
	case WorkApplyDialog:
		return "apply_dialog"
	case WorkApplySipMsg:
		return "apply_sipmsg"
	case WorkApplyTransaction:
		return "apply_transaction"
	case WorkStopDialog:
		return "stop_dialog"
	case WorkGetAllDialogs:
		return "get_all_dialogs"
	case WorkGetAllSipMsgs:
		return "get_all_sipmsgs"
	case WorkGetAllTransactions:
		return "get_all_transactions"
	case WorkGetData:
		return "get_data"
	case WorkIncomingRequest:
		return "incoming_request"
	case WorkIncomingResponse:
		return "incoming_response"
	default:
		return "unknown"
	}
}

// Work is a single tagged request handed from a producer (API call,
// transport, timer) to a worker. Payload shape depends on Kind; the
// router never looks inside it, it only ever stores and forwards it.
type Work struct {
	Kind    WorkKind
	Payload any
}

// Result is what a worker eventually delivers to the origin of a
// synchronous Work item.
type Result struct {
	Value any
	Err   error
}

// Origin is the caller's reply channel for a synchronous dispatch. It is
// opaque to the shard: the shard only ever writes to it, once, either
// with the worker's eventual result or with a dispatch-time error.
type Origin interface {
	Reply(Result)
}

// Error kinds, spec.md §7.
var (
	ErrUnknownSipApp      = errors.New("unknown_sipapp")
	ErrTooManyCalls       = errors.New("too_many_calls")
	ErrTimeout            = errors.New("timeout")
	ErrUnknownDialog      = errors.New("unknown_dialog")
	ErrUnknownRequest     = errors.New("unknown_request")
	ErrUnknownSipMsg      = errors.New("unknown_sipmsg")
	ErrUnknownTransaction = errors.New("unknown_transaction")
	ErrInvalidCall        = errors.New("invalid_call")
)

// DownMsg is delivered to a shard when a monitored worker terminates.
// Ref distinguishes the long-lived registry monitor from a per-work
// monitor; the shard's handling differs accordingly (spec.md §4.4).
type DownMsg struct {
	Ref    MonitorRef
	Handle HandleID
	Err    error // nil on normal termination
}

// AckMsg is sent by a worker once it has accepted a sync Work item into
// its own internal queue (spec.md §4.3's sync_work_ok).
type AckMsg struct {
	Ref MonitorRef
}
