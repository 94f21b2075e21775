package callrouter

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ShardPool is the fixed array of N router shards, spec.md §4.1. Shard
// selection is a pure function of CallId and never changes for the
// lifetime of the pool (spec.md §3 invariant 5): only *which Shard value*
// sits at a given index can change, when a supervisor goroutine rebuilds
// a shard that crashed (spec.md §7).
type ShardPool struct {
	mu     sync.RWMutex
	shards []*Shard

	superviseStop chan struct{}
}

// PoolOpts configures the whole pool. Counters and AppSource are shared
// across every shard (spec.md §5 "the only shared state is external
// services"); Factory spawns workers and AdmitRate, if non-zero,
// applies a per-shard token-bucket limiter on top of MaxCalls.
type PoolOpts struct {
	NumShards int
	Global    Global
	Counters  Counters
	AppSource AppOptionsSource
	Factory   WorkerFactory
	Observer  Observer
	Logger    zerolog.Logger
	AdmitRate  rate.Limit
	AdmitBurst int
}

// NewShardPool builds and starts NumShards shards.
func NewShardPool(opts PoolOpts) *ShardPool {
	if opts.NumShards <= 0 {
		opts.NumShards = 1
	}
	shards := make([]*Shard, opts.NumShards)
	for i := range shards {
		var limiter *rate.Limiter
		if opts.AdmitRate > 0 {
			limiter = rate.NewLimiter(opts.AdmitRate, opts.AdmitBurst)
		}
		shards[i] = NewShard(ShardOpts{
			Pos:          i,
			Global:       opts.Global,
			Counters:     opts.Counters,
			AppSource:    opts.AppSource,
			Factory:      opts.Factory,
			Observer:     opts.Observer,
			Logger:       opts.Logger,
			AdmitLimiter: limiter,
		})
	}
	pool := &ShardPool{shards: shards, superviseStop: make(chan struct{})}
	for i := range shards {
		go pool.superviseShard(i)
	}
	return pool
}

// superviseShard watches slot i's current shard and rebuilds it from the
// same ShardOpts whenever it exits from a panic rather than an
// intentional Close, implementing spec.md §7's "a panic inside the
// shard's own message handling must crash and restart the shard". This
// is the restart policy run's own doc comment defers to the pool for.
func (p *ShardPool) superviseShard(i int) {
	for {
		p.mu.RLock()
		s := p.shards[i]
		p.mu.RUnlock()

		select {
		case <-s.Done():
		case <-p.superviseStop:
			return
		}

		if s.Closing() {
			// Shutdown closed this shard on purpose; nothing to restart.
			return
		}

		replacement := NewShard(s.Opts())
		p.mu.Lock()
		p.shards[i] = replacement
		p.mu.Unlock()
	}
}

// NumShards returns N.
func (p *ShardPool) NumShards() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.shards)
}

// ShardFor deterministically picks the shard owning callID, per
// spec.md §4.1: shard(CallId) = shards[hash(CallId) mod N]. xxhash is a
// fast, stable, non-cryptographic hash — exactly what the spec asks
// for, and already present in the teacher's dependency closure.
func (p *ShardPool) ShardFor(callID string) *Shard {
	h := xxhash.Sum64String(callID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx := int(h % uint64(len(p.shards)))
	return p.shards[idx]
}

// Shard returns the shard at a given index, e.g. for tests that want to
// assert S2/S3/S4-style scenarios against a specific shard directly.
func (p *ShardPool) Shard(i int) *Shard {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shards[i]
}

// snapshotShards returns the current shard slice under lock, so folding
// operations below don't hold the pool lock while querying each shard.
func (p *ShardPool) snapshotShards() []*Shard {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Shard, len(p.shards))
	copy(out, p.shards)
	return out
}

// SubmitSync routes a synchronous work item to the shard owning
// key.CallID.
func (p *ShardPool) SubmitSync(ctx context.Context, key CallKey, work Work, origin Origin) error {
	return p.ShardFor(key.CallID).SubmitSync(ctx, key, work, origin)
}

// SubmitAsync routes a fire-and-forget work item to the shard owning
// key.CallID.
func (p *ShardPool) SubmitAsync(key CallKey, work Work) {
	p.ShardFor(key.CallID).SubmitAsync(key, work)
}

// IngestIncoming routes a raw message by the CallId it names.
func (p *ShardPool) IngestIncoming(ctx context.Context, msg RawMessage, origin Origin) error {
	_, key, err := msg.Classify()
	if err != nil {
		return ErrInvalidCall
	}
	return p.ShardFor(key.CallID).IngestIncoming(ctx, msg, origin)
}

// PendingWork folds pending_size() across every shard (spec.md §6).
func (p *ShardPool) PendingWork() int {
	total := 0
	for _, s := range p.snapshotShards() {
		total += s.PendingSize()
	}
	return total
}

// PendingMsgs is an alias over the same pending table spec.md §6 names
// separately (pending_work() and pending_msgs() both report on the
// pending table from the source system's point of view: in-flight sync
// handoffs not yet acknowledged).
func (p *ShardPool) PendingMsgs() int {
	return p.PendingWork()
}

// GetAllCalls folds the registry across every shard (spec.md §6).
func (p *ShardPool) GetAllCalls() []CallKey {
	var out []CallKey
	for _, s := range p.snapshotShards() {
		keys := s.query(func(s *Shard) any {
			ks := make([]CallKey, 0, len(s.registryFwd))
			for k := range s.registryFwd {
				ks = append(ks, k)
			}
			return ks
		}).([]CallKey)
		out = append(out, keys...)
	}
	return out
}

// GetAllData folds get_data() over every live worker across the pool
// (spec.md §6).
func (p *ShardPool) GetAllData() []any {
	var out []any
	for _, s := range p.snapshotShards() {
		data := s.query(func(s *Shard) any {
			vs := make([]any, 0, len(s.registryFwd))
			for _, w := range s.registryFwd {
				vs = append(vs, w.GetData())
			}
			return vs
		}).([]any)
		out = append(out, data...)
	}
	return out
}

// GetAllDialogs folds get_all_dialogs/2 over every live worker across
// the pool, i.e. get_all_dialogs/0 (spec.md §6).
func (p *ShardPool) GetAllDialogs() []any {
	var out []any
	for _, s := range p.snapshotShards() {
		vs := s.query(func(s *Shard) any {
			ls := make([]any, 0, len(s.registryFwd))
			for _, w := range s.registryFwd {
				ls = append(ls, w.ListDialogs())
			}
			return ls
		}).([]any)
		out = append(out, vs...)
	}
	return out
}

// GetAllSipMsgs folds get_all_sipmsgs/2 over every live worker across
// the pool, i.e. get_all_sipmsgs/0 (spec.md §6).
func (p *ShardPool) GetAllSipMsgs() []any {
	var out []any
	for _, s := range p.snapshotShards() {
		vs := s.query(func(s *Shard) any {
			ls := make([]any, 0, len(s.registryFwd))
			for _, w := range s.registryFwd {
				ls = append(ls, w.ListSipMsgs())
			}
			return ls
		}).([]any)
		out = append(out, vs...)
	}
	return out
}

// GetAllTransactions folds get_all_transactions/2 over every live
// worker across the pool, i.e. get_all_transactions/0 (spec.md §6).
func (p *ShardPool) GetAllTransactions() []any {
	var out []any
	for _, s := range p.snapshotShards() {
		vs := s.query(func(s *Shard) any {
			ls := make([]any, 0, len(s.registryFwd))
			for _, w := range s.registryFwd {
				ls = append(ls, w.ListTransactions())
			}
			return ls
		}).([]any)
		out = append(out, vs...)
	}
	return out
}

// ClearCalls stops every live worker across the pool (spec.md §6).
// Workers still terminate through the normal DOWN path; ClearCalls only
// requests the stop, it does not wait for the registry to drain.
func (p *ShardPool) ClearCalls() {
	for _, s := range p.snapshotShards() {
		s.query(func(s *Shard) any {
			for _, w := range s.registryFwd {
				w.Stop()
			}
			return nil
		})
	}
}

// Shutdown closes every shard's event loop. It does not stop live
// workers; callers that need a clean drain should ClearCalls first and
// wait for PendingWork/GetAllCalls to settle, bounded by ctx.
func (p *ShardPool) Shutdown(ctx context.Context) error {
	close(p.superviseStop)
	done := make(chan struct{})
	go func() {
		for _, s := range p.snapshotShards() {
			s.Close()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shard pool shutdown: %w", ctx.Err())
	}
}
