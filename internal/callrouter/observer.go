package callrouter

// Observer receives shard lifecycle events for metrics/logging without
// coupling the shard to a specific observability stack. internal/metrics
// implements this to feed Prometheus; tests can leave it nil.
type Observer interface {
	WorkerCreated(shardPos int)
	WorkerTerminated(shardPos int)
	AdmissionRejected(shardPos int, reason string)
	ReplayAttempted(shardPos int)
	PendingSize(shardPos int, n int)
}

type noopObserver struct{}

func (noopObserver) WorkerCreated(int)             {}
func (noopObserver) WorkerTerminated(int)          {}
func (noopObserver) AdmissionRejected(int, string) {}
func (noopObserver) ReplayAttempted(int)           {}
func (noopObserver) PendingSize(int, int)          {}
