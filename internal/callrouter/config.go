package callrouter

import "time"

// Global is the immutable per-shard configuration snapshotted at
// startup (spec.md §3 "global"). Every shard in a pool holds an
// identical copy; it is never mutated after construction.
type Global struct {
	GlobalID string

	MaxCalls int

	TransactionTimeout time.Duration
	DialogTimeout      time.Duration
	MaxDialogTime      time.Duration

	// SIP retransmission timers, RFC 3261 §17.1.1.1.
	T1 time.Duration
	T2 time.Duration
	T4 time.Duration
	C  time.Duration

	// SyncWorkTimeout bounds the outer send/sync_reply/... calls
	// (spec.md §4.5, §9 Open Questions: made configurable here, 5s by
	// default to match the source's hard-coded value).
	SyncWorkTimeout time.Duration
}

// DefaultGlobal returns the SIP-standard timer defaults used when a
// caller does not override them.
func DefaultGlobal() Global {
	return Global{
		GlobalID:           "nksip",
		MaxCalls:           100000,
		TransactionTimeout: 32 * time.Second,
		DialogTimeout:      12 * time.Hour,
		MaxDialogTime:      30 * time.Minute,
		T1:                 500 * time.Millisecond,
		T2:                 4 * time.Second,
		T4:                 5 * time.Second,
		C:                  180 * time.Second,
		SyncWorkTimeout:    5 * time.Second,
	}
}

// AppOptions is the effective, per-application configuration a worker is
// spawned with. The router treats its contents as opaque beyond the
// fields it needs for admission.
type AppOptions struct {
	AppID string
	Data  map[string]any
}

// AppOptionsSource resolves an AppId to its effective options, e.g. from
// a database, a config file, or an in-process registry populated at
// startup (spec.md §6 "To the application config source").
type AppOptionsSource interface {
	GetAppOpts(appID string) (AppOptions, error)
}

// ErrAppNotFound is returned by an AppOptionsSource when appID is not a
// registered application.
var ErrAppNotFound = ErrUnknownSipApp

// StaticAppOptionsSource is an in-memory AppOptionsSource, suitable for
// tests and for deployments whose application set is fixed at startup.
type StaticAppOptionsSource struct {
	apps map[string]AppOptions
}

// NewStaticAppOptionsSource builds a source from a fixed application
// list.
func NewStaticAppOptionsSource(apps ...AppOptions) *StaticAppOptionsSource {
	m := make(map[string]AppOptions, len(apps))
	for _, a := range apps {
		m[a.AppID] = a
	}
	return &StaticAppOptionsSource{apps: m}
}

// GetAppOpts implements AppOptionsSource.
func (s *StaticAppOptionsSource) GetAppOpts(appID string) (AppOptions, error) {
	opts, ok := s.apps[appID]
	if !ok {
		return AppOptions{}, ErrAppNotFound
	}
	return opts, nil
}
