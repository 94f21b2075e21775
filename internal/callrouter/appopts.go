package callrouter

// appOptsCache memoizes AppOptionsSource lookups within a single shard.
//
// Deliberately monotonic: entries are added on first reference and never
// invalidated here (spec.md §4.3, §9 Open Questions). This mirrors the
// source's documented behavior — cache-until-restart — rather than
// inventing an invalidation policy the original system never had. If an
// application's options change, the owning supervisor is expected to
// restart the shard pool; this cache has no way to know otherwise.
type appOptsCache struct {
	entries map[string]AppOptions
}

func newAppOptsCache() *appOptsCache {
	return &appOptsCache{entries: make(map[string]AppOptions)}
}

// get returns the cached options for appID, or queries source on a miss
// and memoizes the result. Only called from the shard's own goroutine,
// so no locking is needed.
func (c *appOptsCache) get(source AppOptionsSource, appID string) (AppOptions, error) {
	if opts, ok := c.entries[appID]; ok {
		return opts, nil
	}
	opts, err := source.GetAppOpts(appID)
	if err != nil {
		return AppOptions{}, err
	}
	c.entries[appID] = opts
	return opts, nil
}
