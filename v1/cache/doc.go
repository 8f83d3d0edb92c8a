// Package cache provides an in-memory keyed cache of item groups. Each item
// may expire on its own and each key may carry an overall lifetime. Expired
// groups and items are evicted by a sweep that an internal interval loop runs
// every check interval once it has been started. The loop starts stopped
// unless the cache is created with WithAutoStart.
package cache
