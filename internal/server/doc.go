// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the origin registry that decides which upstream URLs may be cached.
// Handlers for the cache surface live in internal/proxy and are injected
// through AppOptions so tests can swap in recorders.
package server
