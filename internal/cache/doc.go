// Package cache implements a two-tier object cache for network-fetched
// resources. Items live in a bounded in-process memory tier and in a disk tier
// rooted at a single directory (<root>/<stable-key>.<ext>). The disk tier keeps
// a live index of size and last access per entry, rebuilt from file metadata at
// startup, and sweeps itself back under budget by age first and then by size.
//
// Cache is the entry point: it resolves a key memory → disk → network and
// backfills the faster tiers. Network access goes through the coalescing
// fetcher in internal/fetch so concurrent loads of one URL share one request.
package cache
