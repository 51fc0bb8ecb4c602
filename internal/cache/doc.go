// Package cache implements the two-tier response cache shared by every domain
// manager.
//
// The memory tier is a per-process accelerator; the disk tier is
// authoritative and survives restarts. Keys have the form "namespace:name",
// where the namespace is the entity type ("devices", "routines", ...). Each
// namespace has its own locks and its own directory on disk, so unrelated
// managers never contend. Disk writes go to a temp file that is renamed into
// place while holding an advisory file lock, which keeps concurrent CLI
// invocations from corrupting entries.
//
// TTL is evaluated lazily on read. Expired entries are not served by Get but
// remain available to GetStale for degraded-mode fallbacks.
package cache
