// Package cache defines the on-disk layout of cached releases: one directory
// per manifest version under AppDir, each holding the extracted tarball plus a
// manifest.json sidecar. The store exposes existence checks, staging
// directories and an atomic commit (rename into place) so a reader never sees a
// half-extracted version. Directory existence is the only cache-hit signal;
// there is no checksum or staleness check.
package cache
