// Package server hosts the Fiber HTTP service that serves the pinned release
// straight from the local cache. Requests under /-/ are reserved for
// diagnostics routes registered by the routes subpackage; everything else is
// resolved against the release entry directory.
package server
