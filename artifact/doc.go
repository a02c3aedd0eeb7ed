// Package artifact provides implementations of the core.ArtifactStore port.
// The in-memory store suits tests and single-process runs; the cached
// subpackage wraps any store with an in-process read cache.
package artifact
