// Package store is the in-memory, bounded per-key history of accepted bus
// frames. It is created empty by the composition root, mutated only through
// Append, and discarded at shutdown; nothing is persisted.
package store
