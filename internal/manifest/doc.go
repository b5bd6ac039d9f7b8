// Package manifest persists the engine's segment catalog.
//
// A manifest version is an immutable JSON blob listing every live segment
// descriptor and the durable epoch frontier. Commits write a new version and
// then flip the CURRENT pointer, so readers always load a complete catalog.
// The durable epoch recorded by a commit is what licenses write-ahead log
// pruning.
package manifest
