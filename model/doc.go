// Package model defines the shared value types of the write path: vector
// entries, buffered messages, locations, and segment descriptors.
//
// The types here are deliberately plain data. Behavior lives in the owning
// subsystems (msgbuf, betree, latestbyid).
package model
