// Package betree implements the B-epsilon routing and flushing tree of the
// write path.
//
// Internal nodes partition the identity-hash space with pivots and account
// buffered bytes per child; the messages themselves live in the shared
// message buffer. When a child's buffered share exceeds its budget the tree
// cascades, selecting leaves fullest-first and flushing their messages into
// durable segments.
package betree
