package chatsync

import "errors"

var (
	// ErrSessionClosed indicates that the owning session has been torn down.
	ErrSessionClosed = errors.New("chatsync: session closed")
	// ErrInvalidScope indicates that a scope key does not satisfy its invariants.
	ErrInvalidScope = errors.New("chatsync: invalid scope")
	// ErrNotFound indicates a point read miss at the remote store.
	ErrNotFound = errors.New("chatsync: record not found")
	// ErrStoreClosed indicates that a store connection is no longer usable.
	ErrStoreClosed = errors.New("chatsync: store closed")
	// ErrInvalidTarget indicates that a subscription target names neither a path nor a query.
	ErrInvalidTarget = errors.New("chatsync: invalid subscription target")
)
