// Package objstore defines the contract the transfer-protocol core consumes
// from the object store. How objects are laid out on disk, indexed, and
// packed is out of scope; this package only names the operations the
// negotiator, pack inserter, receive engine, and connectivity checker call.
package objstore

import (
	"context"
	"errors"
	"io"

	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/objkind"
)

// RefUpdateResult is the outcome of a single ref mutation.
type RefUpdateResult int

const (
	RefUpdateOK RefUpdateResult = iota
	RefUpdateLockFailure
	RefUpdateRejected
	RefUpdateNonFastForward
)

func (r RefUpdateResult) String() string {
	switch r {
	case RefUpdateOK:
		return "ok"
	case RefUpdateLockFailure:
		return "lock failure"
	case RefUpdateRejected:
		return "rejected"
	case RefUpdateNonFastForward:
		return "non-fast forward"
	default:
		return "unknown"
	}
}

// ErrRefNotFound is returned by Resolve when the name has no value.
var ErrRefNotFound = errors.New("objstore: ref not found")

// RefUpdateCommand is one entry of a batch ref update.
type RefUpdateCommand struct {
	Name      string
	OldID     hash.Hash
	NewID     hash.Hash
	ExpectOld bool // if false, OldID is not checked against the current value
}

// PeeledRef pairs a ref's direct identity with the non-tag object it
// ultimately points at, when it names an annotated tag.
type PeeledRef struct {
	Name   string
	ID     hash.Hash
	Peeled hash.Hash // zero if Name does not name an annotated tag
}

// Opened is the result of Store.Open: the object's type, its decompressed
// size, and a stream of its content.
type Opened struct {
	Type objkind.Type
	Size int64
	Body io.ReadCloser
}

// PackLock scopes a single pack insertion. AcquireLock is keyed by the
// pack's content hash so concurrent insertions of the same pack serialize
// on one another rather than racing.
type PackLock interface {
	// Write appends raw object bytes belonging to this pack.
	Write(p []byte) (int, error)
	// Commit makes the pack's objects visible in the store. Only one of
	// Commit or Abort may be called, exactly once.
	Commit(ctx context.Context) error
	// Abort discards the lock and any partial files written under it.
	Abort(ctx context.Context) error
}

// PackInserter is the store's factory for pack insertion transactions.
type PackInserter interface {
	AcquireLock(ctx context.Context, packHash hash.Hash) (PackLock, error)
}

// Store is the full object-store contract consumed by this module.
type Store interface {
	// Has reports whether id is present, without opening it.
	Has(ctx context.Context, id hash.Hash) (bool, error)

	// Open returns the type, size, and a readable stream for id.
	// expectedType, if non-zero, is checked against the stored type.
	Open(ctx context.Context, id hash.Hash, expectedType objkind.Type) (*Opened, error)

	// Insert stores a loose object of the given type and returns its
	// identity.
	Insert(ctx context.Context, typ objkind.Type, content []byte) (hash.Hash, error)

	// NewPackInserter returns the factory for streaming pack insertion.
	NewPackInserter() PackInserter

	// Resolve looks up a single ref, returning ErrRefNotFound if absent.
	Resolve(ctx context.Context, refName string) (hash.Hash, error)

	// ExactRef resolves each of names, omitting any that do not exist.
	ExactRef(ctx context.Context, names ...string) (map[string]hash.Hash, error)

	// GetRefsByPrefix lists every ref whose name has the given prefix.
	GetRefsByPrefix(ctx context.Context, prefix string) ([]PeeledRef, error)

	// UpdateRef performs a single compare-and-swap ref update. expectOld
	// is false for an unconditional update (e.g. first creation).
	UpdateRef(ctx context.Context, name string, expectOld bool, oldID, newID hash.Hash) (RefUpdateResult, error)

	// BatchUpdate applies commands. When atomic is true, every command
	// must succeed or none are applied.
	BatchUpdate(ctx context.Context, commands []RefUpdateCommand, atomic bool) ([]RefUpdateResult, error)

	// Peel resolves name and, if it names an annotated tag, follows it to
	// the non-tag object it ultimately points at.
	Peel(ctx context.Context, name string) (PeeledRef, error)
}

// CommitNode is the minimal view of a commit the negotiator and
// connectivity checker need: its identity, parents, and author time (the
// timestamp on the author line; the committer time is not read), for
// graph walking.
type CommitNode struct {
	ID         hash.Hash
	Parents    []hash.Hash
	AuthorTime int64
}

// Walker is the commit-graph traversal contract. It is
// narrower than Store: it only parses, never mutates.
type Walker interface {
	// ParseAny returns the type of id without fully decoding its body.
	ParseAny(ctx context.Context, id hash.Hash) (objkind.Type, error)

	// ParseCommit returns id's parents and author time.
	ParseCommit(ctx context.Context, id hash.Hash) (*CommitNode, error)
}
