// Package connectivity implements the Connectivity Checker:
// after a pack is parsed, verifies that the resulting object graph is
// self-contained with respect to the set of "haves" the peer is assumed to
// already hold.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/objkind"
	"github.com/nanogit-core/gitcore/objstore"
)

// ErrMissingObject is the sentinel MissingObjectError wraps, for
// errors.Is(err, ErrMissingObject) checks that don't need the object's
// identity or kind.
var ErrMissingObject = errors.New("connectivity: missing object")

// MissingObjectError names the object the walk expected to find but
// didn't. Kind is TypeCommit for a commit rejected under
// StrictReachableObjects; for an object absent from the store it is
// TypeInvalid, since the walk does not track which kind a reference expects.
type MissingObjectError struct {
	ID   hash.Hash
	Kind objkind.Type
}

func (e *MissingObjectError) Error() string {
	return fmt.Sprintf("connectivity: missing %s object %s", e.Kind, e.ID)
}

func (e *MissingObjectError) Is(target error) bool { return target == ErrMissingObject }

// Options configures a single walk.
type Options struct {
	// StrictReachableObjects requires every commit the walk visits to be
	// one of the objects the incoming pack just contributed, not merely
	// resident in the store from before: a commit that is reachable but
	// not in the new pack is reported as MissingObject(commit).
	StrictReachableObjects bool

	// PackObjects is the set of identities the incoming pack contributed,
	// keyed by hex string. Required when StrictReachableObjects is true.
	PackObjects map[string]bool
}

// Check walks the object graph from every root, treating every identity in
// haves as uninteresting, and verifies every object visited that is not
// uninteresting is present in store. The walk stops at a have; an ancestor
// of a have is not marked and is still visited if another path reaches it.
func Check(ctx context.Context, store objstore.Store, roots, haves []hash.Hash, opts Options) error {
	uninteresting := make(map[string]bool, len(haves))
	for _, h := range haves {
		uninteresting[h.String()] = true
	}

	visited := make(map[string]bool)
	queue := append([]hash.Hash(nil), roots...)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		id := queue[0]
		queue = queue[1:]
		key := id.String()
		if id.IsZero() || visited[key] || uninteresting[key] {
			continue
		}
		visited[key] = true

		has, err := store.Has(ctx, id)
		if err != nil {
			return err
		}
		if !has {
			return &MissingObjectError{ID: id, Kind: objkind.TypeInvalid}
		}

		children, typ, err := expand(ctx, store, id)
		if err != nil {
			return err
		}

		if typ == objkind.TypeCommit && opts.StrictReachableObjects && !opts.PackObjects[key] {
			return &MissingObjectError{ID: id, Kind: objkind.TypeCommit}
		}

		queue = append(queue, children...)
	}
	return nil
}

// CheckConnected first tries Check against narrowHaves (the haves
// actually referenced by the incoming commands' parent links or pre-update
// old identities) and only falls back to the full advertised-haves set if
// that proves insufficient: most
// pushes update a handful of refs, so the narrow set avoids an
// O(advertised-refs) walk in the common case.
func CheckConnected(ctx context.Context, store objstore.Store, roots, narrowHaves, fullHaves []hash.Hash, opts Options) error {
	err := Check(ctx, store, roots, narrowHaves, opts)
	if err == nil {
		return nil
	}
	var missing *MissingObjectError
	if !errors.As(err, &missing) {
		return err
	}
	return Check(ctx, store, roots, fullHaves, opts)
}

// expand opens id and returns the identities it directly references, along
// with its resolved type. A blob has no children.
func expand(ctx context.Context, store objstore.Store, id hash.Hash) ([]hash.Hash, objkind.Type, error) {
	opened, err := store.Open(ctx, id, objkind.TypeInvalid)
	if err != nil {
		return nil, objkind.TypeInvalid, err
	}
	body, err := io.ReadAll(opened.Body)
	closeErr := opened.Body.Close()
	if err != nil {
		return nil, objkind.TypeInvalid, err
	}
	if closeErr != nil {
		return nil, objkind.TypeInvalid, closeErr
	}

	switch opened.Type {
	case objkind.TypeCommit:
		commit, err := objkind.ParseCommit(body)
		if err != nil {
			return nil, objkind.TypeInvalid, fmt.Errorf("connectivity: parsing commit %s: %w", id, err)
		}
		children := make([]hash.Hash, 0, 1+len(commit.Parents))
		children = append(children, commit.Tree)
		children = append(children, commit.Parents...)
		return children, objkind.TypeCommit, nil

	case objkind.TypeTree:
		tree, err := objkind.ParseTree(body)
		if err != nil {
			return nil, objkind.TypeInvalid, fmt.Errorf("connectivity: parsing tree %s: %w", id, err)
		}
		children := make([]hash.Hash, 0, len(tree.Entries))
		for _, e := range tree.Entries {
			children = append(children, e.ID)
		}
		return children, objkind.TypeTree, nil

	case objkind.TypeTag:
		tag, err := objkind.ParseTag(body)
		if err != nil {
			return nil, objkind.TypeInvalid, fmt.Errorf("connectivity: parsing tag %s: %w", id, err)
		}
		return []hash.Hash{tag.Object}, objkind.TypeTag, nil

	default:
		return nil, opened.Type, nil
	}
}
