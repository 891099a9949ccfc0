package pack

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/singleflight"

	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/objkind"
	"github.com/nanogit-core/gitcore/objstore"
)

// insertGroup collapses concurrent insertions of the same pack (identified
// by its trailer hash) into one: two pushes racing to land an identical
// pack (a retried client, or a mirror fetching the same pack two ways)
// share a single PackLock acquisition instead of contending for it.
var insertGroup singleflight.Group

// resolveDeltas resolves every entry parsed from a pack stream into a
// fully-materialized Object, breadth-first from whole objects outward.
//
// Whole objects seed the resolved set; each pass over the remaining deltas
// applies any whose base has since become resolved, until a pass makes no
// progress. What is left at that point is either a cycle or a base this
// pack cannot supply.
func resolveDeltas(ctx context.Context, entries []*rawEntry, byOffset map[int64]*rawEntry, opts Options) ([]Object, error) {
	resolvedByOffset := make(map[int64]Object, len(entries))
	resolvedByID := make(map[string]Object, len(entries))

	var pending []*rawEntry
	for _, e := range entries {
		if e.typ.IsDelta() {
			pending = append(pending, e)
			continue
		}
		obj := Object{ID: hash.Sum(e.typ.String(), e.content), Type: e.typ, Content: e.content}
		resolvedByOffset[e.offset] = obj
		resolvedByID[obj.ID.String()] = obj
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var stillPending []*rawEntry
		progressed := false
		for _, e := range pending {
			base, ok, err := findBase(ctx, e, resolvedByOffset, resolvedByID, opts)
			if err != nil {
				return nil, err
			}
			if !ok {
				stillPending = append(stillPending, e)
				continue
			}

			content, err := applyDelta(base.Content, e.content)
			if err != nil {
				return nil, fmt.Errorf("pack: applying delta at offset %d: %w", e.offset, err)
			}
			obj := Object{ID: hash.Sum(base.Type.String(), content), Type: base.Type, Content: content}
			resolvedByOffset[e.offset] = obj
			resolvedByID[obj.ID.String()] = obj
			progressed = true
		}

		if !progressed {
			return nil, classifyUnresolved(ctx, stillPending, opts)
		}
		pending = stillPending
	}

	objects := make([]Object, len(entries))
	for i, e := range entries {
		objects[i] = resolvedByOffset[e.offset]
	}
	return objects, nil
}

// findBase looks up the base object for a delta entry, resolving a thin
// REF-delta base from opts.Store when the base is absent from the pack
// itself and thin-pack resolution is enabled.
func findBase(ctx context.Context, e *rawEntry, resolvedByOffset map[int64]Object, resolvedByID map[string]Object, opts Options) (Object, bool, error) {
	switch e.typ {
	case objkind.TypeOfsDelta:
		obj, ok := resolvedByOffset[e.baseOff]
		return obj, ok, nil

	case objkind.TypeRefDelta:
		if obj, ok := resolvedByID[e.baseID.String()]; ok {
			return obj, true, nil
		}
		if !opts.Thin || opts.Store == nil {
			return Object{}, false, nil
		}
		has, err := opts.Store.Has(ctx, e.baseID)
		if err != nil {
			return Object{}, false, err
		}
		if !has {
			return Object{}, false, nil
		}
		opened, err := opts.Store.Open(ctx, e.baseID, objkind.TypeInvalid)
		if err != nil {
			return Object{}, false, err
		}
		content, err := io.ReadAll(opened.Body)
		closeErr := opened.Body.Close()
		if err != nil {
			return Object{}, false, err
		}
		if closeErr != nil {
			return Object{}, false, closeErr
		}
		// Cache the fetched base so later passes (and sibling deltas
		// sharing the same base) don't refetch it; it is discarded with
		// the rest of resolvedByID once resolveDeltas returns.
		base := Object{ID: e.baseID, Type: opened.Type, Content: content}
		resolvedByID[base.ID.String()] = base
		return base, true, nil

	default:
		return Object{}, false, fmt.Errorf("pack: entry at offset %d has non-delta type %s in resolution", e.offset, e.typ)
	}
}

// classifyUnresolved distinguishes a genuinely cyclic delta chain from a
// REF-delta base this pack is not allowed, or not able, to supply.
func classifyUnresolved(ctx context.Context, pending []*rawEntry, opts Options) error {
	for _, e := range pending {
		if e.typ != objkind.TypeRefDelta {
			continue // an unresolved OFS-delta base always exists in-pack; this is a cycle
		}
		if !opts.Thin {
			return fmt.Errorf("%w: %s", ErrThinPackNotAllowed, e.baseID)
		}
		if opts.Store != nil {
			has, err := opts.Store.Has(ctx, e.baseID)
			if err != nil {
				return err
			}
			if !has {
				return fmt.Errorf("%w: %s", ErrMissingBase, e.baseID)
			}
		}
	}
	return ErrCyclicDeltaChain
}

// insertAll commits every resolved object to store under a single PackLock
// keyed by the pack's trailer hash, aborting the lock on the first failure.
// Concurrent calls for the same packHash share one insertion via insertGroup.
func insertAll(ctx context.Context, store objstore.Store, packHash hash.Hash, objects []Object) error {
	_, err, _ := insertGroup.Do(packHash.String(), func() (interface{}, error) {
		return nil, doInsertAll(ctx, store, packHash, objects)
	})
	return err
}

func doInsertAll(ctx context.Context, store objstore.Store, packHash hash.Hash, objects []Object) error {
	lock, err := store.NewPackInserter().AcquireLock(ctx, packHash)
	if err != nil {
		return fmt.Errorf("pack: acquiring lock for %s: %w", packHash, err)
	}

	for _, obj := range objects {
		if _, err := store.Insert(ctx, obj.Type, obj.Content); err != nil {
			_ = lock.Abort(ctx)
			return fmt.Errorf("pack: inserting %s: %w", obj.ID, err)
		}
	}

	if err := lock.Commit(ctx); err != nil {
		return fmt.Errorf("pack: committing pack %s: %w", packHash, err)
	}
	return nil
}
