// Package memstore is an in-memory objstore.Store and objstore.Walker: a
// map keyed on hex identity, guarded by a mutex for concurrent readers and
// serialized writers. It exists to exercise and test the negotiator, pack
// inserter, receive engine, and connectivity checker without a real
// on-disk store.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/objkind"
	"github.com/nanogit-core/gitcore/objstore"
)

type object struct {
	typ     objkind.Type
	content []byte
}

// Store is a concurrency-safe, in-memory implementation of objstore.Store
// and objstore.Walker.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	refs    map[string]hash.Hash
}

// New returns an empty store.
func New() *Store {
	return &Store{
		objects: make(map[string]object),
		refs:    make(map[string]hash.Hash),
	}
}

var _ objstore.Store = (*Store)(nil)
var _ objstore.Walker = (*Store)(nil)

func (s *Store) Has(_ context.Context, id hash.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id.String()]
	return ok, nil
}

func (s *Store) Open(_ context.Context, id hash.Hash, expectedType objkind.Type) (*objstore.Opened, error) {
	s.mu.RLock()
	obj, ok := s.objects[id.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memstore: object %s not found", id)
	}
	if expectedType != objkind.TypeInvalid && expectedType != obj.typ {
		return nil, fmt.Errorf("memstore: object %s has type %s, want %s", id, obj.typ, expectedType)
	}
	return &objstore.Opened{
		Type: obj.typ,
		Size: int64(len(obj.content)),
		Body: io.NopCloser(bytes.NewReader(obj.content)),
	}, nil
}

func (s *Store) Insert(_ context.Context, typ objkind.Type, content []byte) (hash.Hash, error) {
	id := hash.Sum(typ.String(), content)
	s.mu.Lock()
	s.objects[id.String()] = object{typ: typ, content: append([]byte(nil), content...)}
	s.mu.Unlock()
	return id, nil
}

// NewPackInserter returns a lock factory whose locks serialize insertion
// per pack name. They hold no objects themselves: the caller inserts
// through the Store while holding the lock, and Commit releases it.
func (s *Store) NewPackInserter() objstore.PackInserter {
	return &packInserter{store: s}
}

func (s *Store) Resolve(_ context.Context, refName string) (hash.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.refs[refName]
	if !ok {
		return hash.Zero, objstore.ErrRefNotFound
	}
	return id, nil
}

func (s *Store) ExactRef(_ context.Context, names ...string) (map[string]hash.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]hash.Hash)
	for _, name := range names {
		if id, ok := s.refs[name]; ok {
			out[name] = id
		}
	}
	return out, nil
}

func (s *Store) GetRefsByPrefix(_ context.Context, prefix string) ([]objstore.PeeledRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.refs))
	for name := range s.refs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]objstore.PeeledRef, 0, len(names))
	for _, name := range names {
		out = append(out, s.peelLocked(name))
	}
	return out, nil
}

func (s *Store) UpdateRef(_ context.Context, name string, expectOld bool, oldID, newID hash.Hash) (objstore.RefUpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRefLocked(name, expectOld, oldID, newID)
}

func (s *Store) updateRefLocked(name string, expectOld bool, oldID, newID hash.Hash) (objstore.RefUpdateResult, error) {
	if expectOld {
		current, ok := s.refs[name]
		if !ok {
			current = hash.Zero
		}
		if !current.Is(oldID) {
			return objstore.RefUpdateLockFailure, nil
		}
	}
	if newID.IsZero() {
		delete(s.refs, name)
	} else {
		s.refs[name] = newID
	}
	return objstore.RefUpdateOK, nil
}

func (s *Store) BatchUpdate(_ context.Context, commands []objstore.RefUpdateCommand, atomic bool) ([]objstore.RefUpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]objstore.RefUpdateResult, len(commands))
	if atomic {
		// Validate every command against the current state before
		// applying any of them, so the batch is all-or-nothing.
		for _, cmd := range commands {
			if cmd.ExpectOld {
				current, ok := s.refs[cmd.Name]
				if !ok {
					current = hash.Zero
				}
				if !current.Is(cmd.OldID) {
					for j := range results {
						results[j] = objstore.RefUpdateLockFailure
					}
					return results, nil
				}
			}
		}
	}

	for i, cmd := range commands {
		res, _ := s.updateRefLocked(cmd.Name, cmd.ExpectOld, cmd.OldID, cmd.NewID)
		results[i] = res
		if atomic && res != objstore.RefUpdateOK {
			// Should not happen: validated above.
			for j := range results {
				results[j] = objstore.RefUpdateLockFailure
			}
			return results, nil
		}
	}
	return results, nil
}

func (s *Store) Peel(_ context.Context, name string) (objstore.PeeledRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peelLocked(name), nil
}

func (s *Store) peelLocked(name string) objstore.PeeledRef {
	id := s.refs[name]
	ref := objstore.PeeledRef{Name: name, ID: id}

	seen := id.String()
	cur := id
	for {
		obj, ok := s.objects[cur.String()]
		if !ok || obj.typ != objkind.TypeTag {
			break
		}
		tag, err := objkind.ParseTag(obj.content)
		if err != nil {
			break
		}
		cur = tag.Object
		if cur.String() == seen {
			break // tag chain loops back to the ref's own target
		}
	}
	if !cur.Is(id) {
		ref.Peeled = cur
	}
	return ref
}

// ParseAny returns the stored type of id, satisfying objstore.Walker.
func (s *Store) ParseAny(_ context.Context, id hash.Hash) (objkind.Type, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id.String()]
	if !ok {
		return objkind.TypeInvalid, fmt.Errorf("memstore: object %s not found", id)
	}
	return obj.typ, nil
}

// ParseCommit decodes id's parent list and author time, satisfying
// objstore.Walker.
func (s *Store) ParseCommit(_ context.Context, id hash.Hash) (*objstore.CommitNode, error) {
	s.mu.RLock()
	obj, ok := s.objects[id.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memstore: object %s not found", id)
	}
	if obj.typ != objkind.TypeCommit {
		return nil, fmt.Errorf("memstore: object %s is not a commit", id)
	}
	commit, err := objkind.ParseCommit(obj.content)
	if err != nil {
		return nil, err
	}
	return &objstore.CommitNode{ID: id, Parents: commit.Parents, AuthorTime: commit.AuthorTime}, nil
}
