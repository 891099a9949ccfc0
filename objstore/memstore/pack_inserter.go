package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/objstore"
)

// packInserter is the store's objstore.PackInserter: it hands out one
// packLock per pack hash, so two insertions of the same pack content
// serialize on each other instead of racing.
type packInserter struct {
	store *Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (p *packInserter) AcquireLock(_ context.Context, packHash hash.Hash) (objstore.PackLock, error) {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	mu, ok := p.locks[packHash.String()]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[packHash.String()] = mu
	}
	p.mu.Unlock()

	mu.Lock()
	return &packLock{store: p.store, mu: mu, buf: &bytes.Buffer{}}, nil
}

// packLock buffers raw pack bytes in memory; Commit is where the actual
// object decoding would happen in a real store. Here the bytes themselves
// are not reinterpreted; the pack package calls Insert directly on the
// store for each decoded object, and the lock exists purely to serialize
// concurrent writers of the same pack content.
type packLock struct {
	store *Store
	mu    *sync.Mutex
	buf   *bytes.Buffer

	done bool
}

func (l *packLock) Write(p []byte) (int, error) {
	if l.done {
		return 0, fmt.Errorf("memstore: write after commit/abort")
	}
	return l.buf.Write(p)
}

func (l *packLock) Commit(_ context.Context) error {
	if l.done {
		return fmt.Errorf("memstore: double commit")
	}
	l.done = true
	l.mu.Unlock()
	return nil
}

func (l *packLock) Abort(_ context.Context) error {
	if l.done {
		return fmt.Errorf("memstore: double abort")
	}
	l.done = true
	l.buf.Reset()
	l.mu.Unlock()
	return nil
}
