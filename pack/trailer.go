package pack

import (
	"io"

	"github.com/nanogit-core/gitcore/hash"
)

// trailerHashReader wraps a pack byte stream and incrementally computes the
// SHA-1 over every byte except the final hash.Size of them, which form the
// pack's own trailer hash. It delays feeding the trailing window into the
// running hash until enough subsequent bytes have arrived to know they are
// not part of the trailer, so it is correct regardless of how much
// read-ahead any buffering reader layered on top performs.
type trailerHashReader struct {
	r      io.Reader
	hasher *hash.Hasher
	window []byte
}

func newTrailerHashReader(r io.Reader) *trailerHashReader {
	return &trailerHashReader{r: r, hasher: hash.New()}
}

func (t *trailerHashReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.window = append(t.window, p[:n]...)
		if len(t.window) > hash.Size {
			feed := len(t.window) - hash.Size
			t.hasher.Write(t.window[:feed])
			t.window = append([]byte(nil), t.window[feed:]...)
		}
	}
	return n, err
}

// RunningHash returns the hash of every byte read so far except the last
// hash.Size of them. Valid only once the full stream, including the
// trailer, has been read.
func (t *trailerHashReader) RunningHash() hash.Hash {
	return t.hasher.Sum()
}
