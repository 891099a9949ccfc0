// Package hash implements the 20-byte content-addressed object identity
// used throughout the object store: commits, trees, blobs, and tags are all
// named by the SHA-1 hash of their serialized form.
package hash

import (
	"crypto/sha1" //nolint:gosec // object identity is SHA-1 by protocol definition, not a security boundary.
	"encoding/hex"
	"errors"
	stdhash "hash"
	"slices"
)

// Size is the length in bytes of an object identity.
const Size = 20

// Zero is the all-zeros identity used on the wire to mean "no object" (e.g.
// the old-id of a ref creation, or the new-id of a ref deletion). It is a
// real Size-byte value so it renders as 40 hex zeros on the wire.
var Zero = make(Hash, Size)

// ErrInvalidLength is returned when a byte slice or hex string does not
// decode to exactly Size bytes.
var ErrInvalidLength = errors.New("hash: invalid length")

// Hash is a 20-byte object identity. Two identities compare by byte value.
type Hash []byte

// FromHex decodes a 40-character lowercase hex string into a Hash. An empty
// string decodes to Zero.
func FromHex(hs string) (Hash, error) {
	if len(hs) == 0 {
		return Zero, nil
	}
	if len(hs) != Size*2 {
		return nil, ErrInvalidLength
	}

	b, err := hex.DecodeString(hs)
	if err != nil {
		return nil, err
	}
	return Hash(b), nil
}

// MustFromHex is like FromHex but panics on error. Intended for tests and
// other call sites where the hex string is known-valid (e.g. literals).
func MustFromHex(hs string) Hash {
	h, err := FromHex(hs)
	if err != nil {
		panic(err)
	}
	return h
}

// FromBytes copies a raw 20-byte identity.
func FromBytes(b []byte) (Hash, error) {
	if len(b) != Size {
		return nil, ErrInvalidLength
	}
	out := make(Hash, Size)
	copy(out, b)
	return out, nil
}

// IsZero reports whether h is the all-zeros identity.
func (h Hash) IsZero() bool {
	return h.Is(Zero)
}

// String returns the 40-character lowercase hex representation. A nil Hash
// renders as the zero identity.
func (h Hash) String() string {
	return hex.EncodeToString(padded(h))
}

// Is reports whether h and other name the same object.
func (h Hash) Is(other Hash) bool {
	return slices.Equal(padded(h), padded(other))
}

// Less orders hashes by byte value, for use as a map/sort key.
func (h Hash) Less(other Hash) bool {
	return slices.Compare(padded(h), padded(other)) < 0
}

// padded normalizes a nil Hash to the Size-byte zero identity, so nil and
// an all-zero value decoded from the wire compare equal.
func padded(h Hash) Hash {
	if len(h) == 0 {
		return Zero
	}
	return h
}

// Sum computes the object identity of a type-tagged, length-prefixed
// serialized object: "<type> <len>\x00<content>".
func Sum(typeTag string, content []byte) Hash {
	hasher := New()
	hasher.Write([]byte(typeTag))
	hasher.Write([]byte(" "))
	hasher.Write([]byte(itoa(len(content))))
	hasher.Write([]byte{0})
	hasher.Write(content)
	return hasher.Sum()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Hasher incrementally computes an object identity, e.g. while streaming a
// pack trailer or a new blob's content through a writer.
type Hasher struct {
	stdhash.Hash
}

// New returns a fresh Hasher.
func New() *Hasher {
	return &Hasher{Hash: sha1.New()} //nolint:gosec // see Size/Sum comment above.
}

// Sum returns the current running hash without resetting state.
func (h *Hasher) Sum() Hash {
	return Hash(h.Hash.Sum(nil))
}
