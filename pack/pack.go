// Package pack implements the packfile wire format: parsing a stream into
// object records, resolving OFS/REF deltas against their bases, and
// inserting the result into an object store through the PackLock contract.
// It also provides an encoder, used by tests and by any caller that needs
// to build a pack from an in-memory object set: a pack built from object
// set S parses back to S as a multiset of (type, bytes).
package pack

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/objkind"
	"github.com/nanogit-core/gitcore/objstore"
)

// Signature is the 4-byte magic every pack stream begins with.
const signature = "PACK"

// Supported pack versions.
const (
	minVersion = 2
	maxVersion = 3
)

var (
	ErrBadPackSignature       = errors.New("pack: bad signature")
	ErrUnsupportedPackVersion = errors.New("pack: unsupported version")
	ErrTruncatedPack          = errors.New("pack: truncated stream")
	ErrIncorrectHash          = errors.New("pack: trailer hash mismatch")
	ErrMalformedDelta         = errors.New("pack: malformed delta")
	ErrCyclicDeltaChain       = errors.New("pack: cyclic delta chain")
	ErrMissingBase            = errors.New("pack: delta base not found")
	ErrThinPackNotAllowed     = errors.New("pack: thin pack base resolution not allowed")
)

// Object is one fully-resolved object produced by parsing a pack.
type Object struct {
	ID      hash.Hash
	Type    objkind.Type
	Content []byte
}

// Options controls how a pack stream is parsed.
type Options struct {
	// Thin, when true, allows REF-delta bases that are not present in the
	// pack itself to be fetched from Store.
	Thin bool

	// Store supplies thin-pack bases and is where Insert writes resolved
	// objects. It may be nil if the caller only wants Parse's decoded
	// objects without inserting them.
	Store objstore.Store

	// Check, if non-nil, is called with every resolved object before
	// insertion. Any error it returns aborts the parse; no kind of error is
	// downgraded to a warning.
	Check func(Object) error
}

// Result is the outcome of parsing a pack stream.
type Result struct {
	// Objects holds every resolved object, whole or delta-derived.
	Objects []Object
	// PackHash is the pack's own trailer identity, used to key the
	// PackLock.
	PackHash hash.Hash
}

// rawEntry is a first-pass record: a whole object, or an unresolved delta
// awaiting its base.
type rawEntry struct {
	offset  int64
	typ     objkind.Type
	size    uint64
	content []byte    // populated for whole objects
	baseOff int64     // OFS-delta: offset of the base record
	baseID  hash.Hash // REF-delta: identity of the base object
}

// Parse reads a full pack stream from r, resolves every delta, optionally
// checks and inserts the result into opts.Store, and returns the resolved
// object set.
func Parse(ctx context.Context, r io.Reader, opts Options) (*Result, error) {
	hr := newTrailerHashReader(r)
	br := bufio.NewReaderSize(hr, 32*1024)

	count, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	entries := make([]*rawEntry, 0, count)
	byOffset := make(map[int64]*rawEntry, count)
	consumed := int64(12) // signature(4) + version(4) + count(4)

	for i := uint32(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		offset := consumed
		typ, size, hdrLen, err := readObjectHeader(br)
		if err != nil {
			return nil, fmt.Errorf("pack: object %d header: %w", i, err)
		}
		consumed += hdrLen

		entry := &rawEntry{offset: offset, typ: typ, size: size}

		switch typ {
		case objkind.TypeOfsDelta:
			negOffset, n, err := readOffsetDelta(br)
			if err != nil {
				return nil, fmt.Errorf("pack: object %d ofs-delta base: %w", i, err)
			}
			consumed += n
			entry.baseOff = offset - negOffset
			if entry.baseOff < 0 || entry.baseOff >= offset {
				return nil, fmt.Errorf("%w: offset delta points outside pack", ErrMalformedDelta)
			}

		case objkind.TypeRefDelta:
			idBytes := make([]byte, hash.Size)
			if _, err := io.ReadFull(br, idBytes); err != nil {
				return nil, fmt.Errorf("pack: object %d ref-delta base: %w", i, err)
			}
			consumed += int64(hash.Size)
			baseID, err := hash.FromBytes(idBytes)
			if err != nil {
				return nil, err
			}
			entry.baseID = baseID
		}

		payload, n, err := readZlibObject(br)
		if err != nil {
			return nil, fmt.Errorf("pack: object %d body: %w", i, err)
		}
		consumed += n
		entry.content = payload

		entries = append(entries, entry)
		byOffset[offset] = entry
	}

	trailerBytes := make([]byte, hash.Size)
	if _, err := io.ReadFull(br, trailerBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedPack, err)
	}
	trailer, err := hash.FromBytes(trailerBytes)
	if err != nil {
		return nil, err
	}
	if !trailer.Is(hr.RunningHash()) {
		return nil, ErrIncorrectHash
	}

	objects, err := resolveDeltas(ctx, entries, byOffset, opts)
	if err != nil {
		return nil, err
	}

	for i := range objects {
		if opts.Check != nil {
			if err := opts.Check(objects[i]); err != nil {
				return nil, fmt.Errorf("pack: object check failed for %s: %w", objects[i].ID, err)
			}
		}
	}

	if opts.Store != nil {
		if err := insertAll(ctx, opts.Store, trailer, objects); err != nil {
			return nil, err
		}
	}

	return &Result{Objects: objects, PackHash: trailer}, nil
}

func readHeader(br *bufio.Reader) (uint32, error) {
	sig := make([]byte, 4)
	if _, err := io.ReadFull(br, sig); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadPackSignature, err)
	}
	if string(sig) != signature {
		return 0, ErrBadPackSignature
	}

	var version uint32
	if err := binary.Read(br, binary.BigEndian, &version); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncatedPack, err)
	}
	if version < minVersion || version > maxVersion {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedPackVersion, version)
	}

	var count uint32
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncatedPack, err)
	}
	return count, nil
}

// readObjectHeader decodes the type+size header and reports how many bytes
// it consumed, since the caller must track the object's pack offset for
// OFS-delta resolution.
func readObjectHeader(br *bufio.Reader) (objkind.Type, uint64, int64, error) {
	var n int64
	countingByte := func() (byte, error) {
		b, err := br.ReadByte()
		if err == nil {
			n++
		}
		return b, err
	}
	typ, size, err := decodeObjectHeader(byteReaderFunc(countingByte))
	return typ, size, n, err
}

func readOffsetDelta(br *bufio.Reader) (int64, int64, error) {
	var n int64
	countingByte := func() (byte, error) {
		b, err := br.ReadByte()
		if err == nil {
			n++
		}
		return b, err
	}
	off, err := decodeOffsetDelta(byteReaderFunc(countingByte))
	return off, n, err
}

// byteReaderFunc adapts a function to io.ByteReader.
type byteReaderFunc func() (byte, error)

func (f byteReaderFunc) ReadByte() (byte, error) { return f() }

// readZlibObject decompresses one concatenated zlib stream from br and
// reports the number of compressed bytes consumed. Multiple objects' zlib
// streams are back-to-back in the same underlying reader with no length
// prefix; the zlib reader itself determines where its stream ends. The
// consumed count comes from a counting wrapper placed between br and the
// zlib reader, since bufio.Reader does not expose total bytes read and the
// caller needs the exact compressed length for OFS-delta offset bookkeeping.
func readZlibObject(br *bufio.Reader) ([]byte, int64, error) {
	cr := &countingReader{r: br}
	zr, err := zlib.NewReader(cr)
	if err != nil {
		return nil, 0, err
	}
	content, err := io.ReadAll(zr)
	if err != nil {
		zr.Close()
		return nil, 0, err
	}
	if err := zr.Close(); err != nil {
		return nil, 0, err
	}
	return content, cr.n, nil
}

// countingReader tracks bytes pulled through it, used to measure exactly how
// much of br a nested zlib reader consumed. It forwards ReadByte to the
// underlying *bufio.Reader so flate.NewReader recognizes it as a byteReader
// and reads byte-at-a-time instead of wrapping it in a fresh buffered
// reader of its own; without this, flate's internal buffering would pull
// ahead past the end of this object's deflate stream and into the next
// object's header, corrupting the offset bookkeeping OFS-delta resolution
// depends on.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}
