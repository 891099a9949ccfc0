package pack

import (
	"io"

	"github.com/nanogit-core/gitcore/objkind"
)

// decodeObjectHeader reads a pack object's variable-length header: 3 bits
// of type and the remaining bits of size, extended in 7-bit groups with
// MSB continuation.
func decodeObjectHeader(r io.ByteReader) (objkind.Type, uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	typ := objkind.Type((b >> 4) & 0x7)
	size := uint64(b & 0x0f)
	shift := uint(4)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		size |= uint64(b&0x7f) << shift
		shift += 7
	}
	return typ, size, nil
}

// encodeObjectHeader is the inverse of decodeObjectHeader, used by the
// encoder to build a pack from an in-memory object set.
func encodeObjectHeader(typ objkind.Type, size uint64) []byte {
	b := byte(typ)<<4 | byte(size&0x0f)
	size >>= 4
	if size > 0 {
		b |= 0x80
	}
	out := []byte{b}
	for size > 0 {
		b = byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

// decodeOffsetDelta reads the variable-length negative offset that
// follows an OFS-delta object's type+size header. The encoding is
// not a plain base-128 integer: each continuation byte contributes
// "(offset+1)<<7 | low7", the canonical form git uses to avoid redundant
// encodings of the same offset.
func decodeOffsetDelta(r io.ByteReader) (int64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	offset := int64(b & 0x7f)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		offset = ((offset + 1) << 7) | int64(b&0x7f)
	}
	return offset, nil
}

// encodeOffsetDelta is the inverse of decodeOffsetDelta.
func encodeOffsetDelta(offset int64) []byte {
	var buf [10]byte
	i := len(buf)
	i--
	buf[i] = byte(offset & 0x7f)
	offset >>= 7
	for offset > 0 {
		offset--
		i--
		buf[i] = byte(offset&0x7f) | 0x80
		offset >>= 7
	}
	out := make([]byte, len(buf)-i)
	copy(out, buf[i:])
	for j := 0; j < len(out)-1; j++ {
		out[j] |= 0x80
	}
	return out
}
