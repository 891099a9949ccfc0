package pack

import (
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/nanogit-core/gitcore/hash"
)

// Build serializes objs into a version-2 pack stream and returns its
// trailer identity. Every object is written whole: this encoder exists for
// round-tripping an object set and for feeding test fixtures, not for
// space-efficient transfer, so it makes no attempt at delta compression.
func Build(w io.Writer, objs []Object) (hash.Hash, error) {
	hw := &hashingWriter{w: w, hasher: hash.New()}

	header := make([]byte, 12)
	copy(header[0:4], signature)
	binary.BigEndian.PutUint32(header[4:8], minVersion)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(objs)))
	if _, err := hw.Write(header); err != nil {
		return nil, err
	}

	for _, obj := range objs {
		if err := writeObject(hw, obj); err != nil {
			return nil, err
		}
	}

	trailer := hw.hasher.Sum()
	if _, err := w.Write(trailer); err != nil {
		return nil, err
	}
	return trailer, nil
}

// hashingWriter mirrors every byte written to w into a running hash, so
// Build can compute the trailer without a second pass over the stream.
type hashingWriter struct {
	w      io.Writer
	hasher *hash.Hasher
}

func (h *hashingWriter) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	if n > 0 {
		h.hasher.Write(p[:n])
	}
	return n, err
}

func writeObject(w io.Writer, obj Object) error {
	hdr := encodeObjectHeader(obj.Type, uint64(len(obj.Content)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}

	zw := zlib.NewWriter(w)
	if _, err := zw.Write(obj.Content); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
