package pack

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"

	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/objkind"
	"github.com/nanogit-core/gitcore/objstore/memstore"
)

// rawPackBuilder assembles a pack stream by hand, including delta entries
// Build never emits, so resolution can be exercised directly.
type rawPackBuilder struct {
	buf bytes.Buffer
}

func newRawPackBuilder(count uint32) *rawPackBuilder {
	b := &rawPackBuilder{}
	b.buf.WriteString(signature)
	binary.Write(&b.buf, binary.BigEndian, uint32(minVersion))
	binary.Write(&b.buf, binary.BigEndian, count)
	return b
}

func (b *rawPackBuilder) offset() int64 { return int64(b.buf.Len()) }

func (b *rawPackBuilder) writeZlib(payload []byte) {
	zw := zlib.NewWriter(&b.buf)
	_, err := zw.Write(payload)
	if err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
}

func (b *rawPackBuilder) writeWhole(typ objkind.Type, content []byte) int64 {
	off := b.offset()
	b.buf.Write(encodeObjectHeader(typ, uint64(len(content))))
	b.writeZlib(content)
	return off
}

func (b *rawPackBuilder) writeOfsDelta(baseOffset int64, payload []byte) int64 {
	off := b.offset()
	b.buf.Write(encodeObjectHeader(objkind.TypeOfsDelta, uint64(len(payload))))
	b.buf.Write(encodeOffsetDelta(off - baseOffset))
	b.writeZlib(payload)
	return off
}

func (b *rawPackBuilder) writeRefDelta(baseID hash.Hash, payload []byte) int64 {
	off := b.offset()
	b.buf.Write(encodeObjectHeader(objkind.TypeRefDelta, uint64(len(payload))))
	b.buf.Write(baseID)
	b.writeZlib(payload)
	return off
}

// finish appends the trailer hash and returns the complete stream.
func (b *rawPackBuilder) finish() []byte {
	h := hash.New()
	h.Write(b.buf.Bytes())
	return append(append([]byte(nil), b.buf.Bytes()...), h.Sum()...)
}

func deltaPayload(t *testing.T, base, target []byte) []byte {
	t.Helper()
	return encodeCopyInsert(base, target)
}

func TestObjectHeaderRoundTrip(t *testing.T) {
	sizes := []uint64{0, 15, 16, 127, 128, 1 << 20, 1<<35 + 7}
	for _, size := range sizes {
		encoded := encodeObjectHeader(objkind.TypeBlob, size)
		typ, decodedSize, err := decodeObjectHeader(bytes.NewReader(encoded))
		require.NoError(t, err)
		require.Equal(t, objkind.TypeBlob, typ)
		require.Equal(t, size, decodedSize)
	}
}

func TestOffsetDeltaRoundTrip(t *testing.T) {
	offsets := []int64{0, 1, 126, 127, 128, 16383, 16384, 1 << 24}
	for _, off := range offsets {
		encoded := encodeOffsetDelta(off)
		decoded, err := decodeOffsetDelta(bytes.NewReader(encoded))
		require.NoError(t, err)
		require.Equal(t, off, decoded)
	}
}

func TestDeltaSizeRoundTrip(t *testing.T) {
	sizes := []uint64{0, 1, 127, 128, 1 << 20}
	for _, size := range sizes {
		encoded := encodeDeltaSize(size)
		decoded, rest, err := decodeDeltaSize(encoded)
		require.NoError(t, err)
		require.Equal(t, size, decoded)
		require.Empty(t, rest)
	}
}

func TestApplyDeltaReconstructsTarget(t *testing.T) {
	base := []byte("the quick brown fox")
	target := []byte("the slow brown ox, definitely")
	payload := deltaPayload(t, base, target)

	got, err := applyDelta(base, payload)
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestBuildParseRoundTrip(t *testing.T) {
	objs := []Object{
		{ID: hash.Sum("blob", []byte("hello")), Type: objkind.TypeBlob, Content: []byte("hello")},
		{ID: hash.Sum("blob", []byte("world")), Type: objkind.TypeBlob, Content: []byte("world")},
	}

	var buf bytes.Buffer
	trailer, err := Build(&buf, objs)
	require.NoError(t, err)

	result, err := Parse(context.Background(), &buf, Options{})
	require.NoError(t, err)
	require.True(t, result.PackHash.Is(trailer))
	require.ElementsMatch(t, objs, result.Objects)
}

func TestParseInsertsIntoStore(t *testing.T) {
	store := memstore.New()
	objs := []Object{
		{ID: hash.Sum("blob", []byte("payload")), Type: objkind.TypeBlob, Content: []byte("payload")},
	}

	var buf bytes.Buffer
	_, err := Build(&buf, objs)
	require.NoError(t, err)

	_, err = Parse(context.Background(), &buf, Options{Store: store})
	require.NoError(t, err)

	has, err := store.Has(context.Background(), objs[0].ID)
	require.NoError(t, err)
	require.True(t, has)
}

func TestParseResolvesOfsDelta(t *testing.T) {
	base := []byte("the quick brown fox jumps")
	target := []byte("the quick brown fox leaps twice")

	b := newRawPackBuilder(2)
	baseOff := b.writeWhole(objkind.TypeBlob, base)
	b.writeOfsDelta(baseOff, deltaPayload(t, base, target))
	stream := b.finish()

	result, err := Parse(context.Background(), bytes.NewReader(stream), Options{})
	require.NoError(t, err)
	require.Len(t, result.Objects, 2)

	var resolvedTarget *Object
	for i := range result.Objects {
		if bytes.Equal(result.Objects[i].Content, target) {
			resolvedTarget = &result.Objects[i]
		}
	}
	require.NotNil(t, resolvedTarget)
	require.Equal(t, objkind.TypeBlob, resolvedTarget.Type)
	require.True(t, resolvedTarget.ID.Is(hash.Sum("blob", target)))
}

func TestParseResolvesThinRefDelta(t *testing.T) {
	store := memstore.New()
	base := []byte("base content resident in the store already")
	baseID, err := store.Insert(context.Background(), objkind.TypeBlob, base)
	require.NoError(t, err)

	target := []byte("base content resident in the store, changed")

	b := newRawPackBuilder(1)
	b.writeRefDelta(baseID, deltaPayload(t, base, target))
	stream := b.finish()

	result, err := Parse(context.Background(), bytes.NewReader(stream), Options{Thin: true, Store: store})
	require.NoError(t, err)
	require.Len(t, result.Objects, 1)
	require.Equal(t, target, result.Objects[0].Content)
}

func TestParseRejectsThinRefDeltaWhenDisallowed(t *testing.T) {
	store := memstore.New()
	base := []byte("base content")
	baseID, err := store.Insert(context.Background(), objkind.TypeBlob, base)
	require.NoError(t, err)

	target := []byte("base content, modified")
	b := newRawPackBuilder(1)
	b.writeRefDelta(baseID, deltaPayload(t, base, target))
	stream := b.finish()

	_, err = Parse(context.Background(), bytes.NewReader(stream), Options{Thin: false, Store: store})
	require.ErrorIs(t, err, ErrThinPackNotAllowed)
}

func TestParseDetectsCyclicDeltaChain(t *testing.T) {
	// OFS-delta can only reference an earlier offset, so a true cycle needs
	// REF-delta entries naming each other's identity, with neither ever
	// present as a whole object in the pack or the store.
	b := newRawPackBuilder(2)
	idA := hash.MustFromHex("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	idB := hash.MustFromHex("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	b.writeRefDelta(idB, deltaPayload(t, []byte("x"), []byte("y")))
	b.writeRefDelta(idA, deltaPayload(t, []byte("y"), []byte("x")))
	stream := b.finish()

	_, err := Parse(context.Background(), bytes.NewReader(stream), Options{Thin: true, Store: memstore.New()})
	require.ErrorIs(t, err, ErrCyclicDeltaChain)
}

func TestParseRejectsBadTrailerHash(t *testing.T) {
	objs := []Object{{ID: hash.Sum("blob", []byte("x")), Type: objkind.TypeBlob, Content: []byte("x")}}
	var buf bytes.Buffer
	_, err := Build(&buf, objs)
	require.NoError(t, err)

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xff

	_, err = Parse(context.Background(), bytes.NewReader(corrupted), Options{})
	require.ErrorIs(t, err, ErrIncorrectHash)
}

func TestParseRejectsBadSignature(t *testing.T) {
	_, err := Parse(context.Background(), bytes.NewReader([]byte("NOPE0000")), Options{})
	require.ErrorIs(t, err, ErrBadPackSignature)
}

func TestParseObjectCheckAborts(t *testing.T) {
	objs := []Object{{ID: hash.Sum("blob", []byte("x")), Type: objkind.TypeBlob, Content: []byte("x")}}
	var buf bytes.Buffer
	_, err := Build(&buf, objs)
	require.NoError(t, err)

	checkErr := errors.New("rejected by checker")
	_, err = Parse(context.Background(), &buf, Options{Check: func(Object) error { return checkErr }})
	require.ErrorIs(t, err, checkErr)
}
