package hash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSum(t *testing.T) {
	tests := []struct {
		name    string
		typeTag string
		data    []byte
		want    Hash
	}{
		{
			name:    "blob",
			typeTag: "blob",
			data:    []byte("test content"),
			want:    Hash{0x08, 0xcf, 0x61, 0x01, 0x41, 0x6f, 0x0c, 0xe0, 0xdd, 0xa3, 0xc8, 0x0e, 0x62, 0x7f, 0x33, 0x38, 0x54, 0xc4, 0x08, 0x5c},
		},
		{
			name:    "tree",
			typeTag: "tree",
			data:    []byte("100644 test.txt\x00"),
			want:    Hash{0x12, 0x7d, 0xe0, 0x49, 0x11, 0xa6, 0x35, 0xc8, 0x5f, 0xdf, 0x7d, 0xab, 0x6c, 0x78, 0xc6, 0xdd, 0xda, 0xe4, 0x0e, 0xec},
		},
		{
			name:    "commit",
			typeTag: "commit",
			data:    []byte("tree 1234567890abcdef\nparent 0987654321fedcba\nauthor Test <test@example.com>\ncommitter Test <test@example.com>\n\nTest commit\n"),
			want:    Hash{0x10, 0xe9, 0x0b, 0x93, 0x84, 0x40, 0xae, 0x64, 0x05, 0xbb, 0x30, 0x12, 0xd6, 0x5e, 0xc4, 0x4a, 0x06, 0x6c, 0x2f, 0xef},
		},
		{
			name:    "empty blob",
			typeTag: "blob",
			data:    []byte{},
			want:    Hash{0xe6, 0x9d, 0xe2, 0x9b, 0xb2, 0xd1, 0xd6, 0x43, 0x4b, 0x8b, 0x29, 0xae, 0x77, 0x5a, 0xd8, 0xc2, 0xe4, 0x8c, 0x53, 0x91},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sum(tt.typeTag, tt.data)
			require.True(t, got.Is(tt.want), "hash mismatch: got %s want %s", got, tt.want)
		})
	}
}

func TestHasherIncremental(t *testing.T) {
	h := New()
	_, err := h.Write([]byte("blob 12\x00"))
	require.NoError(t, err)
	_, err = h.Write([]byte("test content"))
	require.NoError(t, err)
	require.True(t, h.Sum().Is(Sum("blob", []byte("test content"))))
}

func TestFromHexRoundTrip(t *testing.T) {
	const hex40 = "1234567890123456789012345678901234567890"
	h, err := FromHex(hex40)
	require.NoError(t, err)
	require.Equal(t, hex40, h.String())

	zero, err := FromHex("")
	require.NoError(t, err)
	require.True(t, zero.IsZero())

	_, err = FromHex("short")
	require.ErrorIs(t, err, ErrInvalidLength)
}

func TestZeroWireForm(t *testing.T) {
	require.Equal(t, "0000000000000000000000000000000000000000", Zero.String())
	require.Equal(t, Zero.String(), Hash(nil).String())

	// The wire's 40-zero form must decode to something IsZero recognizes:
	// ref creations and deletions arrive exactly this way.
	fromWire, err := FromHex("0000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.True(t, fromWire.IsZero())
	require.True(t, fromWire.Is(Zero))
	require.True(t, Zero.Is(fromWire))
}

func TestHashIs(t *testing.T) {
	a := MustFromHex("1111111111111111111111111111111111111111")
	b := MustFromHex("1111111111111111111111111111111111111111")
	c := MustFromHex("2222222222222222222222222222222222222222")
	require.True(t, a.Is(b))
	require.False(t, a.Is(c))
	require.True(t, Zero.Is(nil))
}
