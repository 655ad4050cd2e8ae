package wire_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/nix-community/go-workerd/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUint64RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, wire.WriteUint64(&buf, 0x0123456789abcdef))
	assert.Equal(t, 8, buf.Len())

	v, err := wire.ReadUint64(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0123456789abcdef), v)
}

func TestBoolLenientDecoding(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, wire.WriteUint64(&buf, 42))

	v, err := wire.ReadBool(&buf)
	require.NoError(t, err)
	assert.True(t, v, "any nonzero integer must decode as true")
}

func TestBytesPadding(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 9, 63, 64, 65} {
		var buf bytes.Buffer

		data := bytes.Repeat([]byte{0xAB}, n)
		require.NoError(t, wire.WriteBytes(&buf, data))
		assert.Zero(t, buf.Len()%8, "wire output must be a multiple of 8 bytes (n=%d)", n)

		got, err := wire.ReadBytes(&buf, wire.DefaultMaxStringSize)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestReadBytesExceedsLimit(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, wire.WriteUint64(&buf, 100))

	_, err := wire.ReadBytes(&buf, 10)
	assert.Error(t, err)
}

func TestSequenceRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	in := []string{"a", "bb", "ccc"}
	require.NoError(t, wire.WriteSequence(&buf, in, wire.WriteString))

	out, err := wire.ReadSequence(&buf, func(r io.Reader) (string, error) {
		return wire.ReadString(r, wire.DefaultMaxStringSize)
	})
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEmptySequenceEncodesAsZeroCount(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, wire.WriteSequence(&buf, []string{}, wire.WriteString))
	assert.Equal(t, 8, buf.Len())

	v, err := wire.ReadUint64(&buf)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestReadUint64ShortRead(t *testing.T) {
	buf := bytes.NewBuffer([]byte{1, 2, 3})

	_, err := wire.ReadUint64(buf)
	assert.Error(t, err)
}
