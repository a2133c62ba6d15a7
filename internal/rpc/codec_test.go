package rpc

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := []interface{}{"devicelist"}
	b, err := Encode(msg)
	require.NoError(t, err)

	dec := NewDecoder()
	out, err := dec.Feed(b)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	assert.Equal(t, "devicelist", out[0].Msg[0])
}

func TestDecoderSplitAcrossFeeds(t *testing.T) {
	msg := []interface{}{"writereg", "SER123", uint64(1), uint64(0), uint64(42)}
	b, err := Encode(msg)
	require.NoError(t, err)

	dec := NewDecoder()
	mid := len(b) / 2
	out, err := dec.Feed(b[:mid])
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = dec.Feed(b[mid:])
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	assert.Equal(t, "writereg", out[0].Msg[0])
}

func TestDecoderHandlesMultipleMessagesInOneFeed(t *testing.T) {
	a, err := Encode([]interface{}{"devicelist"})
	require.NoError(t, err)
	b, err := Encode([]interface{}{"devicelist"})
	require.NoError(t, err)

	dec := NewDecoder()
	out, err := dec.Feed(append(a, b...))
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestDecoderRecoversFromMalformedFrame(t *testing.T) {
	// A well-formed CBOR item that isn't the expected [cmd, arg...] array
	// shape should surface as a per-frame error without losing framing for
	// whatever comes after it on the same connection.
	bad, err := cbor.Marshal("not an array")
	require.NoError(t, err)
	good, err := cbor.Marshal([]interface{}{"devicelist"})
	require.NoError(t, err)

	dec := NewDecoder()
	out, err := dec.Feed(append(bad, good...))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Error(t, out[0].Err)
	require.NoError(t, out[1].Err)
	assert.Equal(t, "devicelist", out[1].Msg[0])
}

func TestDecoderRejectsOversizedMessage(t *testing.T) {
	dec := NewDecoder()
	// A CBOR array header declaring far more elements than supplied keeps
	// the decoder waiting for more bytes, exactly like a truncated real
	// message would; padding the buffer past MaxMessageBytes should then
	// trip the size guard rather than buffer forever.
	huge := make([]byte, MaxMessageBytes+1)
	_, err := dec.Feed(append([]byte{0x9f}, huge...)) // indefinite-length array header
	assert.Error(t, err)
}
