package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New(EncodingJSON)
	seq := int64(42)
	frame := Frame{Op: 0, Seq: &seq, Type: "MESSAGE_CREATE", Data: json.RawMessage(`{"id":"1"}`)}

	raw, err := c.Encode(frame)
	require.NoError(t, err)

	decoded, err := c.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, frame.Op, decoded.Op)
	require.Equal(t, frame.Type, decoded.Type)
	require.Equal(t, *frame.Seq, *decoded.Seq)
}

func TestDecodeDataUnmarshalsPayload(t *testing.T) {
	type msg struct {
		ID string `json:"id"`
	}
	frame := Frame{Data: json.RawMessage(`{"id":"99"}`)}
	got, err := DecodeData[msg](frame)
	require.NoError(t, err)
	require.Equal(t, "99", got.ID)
}

func TestInflaterDecodesAfterFlushMarker(t *testing.T) {
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err := zw.Write([]byte(`{"op":0}`))
	require.NoError(t, err)
	require.NoError(t, zw.Flush())
	// The platform's stream stops at the sync-flush boundary; Close would
	// append a final block and checksum after the 00 00 ff ff marker.
	flushed := append([]byte(nil), compressed.Bytes()...)
	require.NoError(t, zw.Close())

	inf := NewInflater()
	out, done, err := inf.Write(flushed)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, `{"op":0}`, string(out))
}

func TestInflaterWaitsForFlushMarker(t *testing.T) {
	inf := NewInflater()
	out, done, err := inf.Write([]byte{0x01, 0x02})
	require.NoError(t, err)
	require.False(t, done)
	require.Nil(t, out)
}
