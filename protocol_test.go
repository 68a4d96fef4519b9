package nsq

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameBytes(frameType int32, body []byte) []byte {
	buf := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(4+len(body)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(frameType))
	copy(buf[8:], body)
	return buf
}

func TestReadFrame(t *testing.T) {
	r := bytes.NewReader(frameBytes(FrameTypeResponse, []byte("OK")))

	frameType, data, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeResponse, frameType)
	assert.Equal(t, []byte("OK"), data)
}

func TestReadFrameStreaming(t *testing.T) {
	// frames arriving one byte at a time must decode identically; a partial
	// frame simply blocks until the remainder shows up
	raw := append(frameBytes(FrameTypeResponse, []byte("_heartbeat_")),
		frameBytes(FrameTypeError, []byte("E_BAD_TOPIC"))...)

	pr, pw := io.Pipe()
	go func() {
		for _, b := range raw {
			pw.Write([]byte{b})
		}
		pw.Close()
	}()

	br := newFrameReader(pr)

	frameType, data, err := ReadFrame(br)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeResponse, frameType)
	assert.Equal(t, []byte("_heartbeat_"), data)

	frameType, data, err = ReadFrame(br)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeError, frameType)
	assert.Equal(t, []byte("E_BAD_TOPIC"), data)

	_, _, err = ReadFrame(br)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameUnknownType(t *testing.T) {
	_, _, err := ReadFrame(bytes.NewReader(frameBytes(9, []byte("?"))))
	assert.ErrorAs(t, err, &ErrProtocol{})
}

func TestReadFrameOversize(t *testing.T) {
	header := func(size uint32, frameType int32) io.Reader {
		var buf [8]byte
		binary.BigEndian.PutUint32(buf[:4], size)
		binary.BigEndian.PutUint32(buf[4:], uint32(frameType))
		return bytes.NewReader(buf[:])
	}

	// control frames are capped at 1 MiB, message frames at 8 MiB
	_, _, err := ReadFrame(header(4+maxControlFrameSize+1, FrameTypeResponse))
	assert.ErrorAs(t, err, &ErrProtocol{})

	_, _, err = ReadFrame(header(4+maxMessageFrameSize+1, FrameTypeMessage))
	assert.ErrorAs(t, err, &ErrProtocol{})

	_, _, err = ReadFrame(header(2, FrameTypeResponse))
	assert.ErrorAs(t, err, &ErrProtocol{})
}

func TestMessageRoundTrip(t *testing.T) {
	var id MessageID
	copy(id[:], "0123456789abcdef")

	in := NewMessage(id, []byte("hello"))
	in.Attempts = 3
	in.Timestamp = 1700000000000000000

	raw, err := in.EncodeBytes()
	require.NoError(t, err)

	out, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Body, out.Body)
	assert.Equal(t, in.Attempts, out.Attempts)
	assert.Equal(t, in.Timestamp, out.Timestamp)

	reRaw, err := out.EncodeBytes()
	require.NoError(t, err)
	assert.Equal(t, raw, reRaw)
}

func TestDecodeMessageTruncated(t *testing.T) {
	_, err := DecodeMessage(make([]byte, 9))
	assert.ErrorAs(t, err, &ErrProtocol{})
}

func TestFrameRoundTrip(t *testing.T) {
	var id MessageID
	copy(id[:], "0123456789abcdef")
	msg := NewMessage(id, []byte("payload"))
	msg.Timestamp = 42

	payload, err := msg.EncodeBytes()
	require.NoError(t, err)
	raw := frameBytes(FrameTypeMessage, payload)

	frameType, data, err := ReadFrame(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, FrameTypeMessage, frameType)
	assert.Equal(t, raw, frameBytes(frameType, data))
}

func TestValidNames(t *testing.T) {
	valid := []string{"events", "a", "with-dash_and.dot", "events#ephemeral"}
	for _, name := range valid {
		assert.True(t, IsValidTopicName(name), name)
		assert.True(t, IsValidChannelName(name), name)
	}

	invalid := []string{"", "has space", "ünicode", string(make([]byte, 70)), "bad#suffix"}
	for _, name := range invalid {
		assert.False(t, IsValidTopicName(name), name)
		assert.False(t, IsValidChannelName(name), name)
	}
}

func TestEphemeralChannel(t *testing.T) {
	name := EphemeralChannel("tail")
	assert.True(t, IsValidChannelName(name), name)
	assert.NotEqual(t, name, EphemeralChannel("tail"))
}
