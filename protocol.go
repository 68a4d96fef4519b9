package nsq

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
)

// MagicV2 is the initial handshake written once per connection,
// before any command
var MagicV2 = []byte("  V2")

// frame types
const (
	FrameTypeResponse int32 = 0
	FrameTypeError    int32 = 1
	FrameTypeMessage  int32 = 2
)

// hard caps on declared frame sizes; anything larger is treated as a
// corrupted stream rather than an allocation request
const (
	maxControlFrameSize = 1 << 20
	maxMessageFrameSize = 8 << 20
)

var heartbeatBytes = []byte("_heartbeat_")

var validTopicChannelNameRegex = regexp.MustCompile(`^[.a-zA-Z0-9_-]+(#ephemeral)?$`)

// IsValidTopicName checks a topic name for length and correct characters
func IsValidTopicName(name string) bool {
	return isValidName(name)
}

// IsValidChannelName checks a channel name for length and correct characters
func IsValidChannelName(name string) bool {
	return isValidName(name)
}

func isValidName(name string) bool {
	if len(name) > 64 || len(name) < 1 {
		return false
	}
	return validTopicChannelNameRegex.MatchString(name)
}

// ReadFrame reads and parses the next frame from the supplied reader
// according to the NSQ TCP protocol spec and returns the frameType and
// payload. The read is streaming: a frame split across many reads is
// reassembled, and the call blocks until the whole frame has arrived.
//
// Wire format:
//
//	[x][x][x][x][x][x][x][x][x][x][x][x]...
//	|  (int32) ||  (int32) || (binary)
//	|  4-byte  ||  4-byte  || N-byte
//	------------------------------------...
//	    size     frame type     data
func ReadFrame(r io.Reader) (int32, []byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return -1, nil, err
	}

	size := int32(binary.BigEndian.Uint32(header[:4]))
	frameType := int32(binary.BigEndian.Uint32(header[4:]))

	if size < 4 {
		return -1, nil, ErrProtocol{fmt.Sprintf("frame size %d too small", size)}
	}

	max := int32(maxControlFrameSize)
	switch frameType {
	case FrameTypeResponse, FrameTypeError:
	case FrameTypeMessage:
		max = maxMessageFrameSize
	default:
		return -1, nil, ErrProtocol{fmt.Sprintf("unknown frame type %d", frameType)}
	}
	if size-4 > max {
		return -1, nil, ErrProtocol{fmt.Sprintf("frame size %d exceeds limit %d", size-4, max)}
	}

	data := make([]byte, size-4)
	if _, err := io.ReadFull(r, data); err != nil {
		return -1, nil, err
	}

	return frameType, data, nil
}

// newFrameReader wraps the connection's read half with buffering sized to
// cover common frames in a single syscall
func newFrameReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 16*1024)
}
