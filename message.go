package nsq

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"go.uber.org/atomic"
)

// MsgIDLength is the number of bytes for a Message.ID
const MsgIDLength = 16

// MessageID is the ASCII encoded hexadecimal message ID
type MessageID [MsgIDLength]byte

// Message is the fundamental data type containing
// the id, body, and metadata
type Message struct {
	ID        MessageID
	Body      []byte
	Timestamp int64
	Attempts  uint16

	// NSQDAddress is the address of the nsqd which delivered this message
	NSQDAddress string

	// non-owning back-reference into the delivering connection; acks route
	// through it but a Message never extends the connection's lifetime
	conn *Conn

	msgTimeout    time.Duration
	initializedAt atomic.Int64
	processed     atomic.Bool
}

// NewMessage creates a Message, initializes some metadata,
// and returns a pointer
func NewMessage(id MessageID, body []byte) *Message {
	m := &Message{
		ID:        id,
		Body:      body,
		Timestamp: time.Now().UnixNano(),
	}
	m.initializedAt.Store(time.Now().UnixNano())
	return m
}

// HasResponded indicates whether or not this message has been FIN'd or REQ'd
func (m *Message) HasResponded() bool {
	return m.processed.Load()
}

// IsTimedOut indicates whether the server-side message timeout has elapsed
// since this message was received (or last TOUCH'd). A timed out message has
// already been requeued by nsqd and can no longer be TOUCH'd.
func (m *Message) IsTimedOut() bool {
	if m.msgTimeout <= 0 {
		return false
	}
	deadline := time.Unix(0, m.initializedAt.Load()).Add(m.msgTimeout)
	return time.Now().After(deadline)
}

// Finish sends a FIN command to the nsqd which
// sent this message
//
// At most one of Finish/Requeue succeeds for a given message; any later ack
// returns ErrMsgAlreadyProcessed without touching the wire. After the owning
// connection has closed, acks fail fast with ErrMsgGone.
func (m *Message) Finish() error {
	if err := m.ackable(); err != nil {
		return err
	}
	if !m.processed.CompareAndSwap(false, true) {
		return ErrMsgAlreadyProcessed
	}
	return m.conn.onMessageFinish(m)
}

// Requeue sends a REQ command to the nsqd which
// sent this message, using the supplied delay.
//
// A delay of 0 requeues immediately.
func (m *Message) Requeue(delay time.Duration) error {
	if err := m.ackable(); err != nil {
		return err
	}
	if !m.processed.CompareAndSwap(false, true) {
		return ErrMsgAlreadyProcessed
	}
	return m.conn.onMessageRequeue(m, delay)
}

// Touch sends a TOUCH command to the nsqd which sent this message, resetting
// its server-side timeout. Only valid while the message is neither processed
// nor timed out.
func (m *Message) Touch() error {
	if err := m.ackable(); err != nil {
		return err
	}
	if m.processed.Load() {
		return ErrMsgAlreadyProcessed
	}
	if m.IsTimedOut() {
		return ErrMsgTimedOut
	}
	if err := m.conn.onMessageTouch(m); err != nil {
		return err
	}
	m.initializedAt.Store(time.Now().UnixNano())
	return nil
}

func (m *Message) ackable() error {
	if m.conn == nil || m.conn.State() == StateClosed {
		return ErrMsgGone
	}
	return nil
}

// WriteTo implements the WriterTo interface and serializes the message into
// the supplied Writer.
//
// It is suggested that the target Writer is buffered to
// avoid performing many system calls.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	var buf [10]byte
	var total int64

	binary.BigEndian.PutUint64(buf[:8], uint64(m.Timestamp))
	binary.BigEndian.PutUint16(buf[8:10], m.Attempts)

	n, err := w.Write(buf[:])
	total += int64(n)
	if err != nil {
		return total, err
	}

	n, err = w.Write(m.ID[:])
	total += int64(n)
	if err != nil {
		return total, err
	}

	n, err = w.Write(m.Body)
	total += int64(n)
	if err != nil {
		return total, err
	}

	return total, nil
}

// EncodeBytes serializes the message into a new, returned, []byte
func (m *Message) EncodeBytes() ([]byte, error) {
	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage deserializes data (as []byte) and creates a new Message
//
// Message payload format:
//
//	[x][x][x][x][x][x][x][x][x][x][x][x][x][x][x][x][x][x][x][x][x][x][x][x][x][x]...
//	|       (int64)        ||    ||      (hex string encoded in ASCII)           || (binary)
//	|       8-byte         ||    ||                 16-byte                      || N-byte
//	------------------------------------------------------------------------------------...
//	  nanosecond timestamp    ^^                   message ID                       message body
//	                       (uint16)
//	                        2-byte
//	                       attempts
func DecodeMessage(b []byte) (*Message, error) {
	var msg Message

	if len(b) < 10+MsgIDLength {
		return nil, ErrProtocol{"not enough data to decode valid message"}
	}

	msg.Timestamp = int64(binary.BigEndian.Uint64(b[:8]))
	msg.Attempts = binary.BigEndian.Uint16(b[8:10])
	copy(msg.ID[:], b[10:10+MsgIDLength])
	msg.Body = b[10+MsgIDLength:]
	msg.initializedAt.Store(time.Now().UnixNano())

	return &msg, nil
}
