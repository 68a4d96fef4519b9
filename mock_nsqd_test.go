package nsq

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// instruction read off the wire by the scripted nsqd
type serverCmd struct {
	Verb   string
	Params []string
	Body   []byte
}

func (c serverCmd) String() string {
	if len(c.Params) > 0 {
		return c.Verb + " " + strings.Join(c.Params, " ")
	}
	return c.Verb
}

// serverConn is one accepted client connection of the scripted nsqd
type serverConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// fakeNSQD is an in-process nsqd speaking just enough of the V2 protocol for
// tests. Each accepted connection runs the supplied handler; handlers push
// observations to test-owned channels rather than asserting themselves.
type fakeNSQD struct {
	ln   net.Listener
	addr string

	handler func(s *serverConn)

	mu     sync.Mutex
	conns  []net.Conn
	closed bool
}

func startFakeNSQD(t *testing.T, handler func(s *serverConn)) *fakeNSQD {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	f := &fakeNSQD{ln: ln, addr: ln.Addr().String(), handler: handler}
	go f.acceptLoop()
	t.Cleanup(f.Close)
	return f
}

func (f *fakeNSQD) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.conns = append(f.conns, conn)
		handler := f.handler
		f.mu.Unlock()
		go func() {
			defer conn.Close()
			handler(&serverConn{conn: conn, r: bufio.NewReader(conn)})
		}()
	}
}

func (f *fakeNSQD) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.ln.Close()
	for _, c := range f.conns {
		c.Close()
	}
}

// dropClients severs every accepted connection without closing the listener,
// simulating transport loss with the server still up
func (f *fakeNSQD) dropClients() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = f.conns[:0]
}

func (s *serverConn) expectMagic() bool {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return false
	}
	return string(buf) == "  V2"
}

// nextCommand reads the next client command; body-bearing verbs include the
// payload. ok is false once the client hangs up.
func (s *serverConn) nextCommand() (cmd serverCmd, ok bool) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		return cmd, false
	}
	parts := strings.Split(strings.TrimSuffix(line, "\n"), " ")
	cmd.Verb = parts[0]
	cmd.Params = parts[1:]

	switch cmd.Verb {
	case "IDENTIFY", "AUTH", "PUB", "MPUB", "DPUB":
		var size int32
		if err := binary.Read(s.r, binary.BigEndian, &size); err != nil {
			return cmd, false
		}
		cmd.Body = make([]byte, size)
		if _, err := io.ReadFull(s.r, cmd.Body); err != nil {
			return cmd, false
		}
	}
	return cmd, true
}

func (s *serverConn) writeFrame(frameType int32, body []byte) {
	buf := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(4+len(body)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(frameType))
	copy(buf[8:], body)
	s.conn.Write(buf)
}

func (s *serverConn) writeResponse(body string) {
	s.writeFrame(FrameTypeResponse, []byte(body))
}

func (s *serverConn) writeError(code string) {
	s.writeFrame(FrameTypeError, []byte(code))
}

func (s *serverConn) writeHeartbeat() {
	s.writeFrame(FrameTypeResponse, []byte("_heartbeat_"))
}

func (s *serverConn) writeMessage(timestamp int64, attempts uint16, id string, body []byte) {
	payload := make([]byte, 10+MsgIDLength+len(body))
	binary.BigEndian.PutUint64(payload[:8], uint64(timestamp))
	binary.BigEndian.PutUint16(payload[8:10], attempts)
	copy(payload[10:10+MsgIDLength], id)
	copy(payload[10+MsgIDLength:], body)
	s.writeFrame(FrameTypeMessage, payload)
}

// handshake consumes the magic and IDENTIFY and answers with a standard
// feature-negotiation response merged with overrides
func (s *serverConn) handshake(overrides map[string]interface{}) bool {
	if !s.expectMagic() {
		return false
	}
	cmd, ok := s.nextCommand()
	if !ok || cmd.Verb != "IDENTIFY" {
		return false
	}
	resp := map[string]interface{}{
		"max_rdy_count":      2500,
		"max_msg_timeout":    900000,
		"msg_timeout":        60000,
		"heartbeat_interval": 30000,
		"auth_required":      false,
	}
	for k, v := range overrides {
		resp[k] = v
	}
	body, err := json.Marshal(resp)
	if err != nil {
		panic(fmt.Sprintf("marshal identify response: %s", err))
	}
	s.writeFrame(FrameTypeResponse, body)
	return true
}

// subscribingHandler answers the handshake and SUB, forwards every observed
// command (SUB/RDY/FIN/REQ/TOUCH/CLS included) to cmds, and replies to CLS
func subscribingHandler(cmds chan serverCmd) func(s *serverConn) {
	return func(s *serverConn) {
		if !s.handshake(nil) {
			return
		}
		for {
			cmd, ok := s.nextCommand()
			if !ok {
				return
			}
			select {
			case cmds <- cmd:
			default:
			}
			switch cmd.Verb {
			case "SUB":
				s.writeResponse("OK")
			case "CLS":
				s.writeResponse("CLOSE_WAIT")
			case "PUB", "MPUB", "DPUB":
				s.writeResponse("OK")
			}
		}
	}
}

// testConfig returns a Config tuned for fast tests
func testConfig() *Config {
	cfg := NewConfig()
	cfg.Logger = testLogger()
	cfg.ReconnectInitialDelay = 50 * time.Millisecond
	cfg.ReconnectMaxDelay = 500 * time.Millisecond
	cfg.LookupdPollInterval = 200 * time.Millisecond
	cfg.LookupdPollTimeout = 500 * time.Millisecond
	cfg.LowRdyIdleTimeout = 200 * time.Millisecond
	return cfg
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
