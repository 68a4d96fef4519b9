package nsq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// IdentifyResponse represents the metadata
// returned from an IDENTIFY command to nsqd
type IdentifyResponse struct {
	MaxRdyCount       int64 `json:"max_rdy_count"`
	MaxMsgTimeout     int64 `json:"max_msg_timeout"`
	MsgTimeout        int64 `json:"msg_timeout"`
	HeartbeatInterval int64 `json:"heartbeat_interval"`
	TLSv1             bool  `json:"tls_v1"`
	Deflate           bool  `json:"deflate"`
	Snappy            bool  `json:"snappy"`
	AuthRequired      bool  `json:"auth_required"`
}

// AuthResponse represents the metadata
// returned from an AUTH command to nsqd
type AuthResponse struct {
	Identity        string `json:"identity"`
	IdentityURL     string `json:"identity_url"`
	PermissionCount int64  `json:"permission_count"`
}

type subscription struct {
	topic   string
	channel string
	rdy     int64
}

// one slot per in-flight command that expects a reply; completed strictly
// in command-issue order
type pendingCmd struct {
	respChan  chan *cmdResponse
	abandoned atomic.Bool
}

type cmdResponse struct {
	data []byte
	err  error
}

// Conn represents a connection to nsqd
//
// A Conn owns one TCP socket. Its read loop demultiplexes inbound frames into
// the pending-command queue (RESPONSE/ERROR), the inbound message channel
// (MESSAGE), and the autonomous heartbeat reply path. Writes are serialized
// by a mutex on the write half.
type Conn struct {
	messagesInFlight atomic.Int64
	messagesFinished atomic.Uint64
	messagesRequeued atomic.Uint64
	maxRdyCount      atomic.Int64
	rdyCount         atomic.Int64
	lastRdyCount     atomic.Int64
	lastMsgTimestamp atomic.Int64
	state            atomic.Int32

	addr string
	cfg  *Config
	log  logrus.FieldLogger

	conn net.Conn
	r    *bufio.Reader

	wmtx   sync.Mutex
	cmdBuf bytes.Buffer

	pmtx          sync.Mutex
	pending       []*pendingCmd
	pendingClosed bool

	heartbeatInterval time.Duration
	msgTimeout        time.Duration

	smtx sync.Mutex
	sub  *subscription

	incomingMessages chan *Message
	exitChan         chan struct{}
	closeChan        chan error
	dieOnce          sync.Once
	wg               sync.WaitGroup
}

// NewConn returns a new Conn instance for the given "host:port" nsqd address
func NewConn(addr string, cfg *Config) *Conn {
	c := &Conn{
		addr: addr,
		cfg:  cfg,
		log:  cfg.Logger.WithField("nsqd", addr),

		heartbeatInterval: cfg.HeartbeatInterval,
		msgTimeout:        cfg.MsgTimeout,

		incomingMessages: make(chan *Message, cfg.MaxInFlight+2),
		exitChan:         make(chan struct{}),
		closeChan:        make(chan error, 1),
	}
	c.maxRdyCount.Store(2500)
	c.lastMsgTimestamp.Store(time.Now().UnixNano())
	return c
}

// Connect dials and bootstraps the nsqd connection
// (including IDENTIFY and, when demanded, AUTH) and returns the IdentifyResponse
func (c *Conn) Connect() (*IdentifyResponse, error) {
	if !c.state.CompareAndSwap(StateInit, StateConnecting) {
		return nil, errors.Errorf("cannot connect from state %s", stateName(c.State()))
	}

	conn, err := net.DialTimeout("tcp", c.addr, c.cfg.DialTimeout)
	if err != nil {
		c.die(err)
		return nil, &ConnectionError{c.addr, errors.Wrap(err, "dial failed")}
	}
	c.conn = conn
	c.r = newFrameReader(conn)

	if err := c.writeRaw(MagicV2); err != nil {
		c.die(err)
		return nil, &ConnectionError{c.addr, errors.Wrap(err, "failed to write magic")}
	}

	resp, err := c.identify()
	if err != nil {
		c.die(err)
		return nil, err
	}

	c.state.Store(StateConnected)
	c.wg.Add(1)
	go c.readLoop()

	return resp, nil
}

// State returns the connection's current state
func (c *Conn) State() int32 {
	return c.state.Load()
}

// Address returns the configured destination nsqd address
func (c *Conn) Address() string {
	return c.addr
}

// String returns the fully-qualified address/topic/channel
func (c *Conn) String() string {
	c.smtx.Lock()
	defer c.smtx.Unlock()
	if c.sub != nil {
		return fmt.Sprintf("%s/%s/%s", c.addr, c.sub.topic, c.sub.channel)
	}
	return c.addr
}

// RDY returns the current RDY count
func (c *Conn) RDY() int64 {
	return c.rdyCount.Load()
}

// LastRDY returns the previously set RDY count
func (c *Conn) LastRDY() int64 {
	return c.lastRdyCount.Load()
}

// MaxRDY returns the nsqd negotiated maximum
// RDY count that it will accept for this connection
func (c *Conn) MaxRDY() int64 {
	return c.maxRdyCount.Load()
}

// MessagesInFlight returns the number of messages received
// on this connection and not yet FIN'd or REQ'd
func (c *Conn) MessagesInFlight() int64 {
	return c.messagesInFlight.Load()
}

// MessagesFinished returns the number of messages FIN'd over this connection
func (c *Conn) MessagesFinished() uint64 {
	return c.messagesFinished.Load()
}

// MessagesRequeued returns the number of messages REQ'd over this connection
func (c *Conn) MessagesRequeued() uint64 {
	return c.messagesRequeued.Load()
}

// LastMessageTime returns a time.Time representing
// the time at which the last message was received
func (c *Conn) LastMessageTime() time.Time {
	return time.Unix(0, c.lastMsgTimestamp.Load())
}

// MsgTimeout returns the negotiated server-side message timeout
func (c *Conn) MsgTimeout() time.Duration {
	return c.msgTimeout
}

// HeartbeatInterval returns the negotiated heartbeat interval
func (c *Conn) HeartbeatInterval() time.Duration {
	return c.heartbeatInterval
}

// NotifyClose returns a channel that receives the terminal error (nil on a
// clean close) once the connection is fully dead. Supervisors use it to
// decide whether to re-dial.
func (c *Conn) NotifyClose() <-chan error {
	return c.closeChan
}

// Messages returns the channel on which inbound messages are delivered.
//
// The channel is closed once the connection reaches StateClosed. Receivers
// that stop consuming do not close the connection; the channel's bound (RDY
// plus slack) exerts backpressure on nsqd instead.
func (c *Conn) Messages() <-chan *Message {
	return c.incomingMessages
}

// WaitForMessage blocks until a message is available, the connection closes,
// or ctx is cancelled. Cancellation only abandons this wait, never the
// connection.
func (c *Conn) WaitForMessage(ctx context.Context) (*Message, error) {
	select {
	case m, ok := <-c.incomingMessages:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute serializes the command onto the wire and, for commands that elicit
// a reply, awaits it. It returns the RESPONSE body, or ErrProtocol carrying
// the server error code on an ERROR reply, or ErrConnectionClosed if the
// transport tears down first.
//
// Responses are correlated to commands strictly in issue order. Cancelling
// ctx abandons the pending slot: the eventual reply is discarded, never
// misrouted to a later command.
func (c *Conn) Execute(ctx context.Context, cmd *Command) ([]byte, error) {
	switch c.State() {
	case StateConnected, StateSubscribed, StateClosing:
	default:
		return nil, ErrConnectionClosed
	}

	if !cmd.expectsResponse() {
		if err := c.sendCommand(cmd); err != nil {
			c.die(err)
			return nil, &ConnectionError{c.addr, err}
		}
		return nil, nil
	}

	p := &pendingCmd{respChan: make(chan *cmdResponse, 1)}

	c.pmtx.Lock()
	if c.pendingClosed {
		c.pmtx.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending = append(c.pending, p)
	c.pmtx.Unlock()

	if err := c.sendCommand(cmd); err != nil {
		c.removePending(p)
		c.die(err)
		return nil, &ConnectionError{c.addr, err}
	}

	select {
	case resp := <-p.respChan:
		return resp.data, resp.err
	case <-ctx.Done():
		p.abandoned.Store(true)
		return nil, ctx.Err()
	}
}

// Subscribe issues SUB for the given topic/channel, awaits OK, then issues
// RDY rdy. At most one subscription may be active per connection.
func (c *Conn) Subscribe(topic string, channel string, rdy int64) error {
	if !IsValidTopicName(topic) {
		return errors.Errorf("invalid topic name %q", topic)
	}
	if !IsValidChannelName(channel) {
		return errors.Errorf("invalid channel name %q", channel)
	}

	c.smtx.Lock()
	if c.sub != nil {
		c.smtx.Unlock()
		return ErrAlreadySubscribed
	}
	c.smtx.Unlock()

	if _, err := c.Execute(context.Background(), Subscribe(topic, channel)); err != nil {
		return err
	}

	c.smtx.Lock()
	c.sub = &subscription{topic: topic, channel: channel}
	c.smtx.Unlock()
	c.state.CompareAndSwap(StateConnected, StateSubscribed)

	return c.SetRDY(rdy)
}

// SetRDY issues RDY count, adjusting flow control for this connection.
// The count is clamped to the nsqd negotiated maximum.
func (c *Conn) SetRDY(count int64) error {
	if max := c.maxRdyCount.Load(); count > max {
		count = max
	}
	if err := c.sendCommand(Ready(count)); err != nil {
		c.die(err)
		return &ConnectionError{c.addr, err}
	}
	c.rdyCount.Store(count)
	c.lastRdyCount.Store(count)
	c.smtx.Lock()
	if c.sub != nil {
		c.sub.rdy = count
	}
	c.smtx.Unlock()
	return nil
}

// subscriptionState snapshots (topic, channel, rdy) for replay after reconnect
func (c *Conn) subscriptionState() (topic, channel string, rdy int64, ok bool) {
	c.smtx.Lock()
	defer c.smtx.Unlock()
	if c.sub == nil {
		return "", "", 0, false
	}
	return c.sub.topic, c.sub.channel, c.sub.rdy, true
}

// Close gracefully shuts the connection down: CLS is sent on subscribed
// connections and CLOSE_WAIT awaited (bounded by CloseTimeout), then the
// socket is torn down, pending commands drained with ErrConnectionClosed,
// and the message channel closed.
func (c *Conn) Close() error {
	for {
		s := c.State()
		if s == StateClosing || s == StateClosed {
			return nil
		}
		if c.state.CompareAndSwap(s, StateClosing) {
			break
		}
	}

	if _, _, _, subscribed := c.subscriptionState(); subscribed {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
		defer cancel()
		if _, err := c.Execute(ctx, StartClose()); err != nil {
			c.log.WithError(err).Debug("CLS drain skipped")
		}
	}

	c.die(nil)
	return nil
}

func (c *Conn) identify() (*IdentifyResponse, error) {
	ci := make(map[string]interface{})
	ci["client_id"] = c.cfg.ClientID
	ci["hostname"] = c.cfg.Hostname
	ci["user_agent"] = c.cfg.UserAgent
	ci["feature_negotiation"] = true
	if c.cfg.HeartbeatInterval == -1 {
		ci["heartbeat_interval"] = -1
	} else {
		ci["heartbeat_interval"] = int64(c.cfg.HeartbeatInterval / time.Millisecond)
	}
	ci["output_buffer_size"] = c.cfg.OutputBufferSize
	ci["output_buffer_timeout"] = int64(c.cfg.OutputBufferTimeout / time.Millisecond)
	ci["sample_rate"] = c.cfg.SampleRate
	if c.cfg.MsgTimeout > 0 {
		ci["msg_timeout"] = int64(c.cfg.MsgTimeout / time.Millisecond)
	}
	ci["tls_v1"] = false
	ci["snappy"] = false
	ci["deflate"] = false

	cmd, err := Identify(ci)
	if err != nil {
		return nil, ErrIdentify{err.Error()}
	}
	if err := c.sendCommand(cmd); err != nil {
		return nil, ErrIdentify{err.Error()}
	}

	frameType, data, err := c.readFrameDeadline(c.cfg.IdentifyTimeout)
	if err != nil {
		return nil, ErrIdentify{err.Error()}
	}
	if frameType == FrameTypeError {
		return nil, ErrIdentify{string(data)}
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrIdentify{fmt.Sprintf("unexpected handshake reply %q", data)}
	}

	resp := &IdentifyResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, ErrIdentify{err.Error()}
	}

	if resp.TLSv1 || resp.Deflate || resp.Snappy {
		return nil, ErrIdentify{"server negotiated an unsupported transport (tls/deflate/snappy)"}
	}

	c.log.WithField("resp", fmt.Sprintf("%+v", resp)).Debug("IDENTIFY response")

	if resp.MaxRdyCount > 0 {
		c.maxRdyCount.Store(resp.MaxRdyCount)
	}
	if resp.HeartbeatInterval > 0 {
		c.heartbeatInterval = time.Duration(resp.HeartbeatInterval) * time.Millisecond
	}
	if resp.MsgTimeout > 0 {
		c.msgTimeout = time.Duration(resp.MsgTimeout) * time.Millisecond
	}

	if resp.AuthRequired {
		if c.cfg.AuthSecret == "" {
			return nil, ErrAuthRequired
		}
		if err := c.auth(); err != nil {
			return nil, err
		}
	}

	return resp, nil
}

func (c *Conn) auth() error {
	if err := c.sendCommand(Auth(c.cfg.AuthSecret)); err != nil {
		return ErrAuthFailed{err.Error()}
	}

	frameType, data, err := c.readFrameDeadline(c.cfg.IdentifyTimeout)
	if err != nil {
		return ErrAuthFailed{err.Error()}
	}
	if frameType == FrameTypeError {
		return ErrAuthFailed{string(data)}
	}

	resp := &AuthResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		return ErrAuthFailed{err.Error()}
	}

	c.log.WithField("identity", resp.Identity).Info("authenticated")
	return nil
}

// sendCommand serializes and writes the command under the write-half mutex
func (c *Conn) sendCommand(cmd *Command) error {
	c.wmtx.Lock()
	defer c.wmtx.Unlock()

	c.cmdBuf.Reset()
	if _, err := cmd.WriteTo(&c.cmdBuf); err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, err := c.cmdBuf.WriteTo(c.conn)
	return err
}

func (c *Conn) writeRaw(b []byte) error {
	c.wmtx.Lock()
	defer c.wmtx.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, err := c.conn.Write(b)
	return err
}

func (c *Conn) readFrameDeadline(d time.Duration) (int32, []byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(d))
	return ReadFrame(c.r)
}

// heartbeat watchdog: no frame of any kind within twice the negotiated
// heartbeat interval declares the connection dead. With heartbeats disabled
// a generous fallback still bounds a wedged socket.
func (c *Conn) watchdogDeadline() time.Duration {
	if c.heartbeatInterval < 0 {
		return 4 * 30 * time.Second
	}
	return 2 * c.heartbeatInterval
}

// readLoop demultiplexes inbound frames until the transport dies. The read
// deadline doubles as the heartbeat watchdog: no frame of any kind within
// 2x the heartbeat interval declares the connection dead.
func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		frameType, data, err := c.readFrameDeadline(c.watchdogDeadline())
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				err = errors.Wrap(err, "heartbeat watchdog expired")
			}
			c.die(err)
			return
		}

		if frameType == FrameTypeResponse && bytes.Equal(data, heartbeatBytes) {
			c.log.Debug("heartbeat received")
			if err := c.sendCommand(Nop()); err != nil {
				c.die(err)
				return
			}
			continue
		}

		switch frameType {
		case FrameTypeResponse:
			if !c.completePending(&cmdResponse{data: data}) {
				c.die(ErrProtocol{fmt.Sprintf("response %q with no command in flight", data)})
				return
			}
		case FrameTypeError:
			if !c.completePending(&cmdResponse{err: ErrProtocol{string(data)}}) {
				// unsolicited server error (e.g. E_FIN_FAILED for a
				// fire-and-forget ack); not fatal
				c.log.WithField("code", string(data)).Error("protocol error from nsqd")
			}
		case FrameTypeMessage:
			msg, err := DecodeMessage(data)
			if err != nil {
				c.die(err)
				return
			}
			msg.conn = c
			msg.NSQDAddress = c.addr
			msg.msgTimeout = c.msgTimeout

			if c.rdyCount.Dec() < 0 {
				c.log.WithField("id", string(msg.ID[:])).Warn("message delivered with RDY 0")
			}
			c.messagesInFlight.Inc()
			c.lastMsgTimestamp.Store(time.Now().UnixNano())

			select {
			case c.incomingMessages <- msg:
			case <-c.exitChan:
				return
			}
		}
	}
}

// completePending pops the head pending slot and completes it, preserving
// FIFO correlation. Returns false when no command is in flight.
func (c *Conn) completePending(resp *cmdResponse) bool {
	c.pmtx.Lock()
	if len(c.pending) == 0 {
		c.pmtx.Unlock()
		return false
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	c.pmtx.Unlock()

	if p.abandoned.Load() {
		// the caller cancelled; the reply is consumed and dropped
		return true
	}
	p.respChan <- resp
	return true
}

func (c *Conn) removePending(target *pendingCmd) {
	c.pmtx.Lock()
	defer c.pmtx.Unlock()
	for i, p := range c.pending {
		if p == target {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// die performs the one-shot teardown: mark closed, sever the socket, fail
// all pending commands, close the message channel once the read loop is
// gone, and notify the supervisor.
func (c *Conn) die(err error) {
	c.dieOnce.Do(func() {
		prev := c.state.Swap(StateClosed)
		if err != nil && prev != StateClosing {
			c.log.WithError(err).Error("connection died")
		}

		close(c.exitChan)
		if c.conn != nil {
			c.conn.Close()
		}

		c.pmtx.Lock()
		c.pendingClosed = true
		pending := c.pending
		c.pending = nil
		c.pmtx.Unlock()
		for _, p := range pending {
			if !p.abandoned.Load() {
				p.respChan <- &cmdResponse{err: ErrConnectionClosed}
			}
		}

		go func() {
			c.wg.Wait()
			close(c.incomingMessages)
		}()

		c.closeChan <- err
	})
}

// message ack paths; fire-and-forget writes that never await a reply

func (c *Conn) onMessageFinish(m *Message) error {
	if err := c.sendCommand(Finish(m.ID)); err != nil {
		c.die(err)
		return &ConnectionError{c.addr, err}
	}
	c.messagesInFlight.Dec()
	c.messagesFinished.Inc()
	c.maybeReplenishRDY()
	return nil
}

func (c *Conn) onMessageRequeue(m *Message, delay time.Duration) error {
	if err := c.sendCommand(Requeue(m.ID, delay)); err != nil {
		c.die(err)
		return &ConnectionError{c.addr, err}
	}
	c.messagesInFlight.Dec()
	c.messagesRequeued.Inc()
	c.maybeReplenishRDY()
	return nil
}

func (c *Conn) onMessageTouch(m *Message) error {
	if err := c.sendCommand(Touch(m.ID)); err != nil {
		c.die(err)
		return &ConnectionError{c.addr, err}
	}
	return nil
}

// maybeReplenishRDY re-issues the last configured RDY once three quarters of
// the credit window has been consumed, so a steadily acking consumer never
// starves
func (c *Conn) maybeReplenishRDY() {
	last := c.lastRdyCount.Load()
	if last == 0 || c.State() != StateSubscribed {
		return
	}
	if c.rdyCount.Load() <= last/4 {
		c.SetRDY(last)
	}
}
