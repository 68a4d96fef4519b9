package nsq

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Reconnector supervises a Conn and heals it across transport loss.
//
// When the underlying connection dies and AutoReconnect is enabled, the
// supervisor re-dials on an exponential, jittered schedule, re-runs
// IDENTIFY/AUTH, and replays the recorded subscription and RDY on the fresh
// socket. Commands issued after the failure wait for the replacement
// connection; commands in flight at the moment of failure fail with
// ErrConnectionClosed and may be retried by the caller.
type Reconnector struct {
	addr string
	cfg  *Config
	log  logrus.FieldLogger

	state atomic.Int32

	// ack totals carried over from connections already torn down
	accFinished atomic.Uint64
	accRequeued atomic.Uint64

	mu    sync.Mutex
	conn  *Conn
	ready chan struct{}
	sub   *subscription

	out      chan *Message
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconnector returns a supervised connection handle for the given nsqd
// address. Connect must be called before use.
func NewReconnector(addr string, cfg *Config) *Reconnector {
	return &Reconnector{
		addr:     addr,
		cfg:      cfg,
		log:      cfg.Logger.WithField("nsqd", addr),
		out:      make(chan *Message, cfg.MaxInFlight+2),
		ready:    make(chan struct{}),
		stopChan: make(chan struct{}),
	}
}

// Connect establishes the initial connection. An initial dial failure is
// returned to the caller rather than retried; the backoff schedule only
// applies to connections lost after a successful bootstrap.
func (r *Reconnector) Connect() error {
	c := NewConn(r.addr, r.cfg)
	if _, err := c.Connect(); err != nil {
		r.state.Store(StateClosed)
		return err
	}

	r.mu.Lock()
	r.conn = c
	close(r.ready)
	r.mu.Unlock()
	r.state.Store(c.State())

	r.wg.Add(2)
	go r.forward(c)
	go r.supervise(c)
	return nil
}

// Address returns the supervised nsqd address
func (r *Reconnector) Address() string {
	return r.addr
}

// State returns the supervisor's view of the connection state: the live
// connection's state, or StateReconnecting between sockets.
func (r *Reconnector) State() int32 {
	return r.state.Load()
}

// Messages returns a stable channel of inbound messages that survives
// reconnection. It is closed once the Reconnector stops for good.
func (r *Reconnector) Messages() <-chan *Message {
	return r.out
}

// Execute issues the command on the current connection, waiting out an
// in-progress reconnect first.
func (r *Reconnector) Execute(ctx context.Context, cmd *Command) ([]byte, error) {
	c, err := r.liveConn(ctx)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, cmd)
}

// Subscribe records the subscription for replay and issues it on the current
// connection
func (r *Reconnector) Subscribe(topic string, channel string, rdy int64) error {
	c, err := r.liveConn(context.Background())
	if err != nil {
		return err
	}
	if err := c.Subscribe(topic, channel, rdy); err != nil {
		return err
	}
	r.mu.Lock()
	r.sub = &subscription{topic: topic, channel: channel, rdy: rdy}
	r.mu.Unlock()
	r.state.Store(StateSubscribed)
	return nil
}

// SetRDY adjusts flow control, recording the value for replay
func (r *Reconnector) SetRDY(count int64) error {
	r.mu.Lock()
	if r.sub != nil {
		r.sub.rdy = count
	}
	c := r.conn
	r.mu.Unlock()
	if c == nil || c.State() == StateClosed {
		// applied on replay
		return nil
	}
	return c.SetRDY(count)
}

// Stats returns the FIN/REQ totals across every socket this supervisor has
// owned, including the live one
func (r *Reconnector) Stats() (finished, requeued uint64) {
	finished = r.accFinished.Load()
	requeued = r.accRequeued.Load()
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c != nil && c.State() != StateClosed {
		finished += c.MessagesFinished()
		requeued += c.MessagesRequeued()
	}
	return finished, requeued
}

// RDY returns the current connection's RDY count (0 while reconnecting)
func (r *Reconnector) RDY() int64 {
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c == nil || c.State() == StateClosed {
		return 0
	}
	return c.RDY()
}

// Stop permanently shuts the supervised connection down
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.mu.Lock()
		c := r.conn
		r.mu.Unlock()
		if c != nil {
			c.Close()
		}
		r.state.Store(StateClosed)
		go func() {
			r.wg.Wait()
			close(r.out)
		}()
	})
}

func (r *Reconnector) stopped() bool {
	select {
	case <-r.stopChan:
		return true
	default:
		return false
	}
}

// liveConn returns the current usable connection, blocking through a
// reconnect in progress
func (r *Reconnector) liveConn(ctx context.Context) (*Conn, error) {
	for {
		r.mu.Lock()
		c, ready := r.conn, r.ready
		r.mu.Unlock()

		if c != nil && c.State() != StateClosed {
			return c, nil
		}

		select {
		case <-ready:
			// the gate may predate the loss; give the supervisor a beat
			// to swap it before re-checking
			time.Sleep(10 * time.Millisecond)
		case <-r.stopChan:
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// forward copies one connection's inbound messages onto the stable channel;
// it exits when that connection's channel closes
func (r *Reconnector) forward(c *Conn) {
	defer r.wg.Done()
	for m := range c.Messages() {
		select {
		case r.out <- m:
		case <-r.stopChan:
			return
		}
	}
}

func (r *Reconnector) supervise(c *Conn) {
	defer r.wg.Done()

	for {
		var err error
		select {
		case <-r.stopChan:
			return
		case err = <-c.NotifyClose():
		}

		r.accFinished.Add(c.MessagesFinished())
		r.accRequeued.Add(c.MessagesRequeued())

		if r.stopped() {
			return
		}
		if !r.cfg.AutoReconnect {
			r.log.WithError(err).Error("connection lost, auto reconnect disabled")
			r.Stop()
			return
		}

		r.log.WithError(err).Warn("connection lost, reconnecting")
		r.state.Store(StateReconnecting)
		r.mu.Lock()
		r.ready = make(chan struct{})
		r.mu.Unlock()

		c = r.reconnect()
		if c == nil {
			return
		}
	}
}

// reconnect dials until a replacement connection bootstraps and the recorded
// subscription replays, or until the Reconnector is stopped
func (r *Reconnector) reconnect() *Conn {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.ReconnectInitialDelay
	bo.MaxInterval = r.cfg.ReconnectMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		select {
		case <-time.After(bo.NextBackOff()):
		case <-r.stopChan:
			return nil
		}

		nc := NewConn(r.addr, r.cfg)
		if _, err := nc.Connect(); err != nil {
			r.log.WithError(err).Warn("reconnect dial failed")
			continue
		}

		r.mu.Lock()
		sub := r.sub
		r.mu.Unlock()
		if sub != nil {
			if err := nc.Subscribe(sub.topic, sub.channel, sub.rdy); err != nil {
				r.log.WithError(err).Warn("subscription replay failed")
				nc.Close()
				continue
			}
		}

		r.mu.Lock()
		r.conn = nc
		close(r.ready)
		r.mu.Unlock()
		r.state.Store(nc.State())

		r.wg.Add(1)
		go r.forward(nc)

		r.log.Info("reconnected")
		return nc
	}
}
