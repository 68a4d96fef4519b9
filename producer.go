package nsq

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ProducerTransaction is returned by the async publish methods
// to retrieve metadata about the command once the response arrives
type ProducerTransaction struct {
	cmd      *Command
	doneChan chan *ProducerTransaction

	Data  []byte        // the response body of the publish command
	Error error         // the error (or nil) of the publish command
	Args  []interface{} // the slice of variadic arguments passed to PublishAsync
}

func (t *ProducerTransaction) finish() {
	if t.doneChan != nil {
		t.doneChan <- t
	}
}

// Producer is a high-level type to publish to NSQ.
//
// A Producer fans publishes out over a pool of nsqd addresses, dialling each
// lazily on first use and rotating round-robin. A transport failure against
// one address falls through to the next; the publish only fails with
// ErrNoConnections once every configured address has failed in one sweep.
type Producer struct {
	cfg *Config
	log logrus.FieldLogger

	addrs []string

	mu    sync.Mutex
	conns map[string]*Conn
	rr    int

	stopFlag atomic.Bool
	wg       sync.WaitGroup
}

// NewProducer returns an instance of Producer for the specified nsqd addresses
//
// The only valid way to create a Config is via NewConfig; a nil cfg uses
// defaults.
func NewProducer(addrs []string, cfg *Config) (*Producer, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("at least one nsqd address is required")
	}
	return &Producer{
		cfg:   cfg,
		log:   cfg.Logger.WithField("producer", addrs),
		addrs: append([]string(nil), addrs...),
		conns: make(map[string]*Conn),
	}, nil
}

// Publish synchronously publishes a message body to the specified topic
func (p *Producer) Publish(topic string, body []byte) error {
	if !IsValidTopicName(topic) {
		return errors.Errorf("invalid topic name %q", topic)
	}
	_, err := p.sweep(Publish(topic, body))
	return err
}

// MultiPublish synchronously publishes a slice of message bodies to the
// specified topic, atomically
func (p *Producer) MultiPublish(topic string, bodies [][]byte) error {
	if !IsValidTopicName(topic) {
		return errors.Errorf("invalid topic name %q", topic)
	}
	cmd, err := MultiPublish(topic, bodies)
	if err != nil {
		return err
	}
	_, err = p.sweep(cmd)
	return err
}

// DeferredPublish synchronously publishes a message body to the specified
// topic where the message will queue at the channel level until the delay
// expires
func (p *Producer) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	if !IsValidTopicName(topic) {
		return errors.Errorf("invalid topic name %q", topic)
	}
	_, err := p.sweep(DeferredPublish(topic, delay, body))
	return err
}

// PublishAsync publishes a message body to the specified topic
// but does not wait for the response from nsqd.
//
// When the Producer eventually receives the response, the supplied doneChan
// (if specified) receives a ProducerTransaction with the supplied variadic
// arguments (and the response Data and Error)
func (p *Producer) PublishAsync(topic string, body []byte, doneChan chan *ProducerTransaction,
	args ...interface{}) error {
	if !IsValidTopicName(topic) {
		return errors.Errorf("invalid topic name %q", topic)
	}
	return p.sendAsync(Publish(topic, body), doneChan, args)
}

// MultiPublishAsync publishes a slice of message bodies to the specified topic
// but does not wait for the response from nsqd
func (p *Producer) MultiPublishAsync(topic string, bodies [][]byte, doneChan chan *ProducerTransaction,
	args ...interface{}) error {
	if !IsValidTopicName(topic) {
		return errors.Errorf("invalid topic name %q", topic)
	}
	cmd, err := MultiPublish(topic, bodies)
	if err != nil {
		return err
	}
	return p.sendAsync(cmd, doneChan, args)
}

// Stop disconnects and permanently stops the Producer
func (p *Producer) Stop() {
	if !p.stopFlag.CompareAndSwap(false, true) {
		return
	}
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.conns {
		c.Close()
		delete(p.conns, addr)
	}
}

func (p *Producer) sendAsync(cmd *Command, doneChan chan *ProducerTransaction, args []interface{}) error {
	if p.stopFlag.Load() {
		return ErrStopped
	}
	t := &ProducerTransaction{
		cmd:      cmd,
		doneChan: doneChan,
		Args:     args,
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t.Data, t.Error = p.sweep(cmd)
		t.finish()
	}()
	return nil
}

// sweep tries the command once per configured address, starting at the
// round-robin cursor. Transport failures advance to the next address;
// server ERROR replies propagate to the caller immediately.
func (p *Producer) sweep(cmd *Command) ([]byte, error) {
	if p.stopFlag.Load() {
		return nil, ErrStopped
	}

	var lastErr error
	for i := 0; i < len(p.addrs); i++ {
		addr := p.nextAddr()

		c, err := p.conn(addr)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := c.Execute(context.Background(), cmd)
		if err != nil {
			if isTransportErr(err) {
				p.dropConn(addr, c)
				lastErr = err
				continue
			}
			return nil, err
		}
		return data, nil
	}

	p.log.WithError(lastErr).Error("all nsqd addresses failed")
	return nil, ErrNoConnections
}

func (p *Producer) nextAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := p.addrs[p.rr%len(p.addrs)]
	p.rr++
	return addr
}

// conn returns the live connection for addr, dialling lazily on first use
func (p *Producer) conn(addr string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[addr]; ok && c.State() != StateClosed {
		return c, nil
	}

	c := NewConn(addr, p.cfg)
	if _, err := c.Connect(); err != nil {
		return nil, err
	}
	p.conns[addr] = c
	return c, nil
}

func (p *Producer) dropConn(addr string, c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.conns[addr]; ok && cur == c {
		delete(p.conns, addr)
	}
	c.Close()
}

func isTransportErr(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) || errors.Is(err, ErrConnectionClosed)
}
