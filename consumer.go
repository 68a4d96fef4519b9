package nsq

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// ConsumerStats represents a snapshot of the state of a Consumer's connections
// and the messages it has seen
type ConsumerStats struct {
	MessagesReceived uint64
	MessagesFinished uint64
	MessagesRequeued uint64
	Connections      int
}

// Consumer is a high-level type to consume from NSQ.
//
// A Consumer maintains one supervised connection per discovered nsqd for its
// (topic, channel), distributes RDY flow-control credits across them, and
// fair-merges their inbound messages into a single channel. nsqd instances
// are either configured statically (ConnectToNSQDs) or discovered by polling
// nsqlookupd (ConnectToNSQLookupds).
type Consumer struct {
	messagesReceived atomic.Uint64
	retiredFinished  atomic.Uint64
	retiredRequeued  atomic.Uint64

	topic   string
	channel string
	cfg     *Config
	log     logrus.FieldLogger

	lookup *LookupClient

	mu           sync.Mutex
	conns        map[string]*Reconnector
	missingSince map[string]time.Time
	lookupdAddrs []string
	rotateOffset int

	lookupLoopOnce sync.Once
	rdyLoopOnce    sync.Once

	incoming chan *Message
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer creates a new instance of Consumer for the specified topic/channel
//
// The only valid way to create a Config is via NewConfig; a nil cfg uses
// defaults.
func NewConsumer(topic string, channel string, cfg *Config) (*Consumer, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !IsValidTopicName(topic) {
		return nil, errors.Errorf("invalid topic name %q", topic)
	}
	if !IsValidChannelName(channel) {
		return nil, errors.Errorf("invalid channel name %q", channel)
	}
	return &Consumer{
		topic:   topic,
		channel: channel,
		cfg:     cfg,
		log:     cfg.Logger.WithFields(logrus.Fields{"topic": topic, "channel": channel}),

		lookup: NewLookupClient(cfg),

		conns:        make(map[string]*Reconnector),
		missingSince: make(map[string]time.Time),

		incoming: make(chan *Message, cfg.MaxInFlight),
		stopChan: make(chan struct{}),
	}, nil
}

// Messages returns the channel on which messages from every connection are
// delivered. It is closed once the Consumer is stopped.
func (c *Consumer) Messages() <-chan *Message {
	return c.incoming
}

// WaitForMessage blocks until a message is available from any connection,
// the Consumer stops, or ctx is cancelled
func (c *Consumer) WaitForMessage(ctx context.Context) (*Message, error) {
	select {
	case m, ok := <-c.incoming:
		if !ok {
			return nil, ErrStopped
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats retrieves the current connection and message statistics for a Consumer
func (c *Consumer) Stats() *ConsumerStats {
	c.mu.Lock()
	conns := make([]*Reconnector, 0, len(c.conns))
	for _, r := range c.conns {
		conns = append(conns, r)
	}
	c.mu.Unlock()

	s := &ConsumerStats{
		MessagesReceived: c.messagesReceived.Load(),
		MessagesFinished: c.retiredFinished.Load(),
		MessagesRequeued: c.retiredRequeued.Load(),
		Connections:      len(conns),
	}
	for _, r := range conns {
		fin, req := r.Stats()
		s.MessagesFinished += fin
		s.MessagesRequeued += req
	}
	return s
}

// ConnectToNSQD takes an nsqd address to connect directly to and subscribes it
// to the consumer's topic/channel
func (c *Consumer) ConnectToNSQD(addr string) error {
	if err := c.connectToNSQD(addr); err != nil {
		return err
	}
	c.startRDYLoop()
	c.redistributeRDY()
	return nil
}

// ConnectToNSQDs connects to every supplied nsqd address
func (c *Consumer) ConnectToNSQDs(addrs []string) error {
	for _, addr := range addrs {
		if err := c.ConnectToNSQD(addr); err != nil {
			return err
		}
	}
	return nil
}

// ConnectToNSQLookupd adds an nsqlookupd address to the discovery set.
//
// The first call kicks off the discovery loop: producers of the topic are
// queried immediately and then on every (jittered) poll interval; new nsqd
// addresses are connected and subscribed, disappeared ones are retired after
// one poll cycle's grace.
func (c *Consumer) ConnectToNSQLookupd(addr string) error {
	if !validLookupdAddr(addr) {
		return errors.Errorf("invalid lookupd address %q", addr)
	}

	c.mu.Lock()
	for _, a := range c.lookupdAddrs {
		if a == addr {
			c.mu.Unlock()
			return nil
		}
	}
	c.lookupdAddrs = append(c.lookupdAddrs, addr)
	c.mu.Unlock()

	c.startRDYLoop()
	c.lookupLoopOnce.Do(func() {
		c.wg.Add(1)
		go c.lookupdLoop()
	})
	return nil
}

// ConnectToNSQLookupds adds every supplied nsqlookupd address to the discovery set
func (c *Consumer) ConnectToNSQLookupds(addrs []string) error {
	for _, addr := range addrs {
		if err := c.ConnectToNSQLookupd(addr); err != nil {
			return err
		}
	}
	return nil
}

// Stop permanently closes every connection and, once all forwarding has
// drained, the message channel
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)

		c.mu.Lock()
		conns := make([]*Reconnector, 0, len(c.conns))
		for _, r := range c.conns {
			conns = append(conns, r)
		}
		c.conns = make(map[string]*Reconnector)
		c.mu.Unlock()

		for _, r := range conns {
			r.Stop()
		}

		go func() {
			c.wg.Wait()
			close(c.incoming)
		}()
	})
}

func (c *Consumer) connectToNSQD(addr string) error {
	select {
	case <-c.stopChan:
		return ErrStopped
	default:
	}

	c.mu.Lock()
	if r, ok := c.conns[addr]; ok && r.State() != StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	r := NewReconnector(addr, c.cfg)
	if err := r.Connect(); err != nil {
		return err
	}
	if err := r.Subscribe(c.topic, c.channel, 0); err != nil {
		r.Stop()
		return err
	}

	c.mu.Lock()
	if existing, ok := c.conns[addr]; ok && existing.State() != StateClosed {
		// raced with a concurrent connect for the same address
		c.mu.Unlock()
		r.Stop()
		return nil
	}
	c.conns[addr] = r
	delete(c.missingSince, addr)
	c.mu.Unlock()

	c.log.WithField("nsqd", addr).Info("connected")

	c.wg.Add(1)
	go c.forward(r)
	return nil
}

// forward fair-merges one connection's messages into the consumer's channel
func (c *Consumer) forward(r *Reconnector) {
	defer c.wg.Done()
	for m := range r.Messages() {
		c.messagesReceived.Inc()
		select {
		case c.incoming <- m:
		case <-c.stopChan:
			return
		}
	}
}

func (c *Consumer) startRDYLoop() {
	c.rdyLoopOnce.Do(func() {
		c.wg.Add(1)
		go c.rdyLoop()
	})
}

// rdyLoop rotates RDY among connections when there are more producers than
// max-in-flight credits, so every nsqd eventually gets a turn to deliver
func (c *Consumer) rdyLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.LowRdyIdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			starved := len(c.conns) > c.cfg.MaxInFlight
			if starved {
				c.rotateOffset++
			}
			c.mu.Unlock()
			if starved {
				c.redistributeRDY()
			}
		case <-c.stopChan:
			return
		}
	}
}

// redistributeRDY splits MaxInFlight credits across subscribed connections:
// an even share with the remainder to the first few, or, with more
// connections than credits, RDY 1 for a rotating window and RDY 0 for the
// rest. The per-connection sum never exceeds MaxInFlight: decreases are
// applied before increases.
func (c *Consumer) redistributeRDY() {
	c.mu.Lock()
	live := make([]*Reconnector, 0, len(c.conns))
	for _, r := range c.conns {
		if r.State() == StateSubscribed {
			live = append(live, r)
		}
	}
	offset := c.rotateOffset
	c.mu.Unlock()

	n := len(live)
	if n == 0 {
		return
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Address() < live[j].Address() })

	maxInFlight := int64(c.cfg.MaxInFlight)
	desired := make([]int64, n)
	if int64(n) > maxInFlight {
		for i := int64(0); i < maxInFlight; i++ {
			desired[(int64(offset)+i)%int64(n)] = 1
		}
	} else {
		per := maxInFlight / int64(n)
		rem := maxInFlight % int64(n)
		for i := range desired {
			desired[i] = per
			if int64(i) < rem {
				desired[i]++
			}
		}
	}

	for i, r := range live {
		if desired[i] < r.RDY() {
			c.setRDY(r, desired[i])
		}
	}
	for i, r := range live {
		if desired[i] > r.RDY() {
			c.setRDY(r, desired[i])
		}
	}
}

func (c *Consumer) setRDY(r *Reconnector, count int64) {
	if err := r.SetRDY(count); err != nil {
		c.log.WithError(err).WithField("nsqd", r.Address()).Warn("failed to set RDY")
	}
}

func (c *Consumer) lookupdLoop() {
	defer c.wg.Done()

	c.queryLookupd()
	for {
		timer := time.NewTimer(c.jitteredPollInterval())
		select {
		case <-timer.C:
			c.queryLookupd()
		case <-c.stopChan:
			timer.Stop()
			return
		}
	}
}

func (c *Consumer) jitteredPollInterval() time.Duration {
	base := float64(c.cfg.LookupdPollInterval)
	jitter := c.cfg.LookupdPollJitter * (2*rand.Float64() - 1)
	return time.Duration(base * (1 + jitter))
}

// queryLookupd polls every configured nsqlookupd concurrently and reconciles
// the connection set against the union of producers. When every lookupd
// fails the current producer set is retained untouched.
func (c *Consumer) queryLookupd() {
	c.mu.Lock()
	addrs := append([]string(nil), c.lookupdAddrs...)
	c.mu.Unlock()

	var (
		setsMu    sync.Mutex
		sets      [][]string
		successes int
	)
	g, ctx := errgroup.WithContext(context.Background())
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			producers, err := c.lookup.Lookup(ctx, addr, c.topic)
			if err != nil {
				c.log.WithError(err).Warn("lookupd query failed")
				return nil
			}
			setsMu.Lock()
			sets = append(sets, producers)
			successes++
			setsMu.Unlock()
			return nil
		})
	}
	g.Wait()

	if successes == 0 {
		c.log.Warn("no lookupd reachable, retaining current producer set")
		return
	}

	c.reconcile(union(sets...))
}

func (c *Consumer) reconcile(desired []string) {
	desiredSet := make(map[string]struct{}, len(desired))
	for _, addr := range desired {
		desiredSet[addr] = struct{}{}
	}

	for _, addr := range desired {
		if err := c.connectToNSQD(addr); err != nil {
			c.log.WithError(err).WithField("nsqd", addr).Warn("discovered nsqd unreachable")
		}
	}

	// retire connections whose nsqd disappeared from every lookupd, but only
	// after a full poll cycle's grace so a transient lookupd outage does not
	// churn the set
	now := time.Now()
	var retired []*Reconnector
	c.mu.Lock()
	for addr, r := range c.conns {
		if _, ok := desiredSet[addr]; ok {
			delete(c.missingSince, addr)
			continue
		}
		since, ok := c.missingSince[addr]
		if !ok {
			c.missingSince[addr] = now
			continue
		}
		if now.Sub(since) >= c.cfg.LookupdPollInterval {
			delete(c.conns, addr)
			delete(c.missingSince, addr)
			retired = append(retired, r)
		}
	}
	c.mu.Unlock()

	for _, r := range retired {
		c.log.WithField("nsqd", r.Address()).Info("retiring connection, no longer advertised")
		fin, req := r.Stats()
		c.retiredFinished.Add(fin)
		c.retiredRequeued.Add(req)
		r.Stop()
	}

	c.redistributeRDY()
}
