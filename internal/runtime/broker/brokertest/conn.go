package brokertest

import (
	"context"
	"sync"

	"github.com/drblury/warren/internal/runtime/broker"
)

// Connection is a connection to an in-memory Broker.
type Connection struct {
	broker *Broker
	name   string

	// guarded by broker.mu
	closed   bool
	channels []*Channel
}

// Name returns the client-supplied connection name.
func (c *Connection) Name() string { return c.name }

// Channel implements broker.Connection.
func (c *Connection) Channel(prefetch int) (broker.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	ch := &Channel{broker: c.broker, conn: c, prefetch: prefetch, tags: make(map[uint64]struct{})}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// IsConnected implements broker.Connection.
func (c *Connection) IsConnected() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return !c.closed
}

// Close implements broker.Connection.
func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Connection) shutdown(cause error) {
	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()
		return
	}
	c.closed = true
	channels := append([]*Channel(nil), c.channels...)
	c.broker.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(cause)
	}
}

// Channel is a channel on an in-memory Connection.
type Channel struct {
	broker   *Broker
	conn     *Connection
	prefetch int

	// guarded by broker.mu
	closed bool
	tags   map[uint64]struct{}
	subs   []*subscription
}

// Prefetch returns the prefetch count the channel was opened with.
func (c *Channel) Prefetch() int { return c.prefetch }

func (c *Channel) isClosedLocked() bool {
	return c.closed || c.conn.closed
}

func (c *Channel) outstandingLocked() int {
	return len(c.tags)
}

// DeclareExchange implements broker.Channel.
func (c *Channel) DeclareExchange(name string, opts broker.ExchangeOptions) error {
	if !c.IsConnected() {
		return ErrChannelClosed
	}
	return c.broker.declareExchange(name, opts)
}

// DeclareQueue implements broker.Channel.
func (c *Channel) DeclareQueue(name string, opts broker.QueueOptions) (broker.Queue, error) {
	if !c.IsConnected() {
		return nil, ErrChannelClosed
	}
	if err := c.broker.declareQueue(name, opts); err != nil {
		return nil, err
	}
	return &Queue{ch: c, name: name}, nil
}

// Publish implements broker.Channel.
func (c *Channel) Publish(ctx context.Context, p broker.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrChannelClosed
	}
	return c.broker.publish(p)
}

// Ack implements broker.Channel.
func (c *Channel) Ack(tag uint64, multiple bool) error {
	return c.broker.settle(c, Ack{Tag: tag, Kind: AckKindAck, Multiple: multiple})
}

// Reject implements broker.Channel.
func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.broker.settle(c, Ack{Tag: tag, Kind: AckKindReject, Requeue: requeue})
}

// Nack implements broker.Channel.
func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return c.broker.settle(c, Ack{Tag: tag, Kind: AckKindNack, Multiple: multiple, Requeue: requeue})
}

// IsConnected implements broker.Channel.
func (c *Channel) IsConnected() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return !c.isClosedLocked()
}

// Close implements broker.Channel.
func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown closes the channel, ends its subscriptions and returns its
// unacknowledged deliveries to their queues.
func (c *Channel) shutdown(cause error) {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return
	}
	c.closed = true
	subs := append([]*subscription(nil), c.subs...)
	for _, sub := range subs {
		b.removeSubscriberLocked(sub)
	}
	for tag := range c.tags {
		entry, ok := b.inflight[tag]
		if !ok {
			continue
		}
		delete(b.inflight, tag)
		q := b.queues[entry.queue]
		q.unacked--
		entry.msg.redelivered = true
		q.ready = append([]*message{entry.msg}, q.ready...)
	}
	c.tags = make(map[uint64]struct{})
	for _, q := range b.queues {
		b.dispatchLocked(q)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop(cause)
	}
}

// Queue is a declared queue bound to a Channel.
type Queue struct {
	ch   *Channel
	name string
}

// Name implements broker.Queue.
func (q *Queue) Name() string { return q.name }

// Bind implements broker.Queue.
func (q *Queue) Bind(exchange string, opts broker.BindOptions) error {
	if !q.ch.IsConnected() {
		return ErrChannelClosed
	}
	return q.ch.broker.bind(q.name, exchange, opts)
}

// Subscribe implements broker.Queue.
func (q *Queue) Subscribe(ctx context.Context, consumerTag string, fn broker.DeliveryFunc) (broker.Subscription, error) {
	b := q.ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if q.ch.isClosedLocked() {
		return nil, ErrChannelClosed
	}
	queue, ok := b.queues[q.name]
	if !ok {
		return nil, ErrUnknownQueue
	}

	sub := &subscription{
		broker: b,
		ch:     q.ch,
		queue:  q.name,
		tag:    consumerTag,
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	queue.subs = append(queue.subs, sub)
	q.ch.subs = append(q.ch.subs, sub)
	go sub.run(ctx, fn)

	b.dispatchLocked(queue)
	return sub, nil
}

func (b *Broker) removeSubscriberLocked(sub *subscription) {
	q, ok := b.queues[sub.queue]
	if ok {
		for i, candidate := range q.subs {
			if candidate == sub {
				q.subs = append(q.subs[:i], q.subs[i+1:]...)
				break
			}
		}
	}
	for i, candidate := range sub.ch.subs {
		if candidate == sub {
			sub.ch.subs = append(sub.ch.subs[:i], sub.ch.subs[i+1:]...)
			break
		}
	}
}

type subscription struct {
	broker *Broker
	ch     *Channel
	queue  string
	tag    string

	mu      sync.Mutex
	pending []broker.Delivery
	stopped bool
	err     error
	notify  chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

// push is called with broker.mu held.
func (s *subscription) push(d broker.Delivery) {
	s.ch.tags[d.Tag] = struct{}{}
	s.mu.Lock()
	s.pending = append(s.pending, d)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) run(ctx context.Context, fn broker.DeliveryFunc) {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			d := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			fn(ctx, d)
			continue
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.quit:
			return
		}
	}
}

func (s *subscription) stop(cause error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.err = cause
	s.pending = nil
	s.mu.Unlock()
	close(s.quit)
}

// Cancel implements broker.Subscription. Deliveries already handed to the
// subscription but not yet processed are returned to the queue.
func (s *subscription) Cancel() error {
	b := s.broker
	b.mu.Lock()
	b.removeSubscriberLocked(s)

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if q, ok := b.queues[s.queue]; ok {
		requeue := make([]*message, 0, len(pending))
		for _, d := range pending {
			entry, ok := b.inflight[d.Tag]
			if !ok {
				continue
			}
			delete(b.inflight, d.Tag)
			delete(s.ch.tags, d.Tag)
			q.unacked--
			requeue = append(requeue, entry.msg)
		}
		q.ready = append(requeue, q.ready...)
		b.dispatchLocked(q)
	}
	b.mu.Unlock()

	s.stop(nil)
	return nil
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
