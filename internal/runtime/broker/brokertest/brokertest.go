// Package brokertest provides an in-memory broker implementing the broker
// capability. It routes through direct, fanout and topic exchanges, honours
// dead-letter and message-TTL queue arguments, and records every publish and
// acknowledgement so tests can assert on them. It is registered for the
// memory:// URL scheme.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/drblury/warren/internal/runtime/broker"
	"github.com/drblury/warren/internal/runtime/metadata"
)

var (
	ErrConnectionClosed = errors.New("brokertest: connection closed")
	ErrChannelClosed    = errors.New("brokertest: channel closed")
	ErrUnknownExchange  = errors.New("brokertest: exchange not found")
	ErrUnknownQueue     = errors.New("brokertest: queue not found")
	ErrUnknownTag       = errors.New("brokertest: unknown delivery tag")
)

// Acknowledgement kinds recorded by the broker.
const (
	AckKindAck    = "ack"
	AckKindReject = "reject"
	AckKindNack   = "nack"
)

// Ack records one acknowledgement call.
type Ack struct {
	Tag      uint64
	Kind     string
	Multiple bool
	Requeue  bool
}

// Binding is one queue binding.
type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
	Arguments  map[string]any
}

// QueueState is a snapshot of a declared queue.
type QueueState struct {
	Name      string
	Options   broker.QueueOptions
	Ready     int
	Unacked   int
	Consumers int
}

type message struct {
	exchange    string
	routingKey  string
	redelivered bool
	metadata    metadata.Metadata
	body        []byte
	enqueuedAt  time.Time
	id          uint64
}

type queue struct {
	name    string
	opts    broker.QueueOptions
	ready   []*message
	subs    []*subscription
	next    int
	unacked int
}

type unacked struct {
	queue string
	msg   *message
}

// Broker is an in-memory broker. The zero value is not usable; use New.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]broker.ExchangeOptions
	queues    map[string]*queue
	bindings  []Binding
	inflight  map[uint64]unacked
	published []broker.Publishing
	acks      []Ack
	conns     []*Connection
	nextTag   uint64
	nextMsgID uint64
	dialErr   error
	dials     int
	now       func() time.Time
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]broker.ExchangeOptions),
		queues:    make(map[string]*queue),
		inflight:  make(map[uint64]unacked),
		now:       time.Now,
	}
}

// Dialer returns a dialer that connects to b regardless of the URL.
func (b *Broker) Dialer() broker.Dialer {
	return broker.DialerFunc(func(ctx context.Context, _, name string) (broker.Connection, error) {
		return b.Dial(ctx, name)
	})
}

// Dial opens a connection to the broker.
func (b *Broker) Dial(ctx context.Context, name string) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &Connection{broker: b, name: name}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailDial makes subsequent dials fail with err. Nil restores dialing.
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns the number of dial attempts, failed ones included.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// DropConnections closes every open connection as if the broker went away.
// Subscriptions end with an error.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := append([]*Connection(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		c.shutdown(fmt.Errorf("brokertest: connection %q dropped", c.name))
	}
}

// Exchange returns the options of a declared exchange.
func (b *Broker) Exchange(name string) (broker.ExchangeOptions, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	opts, ok := b.exchanges[name]
	return opts, ok
}

// Queue returns a snapshot of a declared queue.
func (b *Broker) Queue(name string) (QueueState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueState{}, false
	}
	return QueueState{
		Name:      q.name,
		Options:   q.opts,
		Ready:     len(q.ready),
		Unacked:   q.unacked,
		Consumers: len(q.subs),
	}, true
}

// Bindings returns every binding in declaration order.
func (b *Broker) Bindings() []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Binding(nil), b.bindings...)
}

// Published returns every publish accepted by the broker, including
// dead-letter republishes.
func (b *Broker) Published() []broker.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Publishing(nil), b.published...)
}

// Acks returns every acknowledgement call in order.
func (b *Broker) Acks() []Ack {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Ack(nil), b.acks...)
}

// Get removes and returns the next ready message of a queue, as a basic.get
// with auto-ack would.
func (b *Broker) Get(queueName string) (broker.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok || len(q.ready) == 0 {
		return broker.Delivery{}, false
	}
	m := q.ready[0]
	q.ready = q.ready[1:]
	b.nextTag++
	return toDelivery(m, b.nextTag, ""), true
}

func (b *Broker) declareExchange(name string, opts broker.ExchangeOptions) error {
	if name == "" {
		return errors.New("brokertest: exchange name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if opts.Type == "" {
		opts.Type = broker.ExchangeTopic
	}
	if existing, ok := b.exchanges[name]; ok && existing.Type != opts.Type {
		return fmt.Errorf("brokertest: exchange %q redeclared as %s (was %s)", name, opts.Type, existing.Type)
	}
	b.exchanges[name] = opts
	return nil
}

func (b *Broker) declareQueue(name string, opts broker.QueueOptions) error {
	if name == "" {
		return errors.New("brokertest: queue name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		q.opts = opts
		return nil
	}
	b.queues[name] = &queue{name: name, opts: opts}
	return nil
}

func (b *Broker) bind(queueName, exchange string, opts broker.BindOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownExchange, exchange)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
	}
	for _, existing := range b.bindings {
		if existing.Exchange == exchange && existing.Queue == queueName && existing.RoutingKey == opts.RoutingKey {
			return nil
		}
	}
	b.bindings = append(b.bindings, Binding{
		Exchange:   exchange,
		Queue:      queueName,
		RoutingKey: opts.RoutingKey,
		Arguments:  opts.Arguments,
	})
	return nil
}

func (b *Broker) publish(p broker.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(p)
}

func (b *Broker) publishLocked(p broker.Publishing) error {
	targets, err := b.routeLocked(p.Exchange, p.RoutingKey)
	if err != nil {
		return err
	}
	p.Metadata = p.Metadata.Clone()
	b.published = append(b.published, p)

	for _, name := range targets {
		b.nextMsgID++
		m := &message{
			exchange:   p.Exchange,
			routingKey: p.RoutingKey,
			metadata:   p.Metadata.Clone(),
			body:       append([]byte(nil), p.Body...),
			enqueuedAt: b.now(),
			id:         b.nextMsgID,
		}
		b.enqueueLocked(b.queues[name], m)
	}
	return nil
}

func (b *Broker) routeLocked(exchange, routingKey string) ([]string, error) {
	if exchange == "" {
		if _, ok := b.queues[routingKey]; ok {
			return []string{routingKey}, nil
		}
		return nil, nil
	}

	opts, ok := b.exchanges[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, exchange)
	}

	var targets []string
	seen := make(map[string]bool)
	for _, binding := range b.bindings {
		if binding.Exchange != exchange || seen[binding.Queue] {
			continue
		}
		if !matches(opts.Type, binding.RoutingKey, routingKey) {
			continue
		}
		seen[binding.Queue] = true
		targets = append(targets, binding.Queue)
	}
	return targets, nil
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case broker.ExchangeFanout, broker.ExchangeHeaders:
		return true
	case broker.ExchangeDirect:
		return pattern == key
	default:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	}
}

// topicMatch implements AMQP topic matching: "*" matches one word, "#" zero or more.
func topicMatch(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		if topicMatch(pattern[1:], key) {
			return true
		}
		return len(key) > 0 && topicMatch(pattern, key[1:])
	case "*":
		return len(key) > 0 && topicMatch(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && topicMatch(pattern[1:], key[1:])
	}
}

func (b *Broker) enqueueLocked(q *queue, m *message) {
	if q == nil {
		return
	}
	if ttl, ok := intArg(q.opts.Arguments, "x-message-ttl"); ok && len(q.subs) == 0 {
		q.ready = append(q.ready, m)
		b.scheduleExpiry(q.name, m, time.Duration(ttl)*time.Millisecond)
		return
	}
	q.ready = append(q.ready, m)
	b.dispatchLocked(q)
}

func (b *Broker) scheduleExpiry(queueName string, m *message, ttl time.Duration) {
	time.AfterFunc(ttl, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		q, ok := b.queues[queueName]
		if !ok {
			return
		}
		for i, candidate := range q.ready {
			if candidate == m {
				q.ready = append(q.ready[:i], q.ready[i+1:]...)
				b.deadLetterLocked(q, m, "expired")
				return
			}
		}
	})
}

func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		sub := b.nextSubscriberLocked(q)
		if sub == nil {
			return
		}
		m := q.ready[0]
		q.ready = q.ready[1:]
		b.nextTag++
		tag := b.nextTag
		b.inflight[tag] = unacked{queue: q.name, msg: m}
		q.unacked++
		sub.push(toDelivery(m, tag, sub.tag))
	}
}

func (b *Broker) nextSubscriberLocked(q *queue) *subscription {
	for range q.subs {
		sub := q.subs[q.next%len(q.subs)]
		q.next++
		if sub.ch.prefetch == 0 || sub.ch.outstandingLocked() < sub.ch.prefetch {
			return sub
		}
	}
	return nil
}

func (b *Broker) settle(ch *Channel, a Ack) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.isClosedLocked() {
		return ErrChannelClosed
	}
	entry, ok := b.inflight[a.Tag]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTag, a.Tag)
	}
	delete(b.inflight, a.Tag)
	delete(ch.tags, a.Tag)
	b.acks = append(b.acks, a)

	q := b.queues[entry.queue]
	q.unacked--

	switch {
	case a.Kind == AckKindAck:
	case a.Requeue:
		entry.msg.redelivered = true
		q.ready = append([]*message{entry.msg}, q.ready...)
	default:
		b.deadLetterLocked(q, entry.msg, "rejected")
	}
	for _, candidate := range b.queues {
		b.dispatchLocked(candidate)
	}
	return nil
}

func (b *Broker) deadLetterLocked(q *queue, m *message, reason string) {
	dlx, ok := q.opts.Arguments["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	routingKey := m.routingKey
	if key, ok := q.opts.Arguments["x-dead-letter-routing-key"].(string); ok && key != "" {
		routingKey = key
	}

	md := m.metadata.Clone()
	md.Headers = withDeath(md.Headers, q.name, reason, m.exchange, m.routingKey, b.now())
	md.Expiration = ""

	_ = b.publishLocked(broker.Publishing{
		Exchange:   dlx,
		RoutingKey: routingKey,
		Metadata:   md,
		Body:       m.body,
	})
}

func withDeath(h metadata.Headers, queueName, reason, exchange, routingKey string, at time.Time) metadata.Headers {
	existing, _ := h[metadata.HeaderDeath].([]any)
	deaths := make([]any, 0, len(existing)+1)
	var found map[string]any

	for _, entry := range existing {
		table, ok := entry.(map[string]any)
		if ok && table["queue"] == queueName && table["reason"] == reason {
			updated := make(map[string]any, len(table))
			for k, v := range table {
				updated[k] = v
			}
			count, _ := updated["count"].(int64)
			updated["count"] = count + 1
			updated["time"] = at
			found = updated
			continue
		}
		deaths = append(deaths, entry)
	}
	if found == nil {
		found = map[string]any{
			"count":        int64(1),
			"reason":       reason,
			"queue":        queueName,
			"exchange":     exchange,
			"routing-keys": []any{routingKey},
			"time":         at,
		}
	}
	// Most recent death first, as RabbitMQ orders them.
	deaths = append([]any{found}, deaths...)
	return h.With(metadata.HeaderDeath, deaths)
}

func toDelivery(m *message, tag uint64, consumerTag string) broker.Delivery {
	return broker.Delivery{
		Tag:         tag,
		ConsumerTag: consumerTag,
		Exchange:    m.exchange,
		RoutingKey:  m.routingKey,
		Redelivered: m.redelivered,
		Metadata:    m.metadata.Clone(),
		Body:        append([]byte(nil), m.body...),
	}
}

func intArg(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

var (
	sharedMu      sync.Mutex
	sharedBrokers = make(map[string]*Broker)
)

// Shared returns the process-wide broker registered under name, creating it
// on first use. memory://<name> URLs resolve to it.
func Shared(name string) *Broker {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	b, ok := sharedBrokers[name]
	if !ok {
		b = New()
		sharedBrokers[name] = b
	}
	return b
}

func init() {
	broker.Register("memory", broker.DialerFunc(func(ctx context.Context, rawURL, name string) (broker.Connection, error) {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return nil, err
		}
		return Shared(parsed.Host).Dial(ctx, name)
	}))
}
