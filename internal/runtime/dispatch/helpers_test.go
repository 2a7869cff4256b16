package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/warren/internal/runtime/broker"
	"github.com/drblury/warren/internal/runtime/metadata"
)

type settleCall struct {
	kind     string
	tag      uint64
	multiple bool
	requeue  bool
}

type fakeChannel struct {
	mu        sync.Mutex
	calls     []settleCall
	published []broker.Publishing
	pubErr    error
}

func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.record(settleCall{kind: "ack", tag: tag, multiple: multiple})
	return nil
}

func (f *fakeChannel) Reject(tag uint64, requeue bool) error {
	f.record(settleCall{kind: "reject", tag: tag, requeue: requeue})
	return nil
}

func (f *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	f.record(settleCall{kind: "nack", tag: tag, multiple: multiple, requeue: requeue})
	return nil
}

func (f *fakeChannel) Publish(_ context.Context, p broker.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, p)
	return nil
}

func (f *fakeChannel) record(c settleCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeChannel) settled() []settleCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]settleCall(nil), f.calls...)
}

func returning(r Result) Consumer {
	return ConsumerFunc(func(context.Context, Message) (Result, error) { return r, nil })
}

func failing(err error) Consumer {
	return ConsumerFunc(func(context.Context, Message) (Result, error) { return "", err })
}

func deathHeaders(queue string, count int64) metadata.Headers {
	return metadata.Headers{
		metadata.HeaderDeath: []any{
			map[string]any{"queue": queue, "reason": "rejected", "count": count},
			map[string]any{"queue": queue + ".retry", "reason": "expired", "count": count},
		},
	}
}

func delivery(tag uint64, body string) broker.Delivery {
	return broker.Delivery{
		Tag:        tag,
		Exchange:   "events",
		RoutingKey: "orders.created",
		Metadata:   metadata.Metadata{MessageID: fmt.Sprintf("msg-%d", tag)},
		Body:       []byte(body),
	}
}
