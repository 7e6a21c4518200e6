// Package queue provides named FIFO message queues backed by a durable
// append-only list, with put/close subscribers so live observers follow a
// queue while late joiners replay it from the backing list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// List is the minimal durable backing a queue needs. The redis adapter in
// internal/infra satisfies it with RPUSH/LRANGE/LLEN; tests use the in-memory
// implementation below.
type List interface {
	Append(ctx context.Context, key string, value []byte) error
	Range(ctx context.Context, key string) ([][]byte, error)
	Len(ctx context.Context, key string) (int64, error)
}

// PutFunc observes one appended frame. ClosedFunc observes queue close.
type (
	PutFunc    func(data []byte)
	ClosedFunc func()
)

// Queue is one named message stream. Frames appended to the backing list are
// never reordered or dropped; put subscribers fire iff the append succeeded,
// in append order.
type Queue struct {
	name string
	list List

	mu        sync.Mutex
	closed    bool
	nextSub   int
	putSubs   map[int]PutFunc
	closeSubs map[int]ClosedFunc
}

func newQueue(list List, name string, closed bool) *Queue {
	return &Queue{
		name:      name,
		list:      list,
		closed:    closed,
		putSubs:   make(map[int]PutFunc),
		closeSubs: make(map[int]ClosedFunc),
	}
}

func (q *Queue) Name() string { return q.name }

// Closed reports whether the queue no longer accepts frames. The backing
// list stays readable after close.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Put JSON-encodes item, appends it and fires put subscribers. Putting into
// a closed queue is a no-op.
func (q *Queue) Put(ctx context.Context, item any) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue %s: encode item: %w", q.name, err)
	}
	return q.PutRaw(ctx, data, true)
}

// PutRaw appends pre-encoded data. fireEvent=false appends without waking
// subscribers (the non_event path). The append happens under the queue
// mutex, so a concurrent Close cannot let a frame land after close.
func (q *Queue) PutRaw(ctx context.Context, data []byte, fireEvent bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	if err := q.list.Append(ctx, q.name, data); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("queue %s: append: %w", q.name, err)
	}
	subs := make([]PutFunc, 0, len(q.putSubs))
	for _, fn := range q.putSubs {
		subs = append(subs, fn)
	}
	q.mu.Unlock()

	if !fireEvent {
		return nil
	}
	for _, fn := range subs {
		fn(data)
	}
	return nil
}

// GetAll reads the full backing list, oldest first.
func (q *Queue) GetAll(ctx context.Context) ([][]byte, error) {
	items, err := q.list.Range(ctx, q.name)
	if err != nil {
		return nil, fmt.Errorf("queue %s: range: %w", q.name, err)
	}
	return items, nil
}

// Len returns the number of frames in the backing list.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.list.Len(ctx, q.name)
}

// Close fires close subscribers, marks the queue closed and clears all
// subscriber tables. Idempotent; reads remain allowed.
func (q *Queue) Close() {
	q.close(true)
}

// CloseSilent closes without firing close subscribers.
func (q *Queue) CloseSilent() {
	q.close(false)
}

func (q *Queue) close(fireEvent bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	subs := make([]ClosedFunc, 0, len(q.closeSubs))
	for _, fn := range q.closeSubs {
		subs = append(subs, fn)
	}
	q.putSubs = make(map[int]PutFunc)
	q.closeSubs = make(map[int]ClosedFunc)
	q.mu.Unlock()

	if fireEvent {
		for _, fn := range subs {
			fn()
		}
	}
}

// OnPut registers a put subscriber and returns its registration id.
// Registration on a closed queue is accepted but never fires.
func (q *Queue) OnPut(fn PutFunc) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSub++
	if !q.closed {
		q.putSubs[q.nextSub] = fn
	}
	return q.nextSub
}

// OnPutFrom registers a put subscriber and returns, along with the
// registration id, the number of frames already in the backing list at
// registration time. Appends happen under the same mutex, so every frame at
// an index >= offset is delivered to fn and no frame below it is.
func (q *Queue) OnPutFrom(ctx context.Context, fn PutFunc) (id int, offset int64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	offset, err = q.list.Len(ctx, q.name)
	if err != nil {
		return 0, 0, fmt.Errorf("queue %s: len: %w", q.name, err)
	}
	q.nextSub++
	if !q.closed {
		q.putSubs[q.nextSub] = fn
	}
	return q.nextSub, offset, nil
}

// OnClose registers a close subscriber and returns its registration id.
func (q *Queue) OnClose(fn ClosedFunc) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSub++
	if !q.closed {
		q.closeSubs[q.nextSub] = fn
	}
	return q.nextSub
}

// Off removes a subscriber by registration id.
func (q *Queue) Off(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.putSubs, id)
	delete(q.closeSubs, id)
}
