// Package hub provides the single-goroutine event loop every meetsync
// component runs on, plus typed subscription feeds.
//
// Socket readers, capture devices, recognizers and timers all deliver their
// events by posting closures to one Loop, so component state is only ever
// touched from the loop goroutine and needs no locking.
package hub

import (
	"context"
	"sync"
)

// Dispatcher schedules fn to run on the event loop.
type Dispatcher interface {
	Post(fn func())
}

// Loop is a FIFO executor. Post never blocks, so closures running on the
// loop may post further work without deadlocking.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

// NewLoop returns an idle loop. Call Run to start processing.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Run executes posted closures in order until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.queue = nil
			l.mu.Unlock()
			return
		case <-l.wake:
			for {
				fn, ok := l.next()
				if !ok {
					break
				}
				fn()
			}
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// Post enqueues fn. Posts after Run has returned are discarded.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do posts fn and waits for it to run, or for ctx to end. It must not be
// called from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inline runs posted closures immediately on the caller's goroutine. It is
// meant for callers that already serialize access themselves.
type Inline struct{}

// Post runs fn synchronously.
func (Inline) Post(fn func()) {
	if fn != nil {
		fn()
	}
}

// Feed fans a value out to subscribers. Like the rest of the loop-confined
// state it is not safe for concurrent use.
type Feed[T any] struct {
	next int
	subs map[int]func(T)
	keys []int
}

// Subscribe registers fn and returns a disposer that removes it again.
func (f *Feed[T]) Subscribe(fn func(T)) (dispose func()) {
	if f.subs == nil {
		f.subs = make(map[int]func(T))
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	f.keys = append(f.keys, id)
	return func() {
		if _, ok := f.subs[id]; !ok {
			return
		}
		delete(f.subs, id)
		for i, k := range f.keys {
			if k == id {
				f.keys = append(f.keys[:i], f.keys[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers v to every subscriber in subscription order. A
// subscriber added during delivery is first called on the next Publish.
func (f *Feed[T]) Publish(v T) {
	keys := make([]int, len(f.keys))
	copy(keys, f.keys)
	for _, k := range keys {
		if fn, ok := f.subs[k]; ok {
			fn(v)
		}
	}
}

// Len reports the number of active subscribers.
func (f *Feed[T]) Len() int { return len(f.subs) }
