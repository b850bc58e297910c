package hub

import (
	"context"
	"sync"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l
}

func TestLoop_RunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var n int
	if err := l.Do(ctx, func() { n = len(got) }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if n != 100 {
		t.Fatalf("expected 100 closures before Do, got %d", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("closure %d ran out of order (%d)", i, v)
		}
	}
}

func TestLoop_PostFromLoopDoesNotBlock(t *testing.T) {
	l := startLoop(t)
	done := make(chan struct{})
	l.Post(func() {
		for i := 0; i < 1000; i++ {
			l.Post(func() {})
		}
		l.Post(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("nested posts did not drain")
	}
}

func TestLoop_ConcurrentPosts(t *testing.T) {
	l := startLoop(t)
	var (
		wg    sync.WaitGroup
		count int
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var got int
	if err := l.Do(ctx, func() { got = count }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 400 {
		t.Fatalf("expected 400 increments, got %d", got)
	}
}

func TestLoop_DoAfterStop(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	ran := false
	l.Post(func() { ran = true })

	dctx, dcancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer dcancel()
	if err := l.Do(dctx, func() {}); err == nil {
		t.Fatalf("expected Do to time out on a stopped loop")
	}
	if ran {
		t.Fatalf("closure ran after stop")
	}
}

func TestInline(t *testing.T) {
	ran := false
	Inline{}.Post(func() { ran = true })
	if !ran {
		t.Fatalf("inline dispatcher did not run closure")
	}
	Inline{}.Post(nil)
}

func TestFeed(t *testing.T) {
	t.Run("delivers in subscription order", func(t *testing.T) {
		var f Feed[string]
		var got []string
		f.Subscribe(func(s string) { got = append(got, "a:"+s) })
		f.Subscribe(func(s string) { got = append(got, "b:"+s) })
		f.Publish("x")
		if len(got) != 2 || got[0] != "a:x" || got[1] != "b:x" {
			t.Fatalf("unexpected deliveries: %v", got)
		}
	})

	t.Run("dispose is idempotent", func(t *testing.T) {
		var f Feed[int]
		calls := 0
		dispose := f.Subscribe(func(int) { calls++ })
		keep := f.Subscribe(func(int) {})
		dispose()
		dispose()
		f.Publish(1)
		if calls != 0 {
			t.Fatalf("disposed subscriber was called")
		}
		if f.Len() != 1 {
			t.Fatalf("expected one subscriber left, got %d", f.Len())
		}
		keep()
		if f.Len() != 0 {
			t.Fatalf("expected no subscribers, got %d", f.Len())
		}
	})

	t.Run("dispose during delivery skips later subscriber", func(t *testing.T) {
		var f Feed[int]
		var second func()
		calls := 0
		f.Subscribe(func(int) { second() })
		second = f.Subscribe(func(int) { calls++ })
		f.Publish(1)
		if calls != 0 {
			t.Fatalf("subscriber removed mid-delivery was still called")
		}
	})

	t.Run("subscribe during delivery waits for next publish", func(t *testing.T) {
		var f Feed[int]
		late := 0
		added := false
		f.Subscribe(func(int) {
			if !added {
				added = true
				f.Subscribe(func(int) { late++ })
			}
		})
		f.Publish(1)
		if late != 0 {
			t.Fatalf("late subscriber saw the in-flight value")
		}
		f.Publish(2)
		if late != 1 {
			t.Fatalf("late subscriber missed the next value")
		}
	})
}
