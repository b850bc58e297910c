package testfixtures

import (
	"context"
	"testing"
	"time"

	"github.com/Vasu1712/meetsync/internal/hub"
)

// WaitTimeout bounds every blocking helper in this package.
const WaitTimeout = 2 * time.Second

// StartLoop runs a hub.Loop for the lifetime of the test.
func StartLoop(t testing.TB) *hub.Loop {
	t.Helper()
	loop := hub.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)
	return loop
}

// Sync runs fn on the loop and waits for it. Everything posted before the
// call has run by the time Sync returns.
func Sync(t testing.TB, loop *hub.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), WaitTimeout)
	defer cancel()
	if fn == nil {
		fn = func() {}
	}
	if err := loop.Do(ctx, fn); err != nil {
		t.Fatalf("loop did not run closure: %v", err)
	}
}

// Receive waits for a value on ch.
func Receive[T any](t testing.TB, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(WaitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}
