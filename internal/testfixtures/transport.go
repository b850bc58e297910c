package testfixtures

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Vasu1712/meetsync/internal/ws"
)

// Transport is an in-memory ws.Dialer. Each successful dial yields a Conn
// the test drives from the server side.
type Transport struct {
	mu       sync.Mutex
	urls     []string
	failures []error
	dials    chan *Conn
}

var _ ws.Dialer = (*Transport)(nil)

// NewTransport returns a transport that accepts every dial.
func NewTransport() *Transport {
	return &Transport{dials: make(chan *Conn, 64)}
}

// FailNext makes the next dial return err.
func (tr *Transport) FailNext(err error) {
	tr.mu.Lock()
	tr.failures = append(tr.failures, err)
	tr.mu.Unlock()
}

// DialContext implements ws.Dialer.
func (tr *Transport) DialContext(ctx context.Context, url string) (ws.Conn, error) {
	tr.mu.Lock()
	tr.urls = append(tr.urls, url)
	if len(tr.failures) > 0 {
		err := tr.failures[0]
		tr.failures = tr.failures[1:]
		tr.mu.Unlock()
		tr.dials <- nil
		return nil, err
	}
	tr.mu.Unlock()
	c := newConn(url)
	tr.dials <- c
	return c, nil
}

// NextDial waits for the next dial attempt. The result is nil when the
// attempt was made to fail.
func (tr *Transport) NextDial(t testing.TB) *Conn {
	t.Helper()
	return Receive(t, tr.dials, "dial attempt")
}

// URLs returns every dialed URL in order.
func (tr *Transport) URLs() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, len(tr.urls))
	copy(out, tr.urls)
	return out
}

type frame struct {
	data []byte
	err  error
}

// Conn is the client side of an in-memory socket.
type Conn struct {
	URL string

	inbound   chan frame
	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(url string) *Conn {
	return &Conn{
		URL:     url,
		inbound: make(chan frame, 64),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// ReadMessage implements ws.Conn.
func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.inbound:
		if f.err != nil {
			return 0, nil, f.err
		}
		return websocket.TextMessage, f.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

// WriteMessage implements ws.Conn.
func (c *Conn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.written <- cp:
	default:
	}
	return nil
}

// Close implements ws.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// IsClosed reports whether the client closed the connection.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// WaitClosed waits for the client to close the connection.
func (c *Conn) WaitClosed(t testing.TB) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(WaitTimeout):
		t.Fatalf("timed out waiting for %s to close", c.URL)
	}
}

// Push delivers v as a JSON text frame.
func (c *Conn) Push(t testing.TB, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.inbound <- frame{data: data}
}

// PushRaw delivers a text frame verbatim.
func (c *Conn) PushRaw(text string) {
	c.inbound <- frame{data: []byte(text)}
}

// ServerClose ends the connection with a close frame.
func (c *Conn) ServerClose(code int, reason string) {
	c.inbound <- frame{err: &websocket.CloseError{Code: code, Text: reason}}
}

// Drop ends the connection without a close frame.
func (c *Conn) Drop() {
	c.inbound <- frame{err: io.ErrUnexpectedEOF}
}

// NextWrite waits for the next frame written by the client and decodes it
// into a generic map.
func (c *Conn) NextWrite(t testing.TB) map[string]any {
	t.Helper()
	data := Receive(t, c.written, "outbound frame")
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("outbound frame is not JSON: %v", err)
	}
	return out
}

// Written returns the number of frames waiting to be read with NextWrite.
func (c *Conn) Written() int { return len(c.written) }
