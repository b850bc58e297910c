package control

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event topics streamed on /ws/events.
const (
	TopicState    = "state"
	TopicNotice   = "notice"
	TopicSegments = "segments"
	TopicCaption  = "caption"
)

var allTopics = []string{TopicState, TopicNotice, TopicSegments, TopicCaption}

// Client is one event stream subscriber.
type Client struct {
	Topics map[string]bool
	Send   chan []byte
	Conn   *websocket.Conn
}

// Event is the frame written to subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type broadcastMessage struct {
	Topic string
	Data  []byte
}

// Broadcaster fans events out to websocket clients. Only Run touches the
// client set; everything else talks to it through channels.
type Broadcaster struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMessage
	done       chan struct{}
	log        *zap.Logger

	mu    sync.RWMutex
	count int
}

// NewBroadcaster returns a broadcaster that queues up to buffer events
// before dropping new ones.
func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMessage, buffer),
		done:       make(chan struct{}),
		log:        logger.Named("events"),
	}
}

// Run serves registrations and broadcasts until ctx ends, then closes every
// client's Send channel.
func (b *Broadcaster) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			for c := range b.clients {
				b.drop(c)
			}
			return
		case c := <-b.register:
			b.clients[c] = true
			b.setCount()
		case c := <-b.unregister:
			if b.clients[c] {
				b.drop(c)
			}
		case msg := <-b.broadcast:
			for c := range b.clients {
				if !c.Topics[msg.Topic] {
					continue
				}
				select {
				case c.Send <- msg.Data:
				default:
					b.log.Warn("event client too slow, disconnecting")
					b.drop(c)
				}
			}
		}
	}
}

func (b *Broadcaster) drop(c *Client) {
	delete(b.clients, c)
	close(c.Send)
	b.setCount()
}

func (b *Broadcaster) setCount() {
	b.mu.Lock()
	b.count = len(b.clients)
	b.mu.Unlock()
}

// Clients returns the number of connected subscribers.
func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Register adds c. It reports false once Run has returned.
func (b *Broadcaster) Register(c *Client) bool {
	select {
	case b.register <- c:
		return true
	case <-b.done:
		return false
	}
}

// Unregister removes c and closes its Send channel if still registered.
func (b *Broadcaster) Unregister(c *Client) {
	select {
	case b.unregister <- c:
	case <-b.done:
	}
}

// Publish queues an event without blocking. It reports false when the queue
// is full or the value cannot be encoded.
func (b *Broadcaster) Publish(topic string, data any) bool {
	frame, err := json.Marshal(Event{Type: topic, Data: data})
	if err != nil {
		b.log.Warn("failed to encode event", zap.String("topic", topic), zap.Error(err))
		return false
	}
	select {
	case b.broadcast <- broadcastMessage{Topic: topic, Data: frame}:
		return true
	default:
		b.log.Warn("event queue full, dropping event", zap.String("topic", topic))
		return false
	}
}

// ParseTopics reads a comma separated topic list. Empty selects all.
func ParseTopics(list []string) map[string]bool {
	out := make(map[string]bool)
	for _, item := range list {
		for _, t := range strings.Split(item, ",") {
			t = strings.TrimSpace(t)
			for _, known := range allTopics {
				if t == known {
					out[t] = true
				}
			}
		}
	}
	if len(out) == 0 {
		for _, t := range allTopics {
			out[t] = true
		}
	}
	return out
}
