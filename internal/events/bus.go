package events

import (
	"sync"
	"time"
)

// Envelope wraps a published payload with its topic and publish time.
// Subscribers that multiplex several topics into one stream (the websocket
// fan-out) read the topic from the envelope instead of tracking which channel
// a message arrived on.
type Envelope struct {
	Topic   Topic     `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Bus is an in-process pub/sub broker. Delivery is best-effort: a subscriber
// that falls behind its buffer loses messages, so a publish from the engine
// loop can never block on a stuck reader.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Envelope
	now  func() time.Time
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Envelope), now: time.Now}
}

// Subscribe registers a listener for a topic. The returned unsubscribe
// function closes the channel, so a range over the stream terminates once the
// subscription is torn down.
func (b *Bus) Subscribe(t Topic, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subs[t] = append(b.subs[t], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[t]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[t] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish stamps the payload into an envelope and fans it out. Slow
// subscribers are skipped, never waited on.
func (b *Bus) Publish(t Topic, payload any) {
	env := Envelope{Topic: t, At: b.now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[t] {
		select {
		case ch <- env:
		default:
		}
	}
}
