// Package memory keeps outcome notifications in process when no broker is
// configured. Only the most recent messages are retained.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

const defaultCapacity = 1024

// Message is one retained publish, encoded the way a broker would receive it.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithCapacity bounds how many messages are retained; older ones are dropped.
func WithCapacity(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// Publisher is a bounded in-memory outbox.
type Publisher struct {
	mu       sync.Mutex
	capacity int
	seq      uint64
	messages []Message
}

// New returns an empty Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{capacity: defaultCapacity}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish encodes payload as JSON and retains it under a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := "memory-" + strconv.FormatUint(p.seq, 10)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	if over := len(p.messages) - p.capacity; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
	}
	return id, nil
}

// Messages returns the retained messages, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
