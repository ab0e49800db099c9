package generation

import (
	"sync"

	"github.com/JakeFAU/videre-progress/internal/tracker"
	"github.com/google/uuid"
)

// Context is caller-owned state for one user of the tracker: the topic to
// generate and the result of the most recent successful generation. It is
// safe for concurrent use.
type Context struct {
	mu          sync.RWMutex
	topic       string
	lastResult  string
	lastSession uuid.UUID
	lastOutcome *tracker.Outcome
}

// NewContext returns a Context for topic.
func NewContext(topic string) *Context {
	return &Context{topic: topic}
}

// Topic returns the current topic.
func (c *Context) Topic() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topic
}

// SetTopic replaces the topic used by the next Start.
func (c *Context) SetTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic = topic
}

// LastResult returns the result locator of the last successful generation.
func (c *Context) LastResult() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastResult, c.lastResult != ""
}

// LastOutcome returns the most recent terminal outcome and its session id.
func (c *Context) LastOutcome() (uuid.UUID, tracker.Outcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastOutcome == nil {
		return uuid.Nil, tracker.Outcome{}, false
	}
	return c.lastSession, *c.lastOutcome, true
}

func (c *Context) record(id uuid.UUID, o tracker.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSession = id
	c.lastOutcome = &o
	if o.Success {
		c.lastResult = o.Result
	}
}
