// Package notify carries transient user-facing notices.
package notify

import (
	"log"
	"sync"
	"time"
)

// Level classifies a notice.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is one transient notification.
type Notice struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier reports outcomes to the user.
type Notifier interface {
	Success(message string)
	Error(message string)
}

// Discard drops every notice.
type Discard struct{}

func (Discard) Success(string) {}
func (Discard) Error(string)   {}

const defaultCapacity = 32

// Center keeps the most recent notices and fans them out to watchers.
type Center struct {
	mu       sync.Mutex
	recent   []Notice
	capacity int
	watchers map[int]chan Notice
	nextID   int
}

// NewCenter returns a Center retaining up to capacity notices.
func NewCenter(capacity int) *Center {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Center{capacity: capacity, watchers: make(map[int]chan Notice)}
}

func (c *Center) Success(message string) { c.publish(LevelSuccess, message) }
func (c *Center) Error(message string)   { c.publish(LevelError, message) }

func (c *Center) publish(level Level, message string) {
	n := Notice{Level: level, Message: message, At: time.Now().UTC()}
	log.Printf("[notify] %s: %s", level, message)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = append(c.recent, n)
	if len(c.recent) > c.capacity {
		c.recent = c.recent[len(c.recent)-c.capacity:]
	}
	for _, ch := range c.watchers {
		select {
		case ch <- n:
		default:
		}
	}
}

// Recent returns the retained notices, oldest first.
func (c *Center) Recent() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notice(nil), c.recent...)
}

// Watch streams new notices until the returned cancel function is called.
func (c *Center) Watch() (<-chan Notice, func()) {
	ch := make(chan Notice, 8)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}
