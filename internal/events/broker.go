package events

import (
	"sync"

	"github.com/google/uuid"
)

// TopicJobs carries every job change; per-job log topics come from LogTopic.
const TopicJobs = "jobs"

func LogTopic(jobID uuid.UUID) string {
	return "logs:" + jobID.String()
}

// Event is one message delivered to a local subscriber.
type Event struct {
	Name string
	Data any
}

// Fanout is the process-local side of event delivery.
type Fanout interface {
	Publish(topic string, ev Event) int
}

// Broker broadcasts events to in-process subscribers. A subscriber whose buffer is
// full misses the event rather than stalling the publisher.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

type Subscription struct {
	topic  string
	ch     chan Event
	broker *Broker
	once   sync.Once
}

// Events is closed when the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		if set, ok := b.subs[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.topic)
			}
		}
		b.mu.Unlock()
		close(s.ch)
	})
}

func (b *Broker) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic:  topic,
		ch:     make(chan Event, b.buffer),
		broker: b,
	}
	b.mu.Lock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish returns the number of subscribers that accepted the event.
func (b *Broker) Publish(topic string, ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sent := 0
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
			sent++
		default:
			// buffer full - skip
		}
	}
	return sent
}

func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
