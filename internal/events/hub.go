package events

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
)

const defaultSubscriberBuffer = 16

// Hub is the in-process registry of dashboard sessions, keyed by topic.
// Delivery never blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	buffer int
	nextID uint64
	closed bool
	topics map[string]map[uint64]chan domain.SaleCompletedEvent
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		buffer: buffer,
		topics: make(map[string]map[uint64]chan domain.SaleCompletedEvent),
	}
}

type Subscription struct {
	hub   *Hub
	topic string
	id    uint64
	ch    chan domain.SaleCompletedEvent
	once  sync.Once
}

// Events is closed when the subscription is closed.
func (s *Subscription) Events() <-chan domain.SaleCompletedEvent {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s.topic, s.id)
	})
}

func (h *Hub) Subscribe(topic string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		hub:   h,
		topic: topic,
		id:    h.nextID,
		ch:    make(chan domain.SaleCompletedEvent, h.buffer),
	}
	if h.closed {
		close(sub.ch)
		return sub
	}
	subscribers, ok := h.topics[topic]
	if !ok {
		subscribers = make(map[uint64]chan domain.SaleCompletedEvent)
		h.topics[topic] = subscribers
	}
	subscribers[sub.id] = sub.ch
	return sub
}

func (h *Hub) unsubscribe(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers := h.topics[topic]
	ch, ok := subscribers[id]
	if !ok {
		return
	}
	delete(subscribers, id)
	close(ch)
	if len(subscribers) == 0 {
		delete(h.topics, topic)
	}
}

// Close ends every subscription. Later subscriptions start closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for topic, subscribers := range h.topics {
		for _, ch := range subscribers {
			close(ch)
		}
		delete(h.topics, topic)
	}
}

// Subscribers returns the number of sessions currently joined to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) Broadcast(_ context.Context, topic string, event domain.SaleCompletedEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for _, ch := range h.topics[topic] {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		log.WithFields(log.Fields{
			"topic":   topic,
			"sale_id": event.SaleID,
			"dropped": dropped,
		}).Warn("[events] slow dashboard subscribers missed a sale event")
	}
	return nil
}
