// Package events delivers sale-completed notifications to dashboard
// observers once a sale has been committed.
package events

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
)

const DefaultTopic = "dashboard"

// Broadcaster hands an event to every observer of topic.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, event domain.SaleCompletedEvent) error
}

type PublisherConfig struct {
	Topic    string
	Currency string
	Timeout  time.Duration
}

// Publisher makes one delivery attempt per committed sale on its own
// goroutine. Delivery failures are logged and never reach the caller.
type Publisher struct {
	broadcaster Broadcaster
	topic       string
	currency    string
	timeout     time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPublisher(broadcaster Broadcaster, cfg PublisherConfig) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Publisher{
		broadcaster: broadcaster,
		topic:       cfg.Topic,
		currency:    cfg.Currency,
		timeout:     cfg.Timeout,
	}
}

// NewSaleCompletedEvent builds the dashboard payload for a committed sale.
func NewSaleCompletedEvent(sale *domain.Sale, currency string) domain.SaleCompletedEvent {
	return domain.SaleCompletedEvent{
		SaleID:      sale.ID,
		OrderNumber: sale.OrderNumber,
		TotalCents:  sale.TotalCents,
		Currency:    currency,
		Website:     sale.WebsiteName,
		ItemCount:   len(sale.Lines),
		Timestamp:   sale.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (p *Publisher) Publish(sale *domain.Sale) {
	if sale == nil {
		return
	}
	event := NewSaleCompletedEvent(sale, p.currency)
	entry := log.WithFields(log.Fields{
		"sale_id":      event.SaleID,
		"order_number": event.OrderNumber,
		"topic":        p.topic,
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		entry.Warn("[events] publisher closed, dropping sale event")
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				entry.Errorf("[events] broadcaster panicked: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		if err := p.broadcaster.Broadcast(ctx, p.topic, event); err != nil {
			entry.WithError(err).Warn("[events] sale event delivery failed")
			return
		}
		entry.Debug("[events] sale event delivered")
	}()
}

// Close stops accepting new events and waits for in-flight deliveries or
// ctx, whichever comes first.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
