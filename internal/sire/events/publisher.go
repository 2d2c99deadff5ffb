// Package events publishes ticket lifecycle events.
//
// Publishing is fail-open: the orchestrator logs a failed publish and carries
// on, since the ticket row remains the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"sire/internal/sire/models"
)

// Publisher emits ticket events.
type Publisher interface {
	Publish(ctx context.Context, ev models.TicketEvent) error
}

// Producer is the subset of *kgo.Client used for publishing.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaPublisher writes events as JSON records keyed by ticket id, so all
// events for one ticket land on one partition in order.
type KafkaPublisher struct {
	producer Producer
	topic    string
}

func NewKafkaPublisher(producer Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev models.TicketEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode ticket event: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.TicketID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
		Timestamp: ev.OccurredAt,
	}
	if err := p.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce ticket event: %w", err)
	}
	return nil
}

// MemoryPublisher keeps events in process. Used when no broker is configured
// and in tests.
type MemoryPublisher struct {
	mu     sync.RWMutex
	events []models.TicketEvent
	limit  int
}

// NewMemoryPublisher keeps at most limit events; zero keeps 1000.
func NewMemoryPublisher(limit int) *MemoryPublisher {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryPublisher{limit: limit}
}

func (p *MemoryPublisher) Publish(_ context.Context, ev models.TicketEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	if len(p.events) > p.limit {
		p.events = p.events[len(p.events)-p.limit:]
	}
	return nil
}

// ForTicket returns the events recorded for ticketID in publish order.
func (p *MemoryPublisher) ForTicket(ticketID string) []models.TicketEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.TicketEvent, 0)
	for _, ev := range p.events {
		if ev.TicketID == ticketID {
			out = append(out, ev)
		}
	}
	return out
}

// All returns a copy of every recorded event.
func (p *MemoryPublisher) All() []models.TicketEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.TicketEvent, len(p.events))
	copy(out, p.events)
	return out
}
