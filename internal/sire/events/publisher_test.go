package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"sire/internal/sire/models"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		f.records = append(f.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func sampleEvent(ticketID string) models.TicketEvent {
	return models.TicketEvent{
		Type:       models.EventTicketTransition,
		TicketID:   ticketID,
		TaxpayerID: "20100070970",
		Operation:  "export-proposal",
		From:       models.StatusPending,
		To:         models.StatusSubmitted,
		OccurredAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisher_Publish(t *testing.T) {
	prod := &fakeProducer{}
	pub := NewKafkaPublisher(prod, "sire.ticket-events")

	require.NoError(t, pub.Publish(context.Background(), sampleEvent("t-1")))
	require.Len(t, prod.records, 1)

	rec := prod.records[0]
	assert.Equal(t, "sire.ticket-events", rec.Topic)
	assert.Equal(t, []byte("t-1"), rec.Key)
	assert.Equal(t, "event_type", rec.Headers[0].Key)
	assert.Equal(t, []byte(models.EventTicketTransition), rec.Headers[0].Value)

	var decoded models.TicketEvent
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	assert.Equal(t, models.StatusSubmitted, decoded.To)
}

func TestKafkaPublisher_PropagatesProduceError(t *testing.T) {
	pub := NewKafkaPublisher(&fakeProducer{err: errors.New("broker down")}, "topic")
	err := pub.Publish(context.Background(), sampleEvent("t-1"))
	assert.ErrorContains(t, err, "broker down")
}

func TestMemoryPublisher(t *testing.T) {
	pub := NewMemoryPublisher(2)
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, sampleEvent("a")))
	require.NoError(t, pub.Publish(ctx, sampleEvent("b")))
	require.NoError(t, pub.Publish(ctx, sampleEvent("a")))

	assert.Len(t, pub.All(), 2)
	assert.Len(t, pub.ForTicket("a"), 1)
	assert.Len(t, pub.ForTicket("b"), 1)
}
