//go:build integration

package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"sire/internal/platform/kafka"
	"sire/internal/sire/events"
	"sire/internal/sire/models"
	"sire/pkg/testutil/containers"
)

const topic = "sire.ticket-events.test"

type KafkaPublisherSuite struct {
	suite.Suite
	broker   *containers.RedpandaContainer
	producer *kgo.Client
}

func TestKafkaPublisherSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaPublisherSuite))
}

func (s *KafkaPublisherSuite) SetupSuite() {
	ctx := context.Background()
	s.broker = containers.GetManager().GetRedpanda(s.T())

	producer, err := kafka.NewProducer(ctx, s.broker.Brokers, topic)
	s.Require().NoError(err)
	s.producer = producer
	s.Require().NoError(kafka.EnsureTopic(ctx, producer, topic, 3))
	// Idempotent on a second call.
	s.Require().NoError(kafka.EnsureTopic(ctx, producer, topic, 3))
}

func (s *KafkaPublisherSuite) TearDownSuite() {
	if s.producer != nil {
		s.producer.Close()
	}
}

func (s *KafkaPublisherSuite) TestPublishedEventsAreKeyedAndOrdered() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pub := events.NewKafkaPublisher(s.producer, topic)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	sequence := []models.TicketStatus{models.StatusPending, models.StatusSubmitted, models.StatusProcessing, models.StatusCompleted}
	for i := 1; i < len(sequence); i++ {
		s.Require().NoError(pub.Publish(ctx, models.TicketEvent{
			Type:       models.EventTicketTransition,
			TicketID:   "TKT-KAFKA",
			TaxpayerID: "20123456789",
			Operation:  "export-proposal",
			From:       sequence[i-1],
			To:         sequence[i],
			OccurredAt: at.Add(time.Duration(i) * time.Second),
		}))
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.broker.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	var got []models.TicketEvent
	partitions := map[int32]struct{}{}
	for len(got) < len(sequence)-1 {
		fetches := consumer.PollFetches(ctx)
		s.Require().NoError(ctx.Err(), "timed out waiting for events")
		fetches.EachRecord(func(r *kgo.Record) {
			if string(r.Key) != "TKT-KAFKA" {
				return
			}
			var ev models.TicketEvent
			s.Require().NoError(json.Unmarshal(r.Value, &ev))
			s.Require().Len(r.Headers, 1)
			s.Equal(models.EventTicketTransition, string(r.Headers[0].Value))
			partitions[r.Partition] = struct{}{}
			got = append(got, ev)
		})
	}

	s.Len(partitions, 1)
	s.Equal(models.StatusSubmitted, got[0].To)
	s.Equal(models.StatusProcessing, got[1].To)
	s.Equal(models.StatusCompleted, got[2].To)
}
