// Package dispatch holds the delivery backends for queued notifications. The
// worker itself never sends email or push; it hands the envelope to Kafka and
// a downstream sender takes it from there. Log is the dev fallback.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/RailKite/PNRWatch/internal/broker/messages"
	"github.com/RailKite/PNRWatch/internal/models"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Kafka struct {
	producer Producer
	topic    string
}

func NewKafka(producer Producer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

func (k *Kafka) Deliver(ctx context.Context, n models.Notification) error {
	out := messages.NotificationOut{
		ID:        n.ID,
		Kind:      n.Kind,
		OwnerID:   n.OwnerID,
		Payload:   n.Payload,
		Attempt:   n.Attempts + 1,
		CreatedAt: n.CreatedAt,
	}
	b, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	return k.producer.Publish(ctx, k.topic, []byte(n.ID), b)
}

type Log struct{}

func NewLog() *Log { return &Log{} }

func (l *Log) Deliver(ctx context.Context, n models.Notification) error {
	slog.Info("notification delivered",
		"id", n.ID,
		"kind", n.Kind,
		"owner_id", n.OwnerID,
		"attempt", n.Attempts+1,
	)
	return nil
}
