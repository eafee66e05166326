package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RailKite/PNRWatch/internal/broker/messages"
	"github.com/RailKite/PNRWatch/internal/models"
)

type fakeProducer struct {
	topic string
	key   []byte
	value []byte
	err   error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.topic, p.key, p.value = topic, key, value
	return p.err
}

func TestKafka_Deliver(t *testing.T) {
	fp := &fakeProducer{}
	k := NewKafka(fp, "pnr.notifications")

	n := models.Notification{
		ID:        "n-1",
		Kind:      models.NotificationKindStatusChange,
		OwnerID:   "owner-1",
		Payload:   json.RawMessage(`{"pnr":"1111111111"}`),
		Attempts:  1,
		CreatedAt: time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, k.Deliver(context.Background(), n))
	require.Equal(t, "pnr.notifications", fp.topic)
	require.Equal(t, []byte("n-1"), fp.key)

	var out messages.NotificationOut
	require.NoError(t, json.Unmarshal(fp.value, &out))
	require.Equal(t, "n-1", out.ID)
	require.Equal(t, 2, out.Attempt)
	require.JSONEq(t, `{"pnr":"1111111111"}`, string(out.Payload))
}

func TestKafka_DeliverPublishError(t *testing.T) {
	fp := &fakeProducer{err: errors.New("broker down")}
	k := NewKafka(fp, "pnr.notifications")

	err := k.Deliver(context.Background(), models.Notification{ID: "n-1"})
	require.Error(t, err)
}

func TestLog_Deliver(t *testing.T) {
	l := NewLog()
	require.NoError(t, l.Deliver(context.Background(), models.Notification{ID: "n-1"}))
}
