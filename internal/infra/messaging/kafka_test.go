package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"crypto_mm/internal/domain"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs     []kafka.Message
	err      error
	deadline bool
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_, w.deadline = ctx.Deadline()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_RecordFill(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "mm.fills"}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	err := p.RecordFill(context.Background(), domain.FillRecord{
		OrderID:   "ord-1",
		ProductID: "ETH-USD",
		Side:      domain.SideSell,
		Price:     decimal.RequireFromString("100.15"),
		FilledAt:  at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.True(t, w.deadline)
	assert.Equal(t, "ord-1", string(w.msgs[0].Key))
	assert.Equal(t, at, w.msgs[0].Time)

	var got domain.FillRecord
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, domain.SideSell, got.Side)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("100.15")))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
	assert.Equal(t, "kafka", p.Name())
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	boom := errors.New("broker unreachable")
	p := &KafkaPublisher{writer: &fakeWriter{err: boom}, topic: "mm.fills"}
	err := p.RecordFill(context.Background(), domain.FillRecord{OrderID: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "mm.fills")
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "t")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)
	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "t")
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
