package consumer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestFromRecord(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := FromRecord(&kgo.Record{
		Topic:     "patient",
		Partition: 2,
		Offset:    17,
		Key:       []byte("p-1"),
		Value:     []byte(`{}`),
		Timestamp: ts,
		Headers:   []kgo.RecordHeader{{Key: "event_type", Value: []byte("PATIENT_CREATED")}},
	})

	assert.Equal(t, "patient", msg.Topic)
	assert.Equal(t, int32(2), msg.Partition)
	assert.Equal(t, int64(17), msg.Offset)
	assert.Equal(t, "p-1", string(msg.Key))
	assert.Equal(t, ts, msg.Timestamp)
	assert.Equal(t, "PATIENT_CREATED", msg.Headers["event_type"])
}

func TestDispatch_LogsHandlerError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		return errors.New("boom")
	})

	Dispatch(context.Background(), handler, logger, &Message{Topic: "patient", Offset: 3})
	assert.Contains(t, buf.String(), "message handler failed")
	assert.Contains(t, buf.String(), "boom")
}
