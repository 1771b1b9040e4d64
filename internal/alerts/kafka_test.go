package alerts

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink_KeysBySourceAccount(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}

	a := testAlert(42)
	require.NoError(t, sink.Publish(context.Background(), a))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "42", string(msg.Key))

	var decoded Alert
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, a.ID, decoded.ID)
	assert.Equal(t, a.Verdict, decoded.Verdict)
	assert.Equal(t, int64(42), decoded.SourceAccount)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaSink(t *testing.T) {
	sink := NewKafkaSink([]string{"localhost:9092"}, "alerts")
	w, ok := sink.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "alerts", w.Topic)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
}
