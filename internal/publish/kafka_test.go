package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence/internal/monitoring"
	"github.com/banshee-data/presence/internal/presence"
)

func init() {
	monitoring.SetLogger(nil)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkPublishesKeyedEvents(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	sink := newKafkaSinkWithWriter(w, "attendance.events")
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.FixedZone("CET", 3600))

	require.NoError(t, sink.HandleCheckIn(context.Background(), "HQ-A", presence.ReasonEnterRegion, at))
	require.NoError(t, sink.HandleCheckOut(context.Background(), "HQ-A", presence.ReasonSoftExitGrace, at.Add(time.Hour)))
	require.Len(t, w.msgs, 2)

	msg := w.msgs[0]
	assert.Equal(t, "HQ-A", string(msg.Key))
	assert.Equal(t, []kafka.Header{{Key: "type", Value: []byte("check_in")}}, msg.Headers)
	assert.JSONEq(t,
		`{"type":"check_in","site_id":"HQ-A","reason":"enter-region","at":"2026-03-02T09:00:00Z"}`,
		string(msg.Value))

	var ev Event
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &ev))
	assert.Equal(t, "check_out", ev.Type)
	assert.Equal(t, presence.ReasonSoftExitGrace, ev.Reason)
	assert.True(t, ev.At.Equal(at.Add(time.Hour)))
}

func TestKafkaSinkWrapsWriteErrors(t *testing.T) {
	t.Parallel()
	broker := errors.New("broker unavailable")
	sink := newKafkaSinkWithWriter(&fakeWriter{err: broker}, "attendance.events")

	err := sink.HandleCheckIn(context.Background(), "LAB", presence.ReasonEnterRegion, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, broker)
	assert.Contains(t, err.Error(), "attendance.events")
}

func TestNewKafkaSinkValidates(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaSink(nil, "attendance.events")
	assert.Error(t, err)
	_, err = NewKafkaSink([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	sink, err := NewKafkaSink([]string{"localhost:9092"}, "attendance.events")
	require.NoError(t, err)
	assert.NoError(t, sink.Close())
}

func TestNewKafkaSinkFlushesEachEvent(t *testing.T) {
	t.Parallel()

	sink, err := NewKafkaSink([]string{"localhost:9092"}, "attendance.events")
	require.NoError(t, err)
	defer sink.Close()

	w, ok := sink.w.(*kafka.Writer)
	require.True(t, ok)
	assert.False(t, w.Async)
	assert.Equal(t, 1, w.BatchSize)
	assert.True(t, w.BatchTimeout > 0 && w.BatchTimeout <= 10*time.Millisecond,
		"batch timeout %v; zero falls back to the one second default", w.BatchTimeout)
}
