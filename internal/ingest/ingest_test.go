package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/drivehub/internal/lifecycle"
	"github.com/example/drivehub/internal/models"
)

var here = models.Coordinate{Lat: -22.9068, Lon: -43.1729}

// fakeUpdater fails the first failN calls before succeeding.
type fakeUpdater struct {
	mu      sync.Mutex
	failN   int
	failErr error
	calls   []string
}

func (f *fakeUpdater) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if len(f.calls) <= f.failN {
		if f.failErr != nil {
			return f.failErr
		}
		return errors.New("registry busy")
	}
	return nil
}

func (f *fakeUpdater) SetOnline(id string, _ models.Coordinate) error      { return f.record("online:" + id) }
func (f *fakeUpdater) SetOffline(id string) error                          { return f.record("offline:" + id) }
func (f *fakeUpdater) UpdateLocation(id string, _ models.Coordinate) error { return f.record("move:" + id) }

func (f *fakeUpdater) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failN: 2}
	start := time.Now()
	err := applyWithRetry(context.Background(), f, LocationUpdate{ProviderID: "ana", Location: here, Status: StatusOnline}, 3, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, f.ops(), 3)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "5ms then 10ms of backoff")
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failN: 5}
	err := applyWithRetry(context.Background(), f, LocationUpdate{ProviderID: "ana", Location: here}, 3, time.Millisecond)
	require.Error(t, err)
	assert.Len(t, f.ops(), 3)
}

func TestApplyWithRetry_PermanentErrors(t *testing.T) {
	f := &fakeUpdater{failN: 5, failErr: models.ErrUnknownProvider}
	err := applyWithRetry(context.Background(), f, LocationUpdate{ProviderID: "ghost", Location: here}, 3, time.Millisecond)
	assert.ErrorIs(t, err, models.ErrUnknownProvider)
	assert.Len(t, f.ops(), 1)

	err = applyWithRetry(context.Background(), &fakeUpdater{}, LocationUpdate{ProviderID: "ana", Status: "parked"}, 3, time.Millisecond)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestApply_StatusRouting(t *testing.T) {
	f := &fakeUpdater{}
	require.NoError(t, apply(f, LocationUpdate{ProviderID: "a", Status: StatusOnline}))
	require.NoError(t, apply(f, LocationUpdate{ProviderID: "a"}))
	require.NoError(t, apply(f, LocationUpdate{ProviderID: "a", Status: StatusOffline}))
	assert.Equal(t, []string{"online:a", "move:a", "offline:a"}, f.ops())
}

// sliceReader replays messages, then blocks until ctx is done.
type sliceReader struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	errs   int
	closed bool
}

func (s *sliceReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if s.errs > 0 {
		s.errs--
		s.mu.Unlock()
		return kafka.Message{}, io.ErrUnexpectedEOF
	}
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *sliceReader) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func heartbeat(t *testing.T, u LocationUpdate) kafka.Message {
	t.Helper()
	b, err := json.Marshal(u)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(u.ProviderID), Value: b}
}

func TestLocationConsumer_Run(t *testing.T) {
	r := &sliceReader{msgs: []kafka.Message{
		heartbeat(t, LocationUpdate{ProviderID: "ana", Location: here, Status: StatusOnline}),
		{Value: []byte("not json")},
		heartbeat(t, LocationUpdate{ProviderID: "ana", Location: here}),
	}}
	f := &fakeUpdater{}
	c := newLocationConsumer(r, f, ConsumerConfig{Topic: "provider-heartbeats", Delay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return len(f.ops()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"online:ana", "move:ana"}, f.ops())
	assert.True(t, r.closed)
}

func TestLocationConsumer_SkipsOwnHeartbeats(t *testing.T) {
	own := heartbeat(t, LocationUpdate{ProviderID: "ana", Location: here, Status: StatusOnline})
	own.Headers = []kafka.Header{{Key: SourceHeader, Value: []byte("node-1")}}
	other := heartbeat(t, LocationUpdate{ProviderID: "bia", Location: here, Status: StatusOnline})
	other.Headers = []kafka.Header{{Key: SourceHeader, Value: []byte("node-2")}}
	r := &sliceReader{msgs: []kafka.Message{own, other}}
	f := &fakeUpdater{}
	c := newLocationConsumer(r, f, ConsumerConfig{IgnoreSource: "node-1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return len(f.ops()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"online:bia"}, f.ops())
}

func TestLocationConsumer_ReadErrorBacksOff(t *testing.T) {
	r := &sliceReader{errs: 1, msgs: []kafka.Message{heartbeat(t, LocationUpdate{ProviderID: "ana", Location: here})}}
	f := &fakeUpdater{}
	c := newLocationConsumer(r, f, ConsumerConfig{})
	c.backoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	require.Eventually(t, func() bool { return len(f.ops()) == 1 }, time.Second, 5*time.Millisecond)
}

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestKafkaProducer_KeysByID(t *testing.T) {
	locs, events := &recordingWriter{}, &recordingWriter{}
	k := &KafkaProducer{locations: locs, events: events, source: "node-1"}
	ctx := context.Background()

	require.NoError(t, k.PublishLocation(ctx, LocationUpdate{ProviderID: "ana", Location: here, Status: StatusOnline}))
	require.NoError(t, k.PublishEvent(ctx, Event{RequestID: "req-1", From: models.StateSearching, To: models.StateOffered}))
	require.Len(t, locs.msgs, 1)
	require.Len(t, events.msgs, 1)
	assert.Equal(t, "ana", string(locs.msgs[0].Key))
	assert.Equal(t, "req-1", string(events.msgs[0].Key))
	require.Len(t, locs.msgs[0].Headers, 1)
	assert.Equal(t, SourceHeader, locs.msgs[0].Headers[0].Key)
	assert.Equal(t, "node-1", string(locs.msgs[0].Headers[0].Value))

	var e Event
	require.NoError(t, json.Unmarshal(events.msgs[0].Value, &e))
	assert.Equal(t, models.StateOffered, e.To)
	require.NoError(t, k.Close())
}

func TestKafkaProducer_DisabledStream(t *testing.T) {
	k := &KafkaProducer{}
	assert.NoError(t, k.PublishEvent(context.Background(), Event{RequestID: "r"}))
	assert.NoError(t, k.Close())
}

func TestEventPublisher_ForwardsTransitions(t *testing.T) {
	w := &recordingWriter{}
	p := NewEventPublisher(&KafkaProducer{events: w}, 4, nil)
	snap := models.Snapshot{ID: "req-1", State: models.StateMatched, ProviderID: "ana", Version: 4}
	p.OnTransition(lifecycle.Transition{From: models.StateOffered, To: models.StateMatched, Snapshot: snap, At: time.Now()})
	p.OnTransition(lifecycle.Transition{From: models.StateMatched, To: models.StateMatched, Snapshot: snap})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	require.Eventually(t, func() bool { return w.len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, w.len(), "annotation-only updates are not events")
}
