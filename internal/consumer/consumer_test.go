package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/modplast83/Modern-MPS--sub001/internal/alerts"
	"github.com/modplast83/Modern-MPS--sub001/internal/metrics"
)

// fakeReader serves msgs once, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

// fakeSubmitter fails the first failures calls with a store error.
type fakeSubmitter struct {
	mu       sync.Mutex
	failures int
	got      []alerts.Event
}

func (s *fakeSubmitter) Submit(_ context.Context, ev alerts.Event) (alerts.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Type == "" {
		return alerts.SubmitResult{}, &alerts.ValidationError{Field: "type", Reason: "required"}
	}
	if s.failures > 0 {
		s.failures--
		return alerts.SubmitResult{}, errors.New("database is locked")
	}
	s.got = append(s.got, ev)
	return alerts.SubmitResult{Created: true}, nil
}

func TestConsumer_Run(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"type":"production","source":"line-3","title":"Machine stopped","severity":"high"}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"source":"line-3","title":"no type"}`)},
		{Offset: 4, Value: []byte(`{"type":"quality","title":"Scrap above limit"}`)},
	}}
	sub := &fakeSubmitter{failures: 2}
	c := NewWithReader(reader, "mps.condition-events", sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retryDelay = time.Millisecond
	m := metrics.NewCollector("test", nil)
	c.SetMetrics(m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(reader.commits()) < 4 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	commits := reader.commits()
	want := []int64{1, 2, 3, 4}
	if len(commits) != len(want) {
		t.Fatalf("committed %v, want %v", commits, want)
	}
	for i := range want {
		if commits[i] != want[i] {
			t.Errorf("commit[%d] = %d, want %d", i, commits[i], want[i])
		}
	}
	if len(sub.got) != 2 || sub.got[0].Severity != "high" {
		t.Errorf("submitted %+v", sub.got)
	}
	if m.Get(metrics.EventsConsumed) != 2 || m.Get(metrics.EventsInvalid) != 2 {
		t.Errorf("metrics = %+v", m.Snapshot().Counters)
	}
}

func TestConsumer_StopsWhileRetrying(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 9, Value: []byte(`{"type":"production","title":"Machine stopped"}`)},
	}}
	sub := &fakeSubmitter{failures: 1 << 30}
	c := NewWithReader(reader, "t", sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retryDelay = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(reader.commits()) != 0 {
		t.Errorf("committed %v, want nothing", reader.commits())
	}
}

func TestParseBrokers(t *testing.T) {
	got := parseBrokers(" kafka-1:9092, ,kafka-2:9092 ")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Errorf("parseBrokers() = %v", got)
	}
}
