package sink

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memPersister collects flushed batches for assertions.
type memPersister struct {
	mu   sync.Mutex
	errs []ErrorRecord
	reqs []RequestRecord
}

func (m *memPersister) SaveErrorLogs(_ context.Context, recs []ErrorRecord) error {
	m.mu.Lock()
	m.errs = append(m.errs, recs...)
	m.mu.Unlock()
	return nil
}

func (m *memPersister) SaveRequestLogs(_ context.Context, recs []RequestRecord) error {
	m.mu.Lock()
	m.reqs = append(m.reqs, recs...)
	m.mu.Unlock()
	return nil
}

func (m *memPersister) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errs), len(m.reqs)
}

func TestSink_FlushOnClose(t *testing.T) {
	p := &memPersister{}
	s := New(context.Background(), p, nil)

	s.RecordError(ErrorRecord{Provider: "openai", Status: 500, Message: "boom"})
	s.RecordRequest(RequestRecord{Provider: "openai", Model: "gpt-4o", Status: 200, LatencyMs: 12})

	s.Close()

	errs, reqs := p.counts()
	if errs != 1 || reqs != 1 {
		t.Errorf("expected 1 error and 1 request record, got %d/%d", errs, reqs)
	}
}

func TestSink_FillsDefaults(t *testing.T) {
	p := &memPersister{}
	s := New(context.Background(), p, nil)

	s.RecordError(ErrorRecord{Provider: "p", Status: 502})
	s.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(p.errs))
	}
	rec := p.errs[0]
	if rec.ID == [16]byte{} {
		t.Error("record should get an ID")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("record should get a timestamp")
	}
}

func TestSink_PeriodicFlush(t *testing.T) {
	p := &memPersister{}
	s := New(context.Background(), p, nil)
	defer s.Close()

	s.RecordRequest(RequestRecord{Provider: "p", Status: 200})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, reqs := p.counts(); reqs == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("record was not flushed within the flush interval")
}

func TestSink_NeverBlocksOnOverflow(t *testing.T) {
	// nil persister: a fast burst larger than the buffer must drop the
	// oldest records rather than block the caller.
	s := New(context.Background(), nil, nil)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < channelBuffer*2; i++ {
			s.RecordError(ErrorRecord{Provider: "p", Status: 500})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("RecordError blocked on overflow")
	}
}
