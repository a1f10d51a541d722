// Package sink implements the non-blocking observability sink.
//
// Error and request records are written to an internal buffered channel and
// flushed in batches by a background goroutine — recording never blocks the
// dispatcher hot path. When a channel fills up, the oldest queued entry is
// dropped in favour of the new one and counted.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// ErrorRecord describes one failed upstream attempt.
type ErrorRecord struct {
	ID               uuid.UUID
	Provider         string
	CredentialDigest string
	Egress           string
	Status           int
	Message          string
	RequestBody      []byte // nil unless ERROR_LOG_RECORD_REQUEST_BODY is on
	CreatedAt        time.Time
}

// RequestRecord describes one completed inbound request.
type RequestRecord struct {
	ID        uuid.UUID
	Provider  string
	Model     string
	Status    int
	LatencyMs int64
	CreatedAt time.Time
}

// Persister is the storage backend the sink flushes batches to.
type Persister interface {
	SaveErrorLogs(ctx context.Context, recs []ErrorRecord) error
	SaveRequestLogs(ctx context.Context, recs []RequestRecord) error
}

// Sink accepts records without blocking and flushes them in the background.
type Sink struct {
	errCh chan ErrorRecord
	reqCh chan RequestRecord

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	store   Persister
	log     *slog.Logger
}

// New creates a running Sink. store may be nil, in which case error records
// are only emitted through the structured logger and request records are
// discarded.
func New(ctx context.Context, store Persister, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	s := &Sink{
		errCh:   make(chan ErrorRecord, channelBuffer),
		reqCh:   make(chan RequestRecord, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		store:   store,
		log:     log,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// RecordError enqueues an error record. Never blocks: on overflow the oldest
// queued record is dropped.
func (s *Sink) RecordError(rec ErrorRecord) {
	if rec.ID == (uuid.UUID{}) {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	for {
		select {
		case s.errCh <- rec:
			return
		default:
		}
		select {
		case <-s.errCh:
			atomic.AddInt64(&s.dropped, 1)
		default:
		}
	}
}

// RecordRequest enqueues a request record with the same overflow policy.
func (s *Sink) RecordRequest(rec RequestRecord) {
	if rec.ID == (uuid.UUID{}) {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	for {
		select {
		case s.reqCh <- rec:
			return
		default:
		}
		select {
		case <-s.reqCh:
			atomic.AddInt64(&s.dropped, 1)
		default:
		}
	}
}

// Dropped returns the number of records discarded due to overflow.
func (s *Sink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close flushes pending records and stops the background goroutine. Safe to
// call more than once.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	errBatch := make([]ErrorRecord, 0, batchSize)
	reqBatch := make([]RequestRecord, 0, batchSize)

	flush := func() {
		if len(errBatch) > 0 {
			if s.store != nil {
				if err := s.store.SaveErrorLogs(s.baseCtx, errBatch); err != nil {
					s.log.Error("error log flush failed", slog.String("error", err.Error()))
				}
			}
			for _, e := range errBatch {
				s.log.Warn("upstream_error",
					slog.String("provider", e.Provider),
					slog.String("credential", e.CredentialDigest),
					slog.String("egress", e.Egress),
					slog.Int("status", e.Status),
					slog.String("message", e.Message),
				)
			}
			errBatch = errBatch[:0]
		}
		if len(reqBatch) > 0 {
			if s.store != nil {
				if err := s.store.SaveRequestLogs(s.baseCtx, reqBatch); err != nil {
					s.log.Error("request log flush failed", slog.String("error", err.Error()))
				}
			}
			reqBatch = reqBatch[:0]
		}
	}

	for {
		select {
		case rec := <-s.errCh:
			errBatch = append(errBatch, rec)
			if len(errBatch) >= batchSize {
				flush()
			}

		case rec := <-s.reqCh:
			reqBatch = append(reqBatch, rec)
			if len(reqBatch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.done:
			for {
				select {
				case rec := <-s.errCh:
					errBatch = append(errBatch, rec)
				case rec := <-s.reqCh:
					reqBatch = append(reqBatch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}
