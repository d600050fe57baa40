package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var ErrQueueFull = errors.New("audit queue full")

var droppedRecords = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "llm_bridge",
	Name:      "audit_records_dropped_total",
	Help:      "Audit records dropped because the queue was full or the write failed",
})

func init() {
	prometheus.MustRegister(droppedRecords)
}

const writeTimeout = 5 * time.Second

// Queue decouples audit writes from request handling with a bounded buffer
// and one background writer. When the buffer is full the record is dropped
// and counted rather than blocking the response path.
type Queue struct {
	sink    Sink
	ch      chan *Record
	logger  *zap.Logger
	wg      sync.WaitGroup
	dropped atomic.Int64

	closeOnce sync.Once
}

func NewQueue(sink Sink, size int, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	q := &Queue{
		sink:   sink,
		ch:     make(chan *Record, size),
		logger: logger,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for rec := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := q.sink.Append(ctx, rec)
		cancel()
		if err != nil {
			q.dropped.Add(1)
			droppedRecords.Inc()
			q.logger.Error("audit write failed",
				zap.String("account_ref", rec.AccountRef),
				zap.Error(err))
		}
	}
}

// Append enqueues a record without blocking. A full queue returns
// ErrQueueFull; callers log and move on.
func (q *Queue) Append(ctx context.Context, rec *Record) error {
	select {
	case q.ch <- rec:
		return nil
	default:
		q.dropped.Add(1)
		droppedRecords.Inc()
		q.logger.Warn("audit queue full, record dropped",
			zap.String("account_ref", rec.AccountRef))
		return ErrQueueFull
	}
}

// ListByAccountRef reads through to the underlying sink.
func (q *Queue) ListByAccountRef(ctx context.Context, accountRef string, from, to time.Time) ([]*Record, error) {
	return q.sink.ListByAccountRef(ctx, accountRef, from, to)
}

// Dropped reports how many records were lost since startup.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close drains buffered records and stops the writer.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.ch)
	})
	q.wg.Wait()
}
