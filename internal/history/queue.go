package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pufferblow/live-relay/internal/stats"
)

type job struct {
	kind string
	run  func(ctx context.Context) error
}

type QueueOptions struct {
	Workers int
	Size    int
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *stats.Metrics
}

// Queue is a Recorder that buffers records and writes them to a Sink from a
// fixed set of workers. When the buffer is full the record is dropped.
type Queue struct {
	sink    Sink
	jobs    chan job
	workers int
	timeout time.Duration
	logger  *slog.Logger
	metrics *stats.Metrics

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func NewQueue(sink Sink, opts QueueOptions) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Size < 32 {
		opts.Size = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		sink:    sink,
		jobs:    make(chan job, opts.Size),
		workers: opts.Workers,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i + 1)
	}
}

func (q *Queue) worker(workerID int) {
	defer q.wg.Done()
	q.logger.Debug("history worker started", "worker", workerID)
	for j := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := j.run(ctx)
		cancel()
		if err != nil {
			q.metrics.HistoryFailed()
			q.logger.Warn("history write failed", "kind", j.kind, "error", err)
		}
	}
}

// Stop rejects new records, drains the buffer and closes the sink.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if started {
		q.wg.Wait()
	}
	return q.sink.Close()
}

func (q *Queue) enqueue(kind string, run func(ctx context.Context) error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}

	select {
	case q.jobs <- job{kind: kind, run: run}:
	default:
		q.metrics.HistoryDropped()
		q.logger.Warn("dropping history record due to full queue", "kind", kind)
	}
}

func (q *Queue) RecordConnectionEvent(e ConnectionEvent) {
	q.enqueue("connection_event", func(ctx context.Context) error {
		return q.sink.WriteConnectionEvent(ctx, e)
	})
}

func (q *Queue) RecordMessage(m Message) {
	q.enqueue("message", func(ctx context.Context) error {
		return q.sink.WriteMessage(ctx, m)
	})
}

func (q *Queue) RecordLog(l Log) {
	q.enqueue("log", func(ctx context.Context) error {
		return q.sink.WriteLog(ctx, l)
	})
}
