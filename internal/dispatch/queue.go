// Package dispatch is the in-memory notification queue between the request
// path and the notification sink.
//
// Enqueue never blocks and never fails the caller: codes are persisted
// before they are enqueued, so a lost notification only means the user asks
// for a resend. The queue is not durable; jobs still queued at Stop are
// dropped and counted in the log.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/clickpay/internal/metrics"
	"github.com/sakif/clickpay/internal/notify"
)

// Config tunes the queue. Zero values fall back to the defaults below.
type Config struct {
	Capacity    int
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	MaxAttempts int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Job is one message plus its delivery bookkeeping.
type Job struct {
	Message    notify.Message
	Attempts   int
	EnqueuedAt time.Time
}

// Queue is a bounded FIFO drained on a ticker.
//
// HOW IT FITS TOGETHER:
//
//	Enqueue ──▶ jobs (buffered chan, Capacity) ──tick──▶ drain ──▶ deliver ×Concurrency ──▶ Sink
//	                ▲                                                  │
//	                └────────────── push on failure (Attempts < Max) ──┘
//
// The buffered channel is the queue itself: its length is the depth, a
// non-blocking send is "enqueue or drop", and a non-blocking receive is
// "take if any". No extra mutex is needed.
type Queue struct {
	sink   notify.Sink
	config Config
	logger *slog.Logger
	jobs   chan Job
	done   chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func New(sink notify.Sink, cfg Config, logger *slog.Logger) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		sink:   sink,
		config: cfg,
		logger: logger.With("component", "dispatch"),
		jobs:   make(chan Job, cfg.Capacity),
		done:   make(chan struct{}),
	}
}

// Enqueue adds msg to the queue. It reports false if the queue was full and
// the message was dropped.
func (q *Queue) Enqueue(msg notify.Message) bool {
	return q.push(Job{Message: msg, EnqueuedAt: time.Now()}, "enqueued")
}

// push is the non-blocking send shared by Enqueue and the retry path.
// event labels the metric ("enqueued" or "retried").
func (q *Queue) push(job Job, event string) bool {
	// SELECT WITH DEFAULT:
	// A plain `q.jobs <- job` blocks while the buffer is full, which would
	// stall the HTTP handler that enqueued. The default branch turns a
	// full buffer into an immediate drop instead.
	select {
	case q.jobs <- job:
		metrics.DispatchJobsTotal.WithLabelValues(event).Inc()
		metrics.DispatchQueueDepth.Set(float64(len(q.jobs)))
		return true
	default:
		metrics.DispatchJobsTotal.WithLabelValues("dropped").Inc()
		q.logger.Warn("queue full, dropping notification",
			"kind", job.Message.Kind,
			"attempts", job.Attempts,
		)
		return false
	}
}

// Len is the number of jobs waiting.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Start launches the drain loop. Calling it more than once is a no-op.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		q.logger.Info("starting notification queue",
			"capacity", q.config.Capacity,
			"interval", q.config.Interval,
			"concurrency", q.config.Concurrency,
		)
		q.wg.Add(1)
		go q.run()
	})
}

// Stop ends the drain loop after the batch in flight and discards whatever
// is still queued.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		// Closing done wakes run's select; wg.Wait returns once the batch
		// it was sending (if any) has finished.
		close(q.done)
		q.wg.Wait()

		dropped := 0
		for {
			select {
			case <-q.jobs:
				dropped++
				continue
			default:
			}
			break
		}
		metrics.DispatchQueueDepth.Set(0)
		if dropped > 0 {
			metrics.DispatchJobsTotal.WithLabelValues("dropped").Add(float64(dropped))
		}
		q.logger.Info("notification queue stopped", "undelivered", dropped)
	})
}

func (q *Queue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.drain()
		}
	}
}

// drain takes up to BatchSize jobs and sends them with at most Concurrency
// in flight. Failed jobs go back to the tail of the queue until they run out
// of attempts.
func (q *Queue) drain() {
	batch := make([]Job, 0, q.config.BatchSize)
	for len(batch) < q.config.BatchSize {
		select {
		case job := <-q.jobs:
			batch = append(batch, job)
			continue
		default:
		}
		break
	}
	metrics.DispatchQueueDepth.Set(float64(len(q.jobs)))
	if len(batch) == 0 {
		return
	}

	// SEMAPHORE:
	// A buffered channel of empty structs caps the goroutines in flight.
	// Sending blocks once Concurrency slots are taken; each goroutine
	// frees its slot on exit.
	sem := make(chan struct{}, q.config.Concurrency)
	var wg sync.WaitGroup
	for _, job := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			q.deliver(job)
		}()
	}
	wg.Wait()
}

// deliver sends one job with its own timeout. The context is not derived
// from any request: the request that enqueued the message is long gone.
func (q *Queue) deliver(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.config.SendTimeout)
	defer cancel()

	job.Attempts++
	err := q.sink.Send(ctx, job.Message)
	if err == nil {
		metrics.DispatchJobsTotal.WithLabelValues("delivered").Inc()
		q.logger.Debug("notification delivered",
			"kind", job.Message.Kind,
			"attempts", job.Attempts,
			"latency", time.Since(job.EnqueuedAt),
		)
		return
	}

	if job.Attempts >= q.config.MaxAttempts {
		metrics.DispatchJobsTotal.WithLabelValues("dropped").Inc()
		q.logger.Error("notification dropped after max attempts",
			"kind", job.Message.Kind,
			"to_domain", notify.EmailDomain(job.Message.To),
			"attempts", job.Attempts,
			"error", err,
		)
		return
	}

	q.logger.Warn("notification failed, will retry",
		"kind", job.Message.Kind,
		"attempts", job.Attempts,
		"error", err,
	)
	q.push(job, "retried")
}
