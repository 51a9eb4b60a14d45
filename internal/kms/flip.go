package kms

import (
	"sync"
	"time"

	"github.com/opd-ai/planecomp/internal/drm"
)

// FlipJob asks the worker to scan out one buffer of a plane.
type FlipJob struct {
	Plane  int
	Buffer *drm.Framebuffer
	Index  int
	Async  bool
}

// QueueOption configures a FlipQueue.
type QueueOption func(*FlipQueue)

// WithQueueLogger sets the queue logger.
func WithQueueLogger(l Logger) QueueOption {
	return func(q *FlipQueue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithQueueObserver sets the queue observer.
func WithQueueObserver(o Observer) QueueOption {
	return func(q *FlipQueue) {
		if o != nil {
			q.obs = o
		}
	}
}

// WithFlipErrorHandler registers a callback for failed flips. It runs on
// the worker goroutine.
func WithFlipErrorHandler(fn func(error)) QueueOption {
	return func(q *FlipQueue) { q.onError = fn }
}

// FlipQueue runs flips for one plane on a dedicated worker goroutine. At
// most maxQueue jobs wait behind the one being executed; Enqueue blocks
// beyond that.
type FlipQueue struct {
	dev     drm.Device
	jobs    chan FlipJob
	stop    chan struct{}
	done    chan struct{}
	pending sync.WaitGroup
	// senders counts Enqueue calls between the closed check and the send.
	senders sync.WaitGroup

	log     Logger
	obs     Observer
	onError func(error)

	mu     sync.Mutex
	closed bool
}

// NewFlipQueue starts a worker flipping on dev. maxQueue below 1 is
// raised to 1.
func NewFlipQueue(dev drm.Device, maxQueue int, opts ...QueueOption) *FlipQueue {
	if maxQueue < 1 {
		maxQueue = 1
	}
	q := &FlipQueue{
		dev:  dev,
		jobs: make(chan FlipJob, maxQueue),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  nopLogger{},
		obs:  nopObserver{},
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.run()
	return q
}

// Enqueue hands job to the worker, blocking while the queue is full. It
// may race with Close: a job sent after Close began is dropped by Close.
func (q *FlipQueue) Enqueue(job FlipJob) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.senders.Add(1)
	q.pending.Add(1)
	q.mu.Unlock()
	defer q.senders.Done()

	select {
	case q.jobs <- job:
		return nil
	default:
	}

	q.obs.FlipBackpressure(job.Plane)
	select {
	case q.jobs <- job:
		return nil
	case <-q.stop:
		q.pending.Done()
		return ErrQueueClosed
	}
}

// Wait blocks until every enqueued job has run or been dropped. It must
// be called from the goroutine that enqueues.
func (q *FlipQueue) Wait() {
	q.pending.Wait()
}

// Len returns the number of jobs waiting for the worker.
func (q *FlipQueue) Len() int { return len(q.jobs) }

// Cap returns the queue depth.
func (q *FlipQueue) Cap() int { return cap(q.jobs) }

func (q *FlipQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		default:
		}
		select {
		case <-q.stop:
			return
		case job := <-q.jobs:
			q.flip(job)
		}
	}
}

func (q *FlipQueue) flip(job FlipJob) {
	defer q.pending.Done()
	start := time.Now()
	err := q.dev.Flip(job.Plane, job.Buffer, job.Async)
	q.obs.FlipCompleted(job.Plane, job.Async, time.Since(start), err)
	if err == nil {
		return
	}
	ferr := &Error{Op: "flip", Plane: job.Plane, Err: err}
	q.log.Warn("flip failed", "plane", job.Plane, "buffer", job.Index, "error", err)
	if q.onError != nil {
		q.onError(ferr)
	}
}

// Close stops the worker after the flip in progress, drops queued jobs
// and returns how many were dropped. Later calls return 0.
func (q *FlipQueue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()

	<-q.done
	q.senders.Wait()
	dropped := 0
	var plane int
drain:
	for {
		select {
		case job := <-q.jobs:
			plane = job.Plane
			dropped++
			q.pending.Done()
		default:
			break drain
		}
	}
	if dropped > 0 {
		q.log.Debug("dropped queued flips", "plane", plane, "count", dropped)
		q.obs.FlipsDropped(plane, dropped)
	}
	return dropped
}
