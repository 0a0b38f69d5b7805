// Package dispatch runs tokenization requests on a fixed pool of worker
// goroutines fed by a bounded queue.
//
// Submit never blocks: when the queue is full the caller gets
// ErrServiceSaturated immediately and decides whether to retry or shed
// load. Each request is answered through its own Reply. Workers share the
// immutable vocab.Set and need no locking while they run.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/example/go-tokend/internal/vocab"
)

var (
	// ErrServiceSaturated is returned by Submit when the queue is full.
	ErrServiceSaturated = errors.New("tokenizer service saturated")
	// ErrWorkerTerminated reports a reply that will never be answered
	// because its worker died, and submissions to a service with no live
	// workers left.
	ErrWorkerTerminated = errors.New("tokenizer worker terminated")
	// ErrServiceClosed is returned by Submit after Close.
	ErrServiceClosed = errors.New("tokenizer service closed")
)

const (
	DefaultWorkers   = 1
	DefaultQueueSize = 100
)

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	workers      int
	queueSize    int
	logger       *slog.Logger
	beforeHandle func(Request)
}

func defaultOptions() options {
	return options{
		workers:   DefaultWorkers,
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
	}
}

// Option configures a Service.
type Option func(*options)

// WithWorkers sets the number of worker goroutines. One worker processes
// requests strictly in queue order.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithQueueSize sets the number of requests that may wait for a worker.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithLogger sets the logger used for worker events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

type job struct {
	req   Request
	reply *Reply
}

// Service owns the queue and the workers.
type Service struct {
	set     *vocab.Set
	queue   chan job
	workers int
	log     *slog.Logger
	hook    func(Request)
	wg      conc.WaitGroup

	// mu orders Submit against Close and termination so nothing is sent on
	// a closed queue.
	mu     sync.RWMutex
	closed bool
	dead   bool

	live      atomic.Int64
	processed atomic.Uint64
	panicked  atomic.Uint64
}

// Stats is a point-in-time view of the service.
type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Workers       int    `json:"workers"`
	LiveWorkers   int    `json:"live_workers"`
	Processed     uint64 `json:"processed"`
	Panics        uint64 `json:"panics"`
}

// New starts the workers. The set is shared, never copied.
func New(set *vocab.Set, optFns ...Option) (*Service, error) {
	if set == nil {
		return nil, errors.New("dispatch: nil vocabulary set")
	}
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.workers < 1 {
		return nil, fmt.Errorf("dispatch: workers must be positive, got %d", opts.workers)
	}
	if opts.queueSize < 1 {
		return nil, fmt.Errorf("dispatch: queue size must be positive, got %d", opts.queueSize)
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}

	s := &Service{
		set:     set,
		queue:   make(chan job, opts.queueSize),
		workers: opts.workers,
		log:     opts.logger,
		hook:    opts.beforeHandle,
	}
	s.live.Store(int64(opts.workers))
	for i := range opts.workers {
		s.wg.Go(func() { s.work(i) })
	}

	s.log.Debug("dispatch service started",
		"workers", opts.workers,
		"queue_size", opts.queueSize,
		"encodings", set.Encodings(),
	)
	return s, nil
}

// Submit enqueues req without blocking and returns the slot its answer will
// arrive on.
func (s *Service) Submit(req Request) (*Reply, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrServiceClosed
	}
	if s.dead {
		return nil, ErrWorkerTerminated
	}

	reply := newReply()
	select {
	case s.queue <- job{req: req, reply: reply}:
		return reply, nil
	default:
		return nil, ErrServiceSaturated
	}
}

// Close stops accepting requests, lets the workers drain what is already
// queued, and waits for them to exit. It is safe to call more than once.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Debug("dispatch service stopped", "processed", s.processed.Load())
}

// Stats reports queue and worker counters.
func (s *Service) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.queue),
		QueueCapacity: cap(s.queue),
		Workers:       s.workers,
		LiveWorkers:   int(s.live.Load()),
		Processed:     s.processed.Load(),
		Panics:        s.panicked.Load(),
	}
}

// Encodings lists the encodings the workers can serve.
func (s *Service) Encodings() []vocab.Encoding {
	return s.set.Encodings()
}

// ---------------------------------------------------------------------------
// workers
// ---------------------------------------------------------------------------

func (s *Service) work(id int) {
	log := s.log.With("worker", id)
	for j := range s.queue {
		if !s.handle(log, j) {
			s.retire(j.reply)
			return
		}
	}
	s.live.Add(-1)
}

// handle answers one job. It reports false if the job panicked, in which
// case the reply is still open and the worker must stop.
func (s *Service) handle(log *slog.Logger, j job) bool {
	start := time.Now()

	var pc panics.Catcher
	pc.Try(func() {
		if s.hook != nil {
			s.hook(j.req)
		}
		res, err := run(s.set, j.req)
		j.reply.fulfil(res, err)
	})

	if r := pc.Recovered(); r != nil {
		s.panicked.Add(1)
		log.Error("worker panicked",
			"kind", j.req.Kind.String(),
			"encoding", j.req.Encoding.String(),
			"panic", fmt.Sprint(r.Value),
			"stack", string(r.Stack),
		)
		return false
	}

	s.processed.Add(1)
	log.Debug("request handled",
		"kind", j.req.Kind.String(),
		"encoding", j.req.Encoding.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}

// retire removes a panicked worker. When it was the last one, the service
// is marked dead before the failed reply is released, so a caller that
// observes ErrWorkerTerminated on Wait also gets it from Submit.
func (s *Service) retire(failed *Reply) {
	if s.live.Add(-1) == 0 {
		s.terminate()
	}
	failed.abandon()
}

// terminate rejects further submissions and abandons every queued reply.
func (s *Service) terminate() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()

	s.log.Error("all tokenizer workers terminated", "queued", len(s.queue))
	for {
		select {
		case j, ok := <-s.queue:
			if !ok {
				return
			}
			j.reply.abandon()
		default:
			return
		}
	}
}
