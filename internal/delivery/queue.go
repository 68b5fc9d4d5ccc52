package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nestaid/nestaid-server/pkg/metrics"
)

const defaultQueueDepth = 256

var errSenderClosed = errors.New("sms queue: sender closed")

type smsJob struct {
	ctx  context.Context
	msg  SMSMessage
	done chan smsResult
}

type smsResult struct {
	receipt Receipt
	err     error
}

// QueuedSMSSender serialises all SMS sends through a single dispatcher
// goroutine feeding off a FIFO queue, acquiring a rate limiter token before
// each dispatch. Callers that cannot get a token immediately queue rather
// than drop, and submission order is preserved.
type QueuedSMSSender struct {
	provider SMSProvider
	limiter  *Limiter
	jobs     chan smsJob

	closeOnce sync.Once
	closed    chan struct{}
}

var _ SMSProvider = (*QueuedSMSSender)(nil)

// NewQueuedSMSSender starts the dispatcher. Close must be called on shutdown.
func NewQueuedSMSSender(provider SMSProvider, limiter *Limiter) (*QueuedSMSSender, error) {
	if provider == nil {
		return nil, errors.New("sms queue: provider is required")
	}
	if limiter == nil {
		limiter = NewLimiter(DefaultSMSRate, 1)
	}

	s := &QueuedSMSSender{
		provider: provider,
		limiter:  limiter,
		jobs:     make(chan smsJob, defaultQueueDepth),
		closed:   make(chan struct{}),
	}
	go s.dispatch()
	return s, nil
}

// SendSMS enqueues the message and blocks until it has been dispatched or ctx
// is cancelled while still queued.
func (s *QueuedSMSSender) SendSMS(ctx context.Context, msg SMSMessage) (Receipt, error) {
	select {
	case <-s.closed:
		return Receipt{}, errSenderClosed
	default:
	}

	job := smsJob{ctx: ctx, msg: msg, done: make(chan smsResult, 1)}

	select {
	case s.jobs <- job:
	case <-s.closed:
		return Receipt{}, errSenderClosed
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}

	select {
	case res := <-job.done:
		return res.receipt, res.err
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	case <-s.closed:
		// The dispatcher may have completed the job while shutting down.
		select {
		case res := <-job.done:
			return res.receipt, res.err
		default:
			return Receipt{}, errSenderClosed
		}
	}
}

// Close stops the dispatcher. Queued jobs fail with a closed error.
func (s *QueuedSMSSender) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

func (s *QueuedSMSSender) dispatch() {
	for {
		select {
		case <-s.closed:
			s.drain()
			return
		case job := <-s.jobs:
			s.run(job)
		}
	}
}

func (s *QueuedSMSSender) run(job smsJob) {
	// A cancelled caller must not burn a token.
	select {
	case <-job.ctx.Done():
		job.done <- smsResult{err: job.ctx.Err()}
		return
	default:
	}

	waitStart := time.Now()
	if err := s.limiter.Acquire(job.ctx); err != nil {
		job.done <- smsResult{err: err}
		return
	}
	metrics.SMSQueueWait.Observe(time.Since(waitStart).Seconds())

	receipt, err := s.provider.SendSMS(job.ctx, job.msg)
	job.done <- smsResult{receipt: receipt, err: err}
}

func (s *QueuedSMSSender) drain() {
	for {
		select {
		case job := <-s.jobs:
			job.done <- smsResult{err: errSenderClosed}
		default:
			return
		}
	}
}
