package dispatch

import (
	"context"
	"sync"
)

type outcome struct {
	res Result
	err error
}

// Reply is the single-use slot a worker answers a Request through. The
// channel has capacity one, is written at most once and then closed, so a
// worker never blocks on a caller that stopped listening.
type Reply struct {
	ch   chan outcome
	once sync.Once
}

func newReply() *Reply {
	return &Reply{ch: make(chan outcome, 1)}
}

// fulfil stores the outcome. Calls after the first are ignored.
func (r *Reply) fulfil(res Result, err error) {
	r.once.Do(func() {
		r.ch <- outcome{res: res, err: err}
		close(r.ch)
	})
}

// abandon closes the slot without a value.
func (r *Reply) abandon() {
	r.once.Do(func() { close(r.ch) })
}

// Wait blocks until the worker answers or ctx is done. Cancelling ctx does
// not stop the worker; its result is discarded.
//
// A slot that was abandoned by a dying worker, or that was already read,
// reports ErrWorkerTerminated.
func (r *Reply) Wait(ctx context.Context) (Result, error) {
	select {
	case o, ok := <-r.ch:
		if !ok {
			return Result{}, ErrWorkerTerminated
		}
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
