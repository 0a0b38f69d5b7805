// Package fastpath serves one encoding synchronously, without the dispatch
// queue.
//
// Every concurrently active caller borrows its own Encoder, so callers
// never contend on shared state. An instance is built lazily the first time
// no idle one is available and pays the full construction cost. Built
// instances stay with the pool for its lifetime, so the number of builds is
// bounded by the peak number of concurrent callers. The path trades memory
// for latency and never recognizes special tokens.
package fastpath

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/example/go-tokend/internal/vocab"
)

// Pool hands out private Encoder instances for a single encoding.
type Pool struct {
	encoding vocab.Encoding
	build    func() (*vocab.Encoder, error)
	builds   atomic.Int64

	mu   sync.Mutex
	idle []*vocab.Encoder
}

// New returns an empty pool. build is called once per instance.
func New(enc vocab.Encoding, build func() (*vocab.Encoder, error)) *Pool {
	return &Pool{encoding: enc, build: build}
}

// Encoding reports the encoding this pool serves.
func (p *Pool) Encoding() vocab.Encoding { return p.encoding }

// Builds reports how many instances have been constructed so far.
func (p *Pool) Builds() int { return int(p.builds.Load()) }

func (p *Pool) acquire() (*vocab.Encoder, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		e := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	e, err := p.build()
	if err != nil {
		return nil, fmt.Errorf("fast path %s: %w", p.encoding, err)
	}
	if e.Encoding() != p.encoding {
		return nil, fmt.Errorf("fast path %s: builder returned %s", p.encoding, e.Encoding())
	}
	p.builds.Add(1)
	return e, nil
}

func (p *Pool) with(fn func(*vocab.Encoder)) error {
	e, err := p.acquire()
	if err != nil {
		return err
	}
	defer p.release(e)
	fn(e)
	return nil
}

func (p *Pool) release(e *vocab.Encoder) {
	p.mu.Lock()
	p.idle = append(p.idle, e)
	p.mu.Unlock()
}

// Idle reports how many built instances are waiting for a caller.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Warm builds an instance ahead of the first call.
func (p *Pool) Warm() error {
	return p.with(func(*vocab.Encoder) {})
}

// Encode tokenizes text with every special token treated as plain text.
func (p *Pool) Encode(text string) ([]uint32, error) {
	var ids []uint32
	err := p.with(func(e *vocab.Encoder) { ids = e.EncodeOrdinary(text) })
	return ids, err
}

// Count returns len(Encode(text)).
func (p *Pool) Count(text string) (int, error) {
	ids, err := p.Encode(text)
	return len(ids), err
}

// Estimate approximates the token count of text. It cannot fail: when no
// instance can be built it falls back to one token per four bytes.
func (p *Pool) Estimate(text string) int {
	n := -1
	if err := p.with(func(e *vocab.Encoder) { n = e.Estimate(text) }); err != nil {
		return (len(text) + 3) / 4
	}
	return n
}
