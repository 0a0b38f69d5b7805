// Package tokenizer is the public surface of tokend: it builds the
// vocabularies once, starts the dispatch workers, and exposes one method
// per tokenization operation.
//
// Every queued method takes a context that bounds only the wait for the
// reply. A cancelled caller does not stop the worker; the result is
// computed and discarded.
package tokenizer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/go-tokend/internal/config"
	"github.com/example/go-tokend/internal/dispatch"
	"github.com/example/go-tokend/internal/fastpath"
	"github.com/example/go-tokend/internal/special"
	"github.com/example/go-tokend/internal/vocab"
)

type options struct {
	logger      *slog.Logger
	fastBuilder func() (*vocab.Encoder, error)
}

// Option configures a Service.
type Option func(*options)

// WithLogger sets the logger passed to the vocabulary builders and workers.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFastPathBuilder replaces the function the fast path uses to build
// its private encoder instances.
func WithFastPathBuilder(fn func() (*vocab.Encoder, error)) Option {
	return func(o *options) { o.fastBuilder = fn }
}

// Service owns the vocabulary set, the dispatcher and the optional fast
// path.
type Service struct {
	set      *vocab.Set
	dispatch *dispatch.Service
	fast     *fastpath.Pool
	log      *slog.Logger
}

// BuildOptions translates the vocab section of cfg.
func BuildOptions(cfg config.Config, logger *slog.Logger) vocab.BuildOptions {
	return vocab.BuildOptions{
		Llama3: vocab.RanksLocator{
			Path:   cfg.Vocab.Llama3Path,
			Anchor: cfg.Vocab.Llama3Anchor,
		},
		Logger: logger,
	}
}

// NewService builds every configured encoding and starts the workers. It
// fails if any vocabulary cannot be built.
func NewService(cfg config.Config, optFns ...Option) (*Service, error) {
	opts := collect(optFns)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	encs, err := config.NormalizeEncodings(cfg.Vocab.Encodings)
	if err != nil {
		return nil, err
	}

	set, err := vocab.Build(encs, BuildOptions(cfg, opts.logger))
	if err != nil {
		return nil, err
	}
	return New(set, cfg, optFns...)
}

// New starts a Service over an already built set. Only the dispatch and
// fast_path sections of cfg are read.
func New(set *vocab.Set, cfg config.Config, optFns ...Option) (*Service, error) {
	opts := collect(optFns)

	d, err := dispatch.New(set,
		dispatch.WithWorkers(cfg.Dispatch.Workers),
		dispatch.WithQueueSize(cfg.Dispatch.QueueSize),
		dispatch.WithLogger(opts.logger),
	)
	if err != nil {
		return nil, err
	}

	s := &Service{set: set, dispatch: d, log: opts.logger}

	if cfg.FastPath.Enabled {
		enc, err := vocab.ParseEncoding(cfg.FastPath.Encoding)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("fast path: %w", err)
		}
		build := opts.fastBuilder
		if build == nil {
			bo := BuildOptions(cfg, opts.logger)
			build = func() (*vocab.Encoder, error) { return vocab.BuildEncoder(enc, bo) }
		}
		s.fast = fastpath.New(enc, build)
	}

	s.log.Info("tokenizer service ready",
		"encodings", set.Encodings(),
		"workers", cfg.Dispatch.Workers,
		"queue_size", cfg.Dispatch.QueueSize,
		"fast_path", cfg.FastPath.Enabled,
	)
	return s, nil
}

func collect(optFns []Option) options {
	opts := options{logger: slog.Default()}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	return opts
}

func (s *Service) do(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	reply, err := s.dispatch.Submit(req)
	if err != nil {
		return dispatch.Result{}, err
	}
	return reply.Wait(ctx)
}

// CountTokens returns the number of tokens text encodes to under p.
func (s *Service) CountTokens(ctx context.Context, text string, enc vocab.Encoding, p special.Policy) (int, error) {
	res, err := s.do(ctx, dispatch.CountRequest(enc, text, p))
	return res.Count, err
}

// CountTokensNoSpecial counts with every special token treated as text.
func (s *Service) CountTokensNoSpecial(ctx context.Context, text string, enc vocab.Encoding) (int, error) {
	return s.CountTokens(ctx, text, enc, special.NormalTextPolicy())
}

func (s *Service) EncodeTokens(ctx context.Context, text string, enc vocab.Encoding, p special.Policy) ([]uint32, error) {
	res, err := s.do(ctx, dispatch.EncodeRequest(enc, text, p))
	return res.Tokens, err
}

func (s *Service) EncodeTokensNoSpecial(ctx context.Context, text string, enc vocab.Encoding) ([]uint32, error) {
	return s.EncodeTokens(ctx, text, enc, special.NormalTextPolicy())
}

// EncodeSingleToken returns the id of b, which must be exactly one
// vocabulary entry or special token.
func (s *Service) EncodeSingleToken(ctx context.Context, b []byte, enc vocab.Encoding) (uint32, error) {
	res, err := s.do(ctx, dispatch.EncodeSingleRequest(enc, b))
	return res.Token, err
}

func (s *Service) DecodeTokens(ctx context.Context, ids []uint32, enc vocab.Encoding) (string, error) {
	res, err := s.do(ctx, dispatch.DecodeRequest(enc, ids))
	return res.Text, err
}

func (s *Service) DecodeSingleToken(ctx context.Context, id uint32, enc vocab.Encoding) ([]byte, error) {
	res, err := s.do(ctx, dispatch.DecodeSingleRequest(enc, id))
	return res.Bytes, err
}

// EstimateTokenCount approximates the token count on a worker. Errors come
// only from the service itself (saturation, shutdown, an unloaded
// encoding), never from the text.
func (s *Service) EstimateTokenCount(ctx context.Context, text string, enc vocab.Encoding) (int, error) {
	res, err := s.do(ctx, dispatch.EstimateRequest(enc, text))
	return res.Count, err
}

// EstimateTokenCountFast estimates on the calling goroutine and never
// fails. The fast path serves its own encoding; other loaded encodings use
// the shared vocabulary. An encoding that is not loaded gets one token per
// four bytes.
func (s *Service) EstimateTokenCountFast(text string, enc vocab.Encoding) int {
	if s.fast != nil && s.fast.Encoding() == enc {
		return s.fast.Estimate(text)
	}
	if e, err := s.set.Encoder(enc); err == nil {
		return e.Estimate(text)
	}
	return (len(text) + 3) / 4
}

// CountTokensFast counts on the calling goroutine with special tokens
// treated as text.
func (s *Service) CountTokensFast(text string) (int, error) {
	if s.fast == nil {
		return 0, ErrFastPathDisabled
	}
	return s.fast.Count(text)
}

// FastPath reports the fast path encoding, if enabled.
func (s *Service) FastPath() (vocab.Encoding, bool) {
	if s.fast == nil {
		return 0, false
	}
	return s.fast.Encoding(), true
}

// Encodings lists the loaded encodings.
func (s *Service) Encodings() []vocab.Encoding {
	return s.set.Encodings()
}

// Encoder exposes a loaded vocabulary for read-only inspection.
func (s *Service) Encoder(enc vocab.Encoding) (*vocab.Encoder, error) {
	return s.set.Encoder(enc)
}

func (s *Service) Stats() dispatch.Stats {
	return s.dispatch.Stats()
}

// Close drains the queue and stops the workers.
func (s *Service) Close() {
	s.dispatch.Close()
}
