package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/example/go-tokend/internal/config"
	"github.com/example/go-tokend/internal/dispatch"
	"github.com/example/go-tokend/internal/special"
	"github.com/example/go-tokend/internal/tokenizer"
	"github.com/example/go-tokend/internal/vocab"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Tokenizer is the subset of tokenizer.Service the handler serves.
type Tokenizer interface {
	CountTokens(ctx context.Context, text string, enc vocab.Encoding, p special.Policy) (int, error)
	EncodeTokens(ctx context.Context, text string, enc vocab.Encoding, p special.Policy) ([]uint32, error)
	EncodeSingleToken(ctx context.Context, b []byte, enc vocab.Encoding) (uint32, error)
	DecodeTokens(ctx context.Context, ids []uint32, enc vocab.Encoding) (string, error)
	DecodeSingleToken(ctx context.Context, id uint32, enc vocab.Encoding) ([]byte, error)
	EstimateTokenCount(ctx context.Context, text string, enc vocab.Encoding) (int, error)
	EstimateTokenCountFast(text string, enc vocab.Encoding) int
	FastPath() (vocab.Encoding, bool)
	EncodeChat(ctx context.Context, msgs []tokenizer.Message, enc vocab.Encoding) ([]uint32, error)
	Encodings() []vocab.Encoding
	Stats() dispatch.Stats
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxTextBytes    int
	requestTimeout  time.Duration
	defaultEncoding vocab.Encoding
	logger          *slog.Logger
}

func defaultOptions() options {
	return options{
		maxTextBytes:    1 << 20,
		requestTimeout:  10 * time.Second,
		defaultEncoding: vocab.Cl100k,
		logger:          slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextBytes sets the maximum allowed text length in bytes.
func WithMaxTextBytes(n int) Option {
	return func(o *options) { o.maxTextBytes = n }
}

// WithRequestTimeout sets how long a request waits for its reply.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithDefaultEncoding sets the encoding used when a request names none.
func WithDefaultEncoding(enc vocab.Encoding) Option {
	return func(o *options) { o.defaultEncoding = enc }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

// handler holds the dependencies needed to serve HTTP requests.
type handler struct {
	tok  Tokenizer
	opts options
	log  *slog.Logger
}

// NewHandler returns an http.Handler serving the tokenizer endpoints.
func NewHandler(tok Tokenizer, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		tok:  tok,
		opts: opts,
		log:  opts.logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/encodings", h.handleEncodings)
	mux.HandleFunc("/stats", h.handleStats)
	mux.HandleFunc("/count", h.handleCount)
	mux.HandleFunc("/encode", h.handleEncode)
	mux.HandleFunc("/decode", h.handleDecode)
	mux.HandleFunc("/encode-single", h.handleEncodeSingle)
	mux.HandleFunc("/decode-single", h.handleDecodeSingle)
	mux.HandleFunc("/estimate", h.handleEstimate)
	mux.HandleFunc("/chat", h.handleChat)
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

func (h *handler) handleEncodings(w http.ResponseWriter, _ *http.Request) {
	encs := h.tok.Encodings()
	if encs == nil {
		encs = []vocab.Encoding{}
	}
	resp := encodingsResponse{Encodings: encs}
	if enc, ok := h.tok.FastPath(); ok {
		resp.FastPath = &enc
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.tok.Stats())
}

// ---------------------------------------------------------------------------
// request bodies
// ---------------------------------------------------------------------------

type encodingsResponse struct {
	Encodings []vocab.Encoding `json:"encodings"`
	FastPath  *vocab.Encoding  `json:"fast_path,omitempty"`
}

// policyBody is the JSON form of special.Policy. A missing default means
// normal_text.
type policyBody struct {
	Default   *special.Action           `json:"default"`
	Overrides map[string]special.Action `json:"overrides"`
}

func (p *policyBody) policy() special.Policy {
	if p == nil {
		return special.NormalTextPolicy()
	}
	def := special.NormalText
	if p.Default != nil {
		def = *p.Default
	}
	return special.NewPolicy(def, p.Overrides)
}

type textRequest struct {
	Text     string      `json:"text"`
	Encoding string      `json:"encoding"`
	Policy   *policyBody `json:"policy"`
	Fast     bool        `json:"fast"`
}

type decodeRequest struct {
	Tokens   []uint32 `json:"tokens"`
	Encoding string   `json:"encoding"`
}

type singleRequest struct {
	Text     string  `json:"text"`
	Bytes    []byte  `json:"bytes"`
	Token    *uint32 `json:"token"`
	Encoding string  `json:"encoding"`
}

type chatRequest struct {
	Messages []tokenizer.Message `json:"messages"`
	Encoding string              `json:"encoding"`
}

// decode checks the method, reads the JSON body and resolves the
// encoding. It writes the error response itself and reports false on
// failure.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any, encName func() string) (vocab.Encoding, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return 0, false
	}
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return 0, false
	}

	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes())
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return 0, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return 0, false
	}

	enc := h.opts.defaultEncoding
	if name := encName(); name != "" {
		parsed, err := vocab.ParseEncoding(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return 0, false
		}
		enc = parsed
	}
	return enc, true
}

// maxBodyBytes leaves room for JSON escaping of a text at the limit.
func (h *handler) maxBodyBytes() int64 {
	return int64(h.opts.maxTextBytes)*6 + 64<<10
}

func (h *handler) checkText(w http.ResponseWriter, text string) bool {
	if len(text) > h.opts.maxTextBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("text exceeds maximum size of %d bytes", h.opts.maxTextBytes))
		return false
	}
	return true
}

func (h *handler) timeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.opts.requestTimeout)
}

// ---------------------------------------------------------------------------
// endpoints
// ---------------------------------------------------------------------------

func (h *handler) handleCount(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	enc, ok := h.decode(w, r, &req, func() string { return req.Encoding })
	if !ok || !h.checkText(w, req.Text) {
		return
	}
	ctx, cancel := h.timeout(r)
	defer cancel()

	start := time.Now()
	n, err := h.tok.CountTokens(ctx, req.Text, enc, req.Policy.policy())
	if err != nil {
		h.fail(w, r, "count", enc, len(req.Text), start, err)
		return
	}
	h.done(r, "count", enc, len(req.Text), start)
	writeJSON(w, http.StatusOK, map[string]any{"encoding": enc, "count": n})
}

func (h *handler) handleEncode(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	enc, ok := h.decode(w, r, &req, func() string { return req.Encoding })
	if !ok || !h.checkText(w, req.Text) {
		return
	}
	ctx, cancel := h.timeout(r)
	defer cancel()

	start := time.Now()
	ids, err := h.tok.EncodeTokens(ctx, req.Text, enc, req.Policy.policy())
	if err != nil {
		h.fail(w, r, "encode", enc, len(req.Text), start, err)
		return
	}
	if ids == nil {
		ids = []uint32{}
	}
	h.done(r, "encode", enc, len(req.Text), start)
	writeJSON(w, http.StatusOK, map[string]any{"encoding": enc, "tokens": ids, "count": len(ids)})
}

func (h *handler) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req decodeRequest
	enc, ok := h.decode(w, r, &req, func() string { return req.Encoding })
	if !ok {
		return
	}
	ctx, cancel := h.timeout(r)
	defer cancel()

	start := time.Now()
	text, err := h.tok.DecodeTokens(ctx, req.Tokens, enc)
	if err != nil {
		h.fail(w, r, "decode", enc, len(req.Tokens), start, err)
		return
	}
	h.done(r, "decode", enc, len(req.Tokens), start)
	writeJSON(w, http.StatusOK, map[string]any{"encoding": enc, "text": text})
}

func (h *handler) handleEncodeSingle(w http.ResponseWriter, r *http.Request) {
	var req singleRequest
	enc, ok := h.decode(w, r, &req, func() string { return req.Encoding })
	if !ok {
		return
	}
	b := req.Bytes
	if b == nil {
		b = []byte(req.Text)
	}
	if len(b) == 0 {
		writeError(w, http.StatusBadRequest, "text or bytes field is required")
		return
	}
	ctx, cancel := h.timeout(r)
	defer cancel()

	start := time.Now()
	id, err := h.tok.EncodeSingleToken(ctx, b, enc)
	if err != nil {
		h.fail(w, r, "encode_single", enc, len(b), start, err)
		return
	}
	h.done(r, "encode_single", enc, len(b), start)
	writeJSON(w, http.StatusOK, map[string]any{"encoding": enc, "token": id})
}

func (h *handler) handleDecodeSingle(w http.ResponseWriter, r *http.Request) {
	var req singleRequest
	enc, ok := h.decode(w, r, &req, func() string { return req.Encoding })
	if !ok {
		return
	}
	if req.Token == nil {
		writeError(w, http.StatusBadRequest, "token field is required")
		return
	}
	ctx, cancel := h.timeout(r)
	defer cancel()

	start := time.Now()
	b, err := h.tok.DecodeSingleToken(ctx, *req.Token, enc)
	if err != nil {
		h.fail(w, r, "decode_single", enc, 1, start, err)
		return
	}
	h.done(r, "decode_single", enc, 1, start)
	resp := map[string]any{"encoding": enc, "token": *req.Token, "bytes": b}
	if utf8.Valid(b) {
		resp["text"] = string(b)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	enc, ok := h.decode(w, r, &req, func() string { return req.Encoding })
	if !ok || !h.checkText(w, req.Text) {
		return
	}
	lower, upper := tokenizer.EstimateTokenBounds(req.Text)

	start := time.Now()
	if req.Fast {
		n := h.tok.EstimateTokenCountFast(req.Text, enc)
		h.done(r, "estimate_fast", enc, len(req.Text), start)
		writeJSON(w, http.StatusOK, map[string]any{
			"encoding": enc, "estimate": n, "lower": lower, "upper": upper, "fast": true,
		})
		return
	}

	ctx, cancel := h.timeout(r)
	defer cancel()
	n, err := h.tok.EstimateTokenCount(ctx, req.Text, enc)
	if err != nil {
		h.fail(w, r, "estimate", enc, len(req.Text), start, err)
		return
	}
	h.done(r, "estimate", enc, len(req.Text), start)
	writeJSON(w, http.StatusOK, map[string]any{
		"encoding": enc, "estimate": n, "lower": lower, "upper": upper, "fast": false,
	})
}

func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	enc, ok := h.decode(w, r, &req, func() string { return req.Encoding })
	if !ok {
		return
	}
	size := 0
	for _, m := range req.Messages {
		size += len(m.Content) + len(m.Name) + len(m.To)
	}
	if size > h.opts.maxTextBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("messages exceed maximum size of %d bytes", h.opts.maxTextBytes))
		return
	}
	ctx, cancel := h.timeout(r)
	defer cancel()

	start := time.Now()
	ids, err := h.tok.EncodeChat(ctx, req.Messages, enc)
	if err != nil {
		h.fail(w, r, "chat", enc, size, start, err)
		return
	}
	h.done(r, "chat", enc, size, start)
	writeJSON(w, http.StatusOK, map[string]any{
		"encoding": enc,
		"prompt":   tokenizer.ChatTemplate(req.Messages),
		"tokens":   ids,
		"count":    len(ids),
	})
}

// ---------------------------------------------------------------------------
// responses
// ---------------------------------------------------------------------------

// StatusFor maps a tokenizer error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrServiceSaturated):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, vocab.ErrPolicyViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vocab.ErrUnknownToken),
		errors.Is(err, vocab.ErrUnknownEncoding),
		errors.Is(err, tokenizer.ErrChatUnsupported),
		errors.Is(err, tokenizer.ErrUnknownRole):
		return http.StatusBadRequest
	default:
		// dispatch.ErrWorkerTerminated, dispatch.ErrServiceClosed
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, op string, enc vocab.Encoding, size int, start time.Time, err error) {
	status := StatusFor(err)
	attrs := []any{
		slog.String("op", op),
		slog.String("encoding", enc.String()),
		slog.Int("input_len", size),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout:
		h.log.ErrorContext(r.Context(), "tokenizer request failed", attrs...)
	default:
		h.log.WarnContext(r.Context(), "tokenizer request rejected", attrs...)
	}

	msg := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case http.StatusGatewayTimeout:
		msg = "timed out waiting for tokenizer"
	}
	writeError(w, status, msg)
}

func (h *handler) done(r *http.Request, op string, enc vocab.Encoding, size int, start time.Time) {
	h.log.InfoContext(r.Context(), "tokenizer request complete",
		slog.String("op", op),
		slog.String("encoding", enc.String()),
		slog.Int("input_len", size),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	tok             *tokenizer.Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// New returns a Server for cfg. A nil svc is built from cfg by Start and
// closed when Start returns.
func New(cfg config.Config, svc *tokenizer.Service) *Server {
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		cfg:             cfg,
		tok:             svc,
		logger:          slog.Default(),
		shutdownTimeout: timeout,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// WithLogger sets the logger for the server and the service it builds.
func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.logger = l
	return s
}

func (s *Server) Start(ctx context.Context) error {
	svc := s.tok
	if svc == nil {
		built, err := tokenizer.NewService(s.cfg, tokenizer.WithLogger(s.logger))
		if err != nil {
			return fmt.Errorf("initialize tokenizer service: %w", err)
		}
		defer built.Close()
		svc = built
	}

	handlerOpts := []Option{
		WithMaxTextBytes(s.cfg.Server.MaxTextBytes),
		WithRequestTimeout(s.cfg.Server.RequestTimeout),
		WithLogger(s.logger),
	}
	if encs := svc.Encodings(); len(encs) > 0 {
		handlerOpts = append(handlerOpts, WithDefaultEncoding(encs[0]))
	}

	h := NewHandler(svc, handlerOpts...)

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.logger.Info("http server listening", slog.String("addr", s.cfg.Server.ListenAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
