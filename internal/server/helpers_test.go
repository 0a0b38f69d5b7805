package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/go-tokend/internal/config"
	"github.com/example/go-tokend/internal/dispatch"
	"github.com/example/go-tokend/internal/server"
	"github.com/example/go-tokend/internal/special"
	"github.com/example/go-tokend/internal/testutil"
	"github.com/example/go-tokend/internal/tokenizer"
	"github.com/example/go-tokend/internal/vocab"
)

// newTinyTokenizer serves the tiny test vocabulary under the cl100k name.
func newTinyTokenizer(t *testing.T) *tokenizer.Service {
	t.Helper()
	build := func() (*vocab.Encoder, error) {
		return vocab.NewEncoder(vocab.EncoderSpec{
			Encoding: vocab.Cl100k,
			Name:     "tiny",
			Pattern:  testutil.TinyPattern,
			Ranks:    testutil.TinyRanks(),
			Specials: testutil.TinySpecials(),
		})
	}
	enc, err := build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	set, err := vocab.NewSet(enc)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Vocab.Encodings = []string{"cl100k"}
	svc, err := tokenizer.New(set, cfg,
		tokenizer.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		tokenizer.WithFastPathBuilder(build),
	)
	if err != nil {
		t.Fatalf("tokenizer.New: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func newTestHandler(t *testing.T, opts ...server.Option) http.Handler {
	t.Helper()
	opts = append([]server.Option{server.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return server.NewHandler(newTinyTokenizer(t), opts...)
}

// stubTokenizer fails every queued call with err. Embedding the interface
// leaves unused methods nil.
type stubTokenizer struct {
	server.Tokenizer
	err error
}

func (s *stubTokenizer) CountTokens(context.Context, string, vocab.Encoding, special.Policy) (int, error) {
	return 0, s.err
}

func (s *stubTokenizer) EncodeTokens(context.Context, string, vocab.Encoding, special.Policy) ([]uint32, error) {
	return nil, s.err
}

func (s *stubTokenizer) DecodeTokens(context.Context, []uint32, vocab.Encoding) (string, error) {
	return "", s.err
}

func (s *stubTokenizer) EstimateTokenCount(context.Context, string, vocab.Encoding) (int, error) {
	return 0, s.err
}

func (s *stubTokenizer) FastPath() (vocab.Encoding, bool) { return 0, false }

func (s *stubTokenizer) Stats() dispatch.Stats { return dispatch.Stats{} }

// blockingTokenizer blocks CountTokens until the context is done.
type blockingTokenizer struct {
	server.Tokenizer
}

func (b *blockingTokenizer) CountTokens(ctx context.Context, _ string, _ vocab.Encoding, _ special.Policy) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func tokensOf(t *testing.T, body map[string]any) []uint32 {
	t.Helper()
	raw, ok := body["tokens"].([]any)
	if !ok {
		t.Fatalf("tokens field missing or not an array: %v", body)
	}
	out := make([]uint32, len(raw))
	for i, v := range raw {
		out[i] = uint32(v.(float64))
	}
	return out
}
