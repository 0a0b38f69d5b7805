package vocab

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const (
	cl100kRanksURL = "https://openaipublic.blob.core.windows.net/encodings/cl100k_base.tiktoken"
	o200kRanksURL  = "https://openaipublic.blob.core.windows.net/encodings/o200k_base.tiktoken"

	cl100kPattern = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
	o200kPattern  = `[^\r\n\p{L}\p{N}]?[\p{Lu}\p{Lt}\p{Lm}\p{Lo}\p{M}]*[\p{Ll}\p{Lm}\p{Lo}\p{M}]+(?i:'s|'t|'re|'ve|'m|'ll|'d)?|[^\r\n\p{L}\p{N}]?[\p{Lu}\p{Lt}\p{Lm}\p{Lo}\p{M}]+[\p{Ll}\p{Lm}\p{Lo}\p{M}]*(?i:'s|'t|'re|'ve|'m|'ll|'d)?|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n/]*|\s*[\r\n]+|\s+(?!\S)|\s+`
	llama3Pattern = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`

	// Llama3ReservedTokens is the size of the llama3 special-token range
	// appended after the base ranks.
	Llama3ReservedTokens = 256
)

// Chat markup tokens of the cl100k vocabulary.
const (
	EndOfText = "<|endoftext|>"
	ImStart   = "<|im_start|>"
	ImEnd     = "<|im_end|>"
	ImSep     = "<|im_sep|>"
)

func cl100kSpecials() map[string]int {
	return map[string]int{
		EndOfText:         100257,
		"<|fim_prefix|>":  100258,
		"<|fim_middle|>":  100259,
		"<|fim_suffix|>":  100260,
		ImStart:           100264,
		ImEnd:             100265,
		ImSep:             100266,
		"<|endofprompt|>": 100276,
	}
}

func o200kSpecials() map[string]int {
	return map[string]int{
		EndOfText:         199999,
		"<|endofprompt|>": 200018,
	}
}

// Llama3SpecialTokens returns the structural tokens in id order; the token
// at index i receives id N+i where N is the number of base ranks.
func Llama3SpecialTokens() []string {
	tokens := []string{
		"<|begin_of_text|>",
		"<|end_of_text|>",
		"<|reserved_special_token_0|>",
		"<|reserved_special_token_1|>",
		"<|reserved_special_token_2|>",
		"<|reserved_special_token_3|>",
		"<|start_header_id|>",
		"<|end_header_id|>",
		"<|reserved_special_token_4|>",
		"<|eot_id|>",
	}
	for i := 5; len(tokens) < Llama3ReservedTokens; i++ {
		tokens = append(tokens, fmt.Sprintf("<|reserved_special_token_%d|>", i))
	}
	return tokens
}

// BuildOptions carries the inputs builders may need.
type BuildOptions struct {
	// Loader supplies bundled rank tables; nil uses the embedded offline loader.
	Loader tiktoken.BpeLoader
	// Llama3 locates the external llama3 rank table.
	Llama3 RanksLocator
	Logger *slog.Logger
}

func (o BuildOptions) loader() tiktoken.BpeLoader {
	if o.Loader == nil {
		return tiktoken_loader.NewOfflineLoader()
	}
	return o.Loader
}

func (o BuildOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Builder constructs one encoding.
type Builder func(opts BuildOptions) (*Encoder, error)

var builders = map[Encoding]Builder{
	Cl100k: buildCl100k,
	O200k:  buildO200k,
	Llama3: buildLlama3,
}

// BuildEncoder runs the registered builder for enc. Every failure is a
// *BuildError.
func BuildEncoder(enc Encoding, opts BuildOptions) (*Encoder, error) {
	build, ok := builders[enc]
	if !ok {
		return nil, &BuildError{Encoding: enc.String(), Err: ErrUnknownEncoding}
	}

	start := time.Now()
	e, err := build(opts)
	if err != nil {
		var be *BuildError
		if errors.As(err, &be) {
			return nil, err
		}
		return nil, &BuildError{Encoding: enc.String(), Err: err}
	}

	opts.logger().Debug("vocabulary built",
		slog.String("encoding", enc.String()),
		slog.Int("vocab_size", e.VocabSize()),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return e, nil
}

func buildBundled(enc Encoding, url, pattern string, specials map[string]int, opts BuildOptions) (*Encoder, error) {
	ranks, err := opts.loader().LoadTiktokenBpe(url)
	if err != nil {
		return nil, fmt.Errorf("load bundled ranks: %w", err)
	}
	return NewEncoder(EncoderSpec{
		Encoding: enc,
		Pattern:  pattern,
		Ranks:    ranks,
		Specials: specials,
	})
}

func buildCl100k(opts BuildOptions) (*Encoder, error) {
	return buildBundled(Cl100k, cl100kRanksURL, cl100kPattern, cl100kSpecials(), opts)
}

func buildO200k(opts BuildOptions) (*Encoder, error) {
	return buildBundled(O200k, o200kRanksURL, o200kPattern, o200kSpecials(), opts)
}

func buildLlama3(opts BuildOptions) (*Encoder, error) {
	ranks, path, err := opts.Llama3.Load()
	if err != nil {
		return nil, err
	}
	opts.logger().Debug("llama3 ranks loaded", slog.String("path", path), slog.Int("ranks", len(ranks)))
	return NewLlama3Encoder(ranks)
}

// NewLlama3Encoder appends the llama3 special-token range to ranks. The
// declared vocabulary size is len(ranks) + Llama3ReservedTokens.
func NewLlama3Encoder(ranks map[string]int) (*Encoder, error) {
	n := len(ranks)
	tokens := Llama3SpecialTokens()
	specials := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		specials[tok] = n + i
	}
	return NewEncoder(EncoderSpec{
		Encoding:  Llama3,
		Pattern:   llama3Pattern,
		Ranks:     ranks,
		Specials:  specials,
		VocabSize: n + len(tokens),
	})
}
