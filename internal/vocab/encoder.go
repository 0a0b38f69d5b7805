package vocab

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/example/go-tokend/internal/special"
)

// estimateBytesPerToken is the divisor used for pre-tokenized pieces that are
// not a single vocabulary entry.
const estimateBytesPerToken = 4

// EncoderSpec is the raw material for NewEncoder.
type EncoderSpec struct {
	Encoding Encoding
	Name     string
	Pattern  string
	Ranks    map[string]int
	Specials map[string]int
	// VocabSize is optional; zero derives it from the assigned ids.
	VocabSize int
}

// Encoder is one immutable vocabulary. All methods are safe for concurrent
// use; nothing is mutated after NewEncoder returns.
type Encoder struct {
	encoding  Encoding
	name      string
	pattern   string
	ranks     map[string]int
	specials  map[string]int
	tokens    []string // special tokens, sorted
	decoder   map[uint32]string
	vocabSize int

	bpe      *tiktoken.Tiktoken
	splitter *regexp2.Regexp
}

// NewEncoder validates spec and compiles the BPE core. Ranks and specials are
// retained, not copied; the caller must not modify them afterwards.
func NewEncoder(spec EncoderSpec) (*Encoder, error) {
	name := spec.Name
	if name == "" {
		name = spec.Encoding.String()
	}
	fail := func(err error) (*Encoder, error) {
		return nil, &BuildError{Encoding: name, Err: err}
	}

	if len(spec.Ranks) == 0 {
		return fail(fmt.Errorf("%w: no merge ranks", ErrMalformedRanks))
	}
	if len(spec.Specials) == 0 {
		return fail(fmt.Errorf("%w: at least one special token is required", ErrMalformedRanks))
	}

	decoder := make(map[uint32]string, len(spec.Ranks)+len(spec.Specials))
	maxID := -1
	for tok, rank := range spec.Ranks {
		if rank < 0 || int64(rank) > math.MaxUint32 {
			return fail(fmt.Errorf("%w: rank %d out of range", ErrMalformedRanks, rank))
		}
		if prev, dup := decoder[uint32(rank)]; dup {
			return fail(fmt.Errorf("%w: rank %d assigned to %q and %q", ErrIDCollision, rank, prev, tok))
		}
		decoder[uint32(rank)] = tok
		maxID = max(maxID, rank)
	}

	tokens := make([]string, 0, len(spec.Specials))
	for tok, id := range spec.Specials {
		if tok == "" {
			return fail(fmt.Errorf("%w: empty special token", ErrMalformedRanks))
		}
		if id < 0 || int64(id) > math.MaxUint32 {
			return fail(fmt.Errorf("%w: special id %d out of range", ErrMalformedRanks, id))
		}
		if prev, dup := decoder[uint32(id)]; dup {
			return fail(fmt.Errorf("%w: special %q reuses id %d of %q", ErrIDCollision, tok, id, prev))
		}
		decoder[uint32(id)] = tok
		tokens = append(tokens, tok)
		maxID = max(maxID, id)
	}
	sort.Strings(tokens)

	vocabSize := max(maxID+1, len(decoder))
	if spec.VocabSize != 0 {
		if spec.VocabSize < vocabSize {
			return fail(fmt.Errorf("%w: declared size %d below %d assigned ids", ErrIDCollision, spec.VocabSize, vocabSize))
		}
		vocabSize = spec.VocabSize
	}

	core, err := tiktoken.NewCoreBPE(spec.Ranks, spec.Specials, spec.Pattern)
	if err != nil {
		return fail(fmt.Errorf("compile bpe: %w", err))
	}
	specialSet := make(map[string]any, len(spec.Specials))
	for tok := range spec.Specials {
		specialSet[tok] = true
	}
	bpe := tiktoken.NewTiktoken(core, &tiktoken.Encoding{
		Name:           name,
		PatStr:         spec.Pattern,
		MergeableRanks: spec.Ranks,
		SpecialTokens:  spec.Specials,
		ExplicitNVocab: vocabSize,
	}, specialSet)

	splitter, err := regexp2.Compile(spec.Pattern, regexp2.None)
	if err != nil {
		return fail(fmt.Errorf("compile pattern: %w", err))
	}

	return &Encoder{
		encoding:  spec.Encoding,
		name:      name,
		pattern:   spec.Pattern,
		ranks:     spec.Ranks,
		specials:  spec.Specials,
		tokens:    tokens,
		decoder:   decoder,
		vocabSize: vocabSize,
		bpe:       bpe,
		splitter:  splitter,
	}, nil
}

func (e *Encoder) Encoding() Encoding { return e.encoding }
func (e *Encoder) Name() string       { return e.name }
func (e *Encoder) Pattern() string    { return e.pattern }
func (e *Encoder) VocabSize() int     { return e.vocabSize }
func (e *Encoder) NumRanks() int      { return len(e.ranks) }

// SpecialTokens returns a copy of the special-token table.
func (e *Encoder) SpecialTokens() map[string]uint32 {
	out := make(map[string]uint32, len(e.specials))
	for tok, id := range e.specials {
		out[tok] = uint32(id)
	}
	return out
}

// SpecialTokenID looks up the reserved id of a special token.
func (e *Encoder) SpecialTokenID(token string) (uint32, bool) {
	id, ok := e.specials[token]
	return uint32(id), ok
}

// Encode tokenizes text under policy p.
func (e *Encoder) Encode(text string, p special.Policy) ([]uint32, error) {
	allowed, err := e.resolvePolicy(text, p)
	if err != nil {
		return nil, err
	}
	return toUint32(e.bpe.Encode(text, allowed, nil)), nil
}

// Count returns len(Encode(text, p)).
func (e *Encoder) Count(text string, p special.Policy) (int, error) {
	ids, err := e.Encode(text, p)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// EncodeOrdinary tokenizes text with every special token treated as normal
// text.
func (e *Encoder) EncodeOrdinary(text string) []uint32 {
	return toUint32(e.bpe.EncodeOrdinary(text))
}

// resolvePolicy returns the special tokens to emit as reserved ids, or a
// *PolicyError when the input may not be encoded under p.
func (e *Encoder) resolvePolicy(text string, p special.Policy) ([]string, error) {
	for _, tok := range p.OverrideTokens() {
		if a, _ := p.Override(tok); a == special.Special {
			if _, ok := e.specials[tok]; !ok {
				return nil, &PolicyError{Token: tok, Offset: -1, Reason: "special override for a string that is not a special token"}
			}
		}
	}

	var allowed []string
	forbiddenAt, forbidden := -1, ""
	for _, tok := range e.tokens {
		switch p.ActionFor(tok) {
		case special.Special:
			allowed = append(allowed, tok)
		case special.Forbidden:
			if i := strings.Index(text, tok); i >= 0 && (forbiddenAt < 0 || i < forbiddenAt) {
				forbiddenAt, forbidden = i, tok
			}
		}
	}
	if forbiddenAt >= 0 {
		return nil, &PolicyError{Token: forbidden, Offset: forbiddenAt, Reason: "forbidden special token in input"}
	}
	return allowed, nil
}

// EncodeSingleToken returns the id of an exact vocabulary entry, special
// tokens included.
func (e *Encoder) EncodeSingleToken(b []byte) (uint32, error) {
	if rank, ok := e.ranks[string(b)]; ok {
		return uint32(rank), nil
	}
	if id, ok := e.specials[string(b)]; ok {
		return uint32(id), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownToken, b)
}

// Decode reconstructs text. Any id outside the vocabulary fails the whole
// call; byte sequences that are not valid UTF-8 are replaced with U+FFFD.
func (e *Encoder) Decode(ids []uint32) (string, error) {
	var sb strings.Builder
	for i, id := range ids {
		piece, ok := e.decoder[id]
		if !ok {
			return "", &UnknownTokenError{ID: id, Index: i}
		}
		sb.WriteString(piece)
	}
	out := sb.String()
	if !utf8.ValidString(out) {
		out = strings.ToValidUTF8(out, "\uFFFD")
	}
	return out, nil
}

// DecodeSingleToken returns the raw bytes of one id.
func (e *Encoder) DecodeSingleToken(id uint32) ([]byte, error) {
	piece, ok := e.decoder[id]
	if !ok {
		return nil, &UnknownTokenError{ID: id, Index: -1}
	}
	return []byte(piece), nil
}

// Estimate approximates the token count without running BPE merges: each
// pre-tokenized piece counts 1 when it is a vocabulary entry, otherwise one
// token per four bytes (at least 1). The result and the exact NormalText
// count both lie in [pieces, len(text)].
func (e *Encoder) Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := 0
	m, err := e.splitter.FindStringMatch(text)
	for m != nil && err == nil {
		piece := m.String()
		if _, ok := e.ranks[piece]; ok {
			n++
		} else {
			n += max(1, (len(piece)+estimateBytesPerToken-1)/estimateBytesPerToken)
		}
		m, err = e.splitter.FindNextMatch(m)
	}
	if err != nil {
		return max(1, (len(text)+estimateBytesPerToken-1)/estimateBytesPerToken)
	}
	return n
}

func toUint32(ids []int) []uint32 {
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out
}
