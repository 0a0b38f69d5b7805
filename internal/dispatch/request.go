package dispatch

import (
	"fmt"

	"github.com/example/go-tokend/internal/special"
	"github.com/example/go-tokend/internal/vocab"
)

// Kind selects the operation a worker runs for a Request.
type Kind int

const (
	KindCount Kind = iota
	KindEncode
	KindDecode
	KindEncodeSingle
	KindDecodeSingle
	KindEstimate
)

func (k Kind) String() string {
	switch k {
	case KindCount:
		return "count"
	case KindEncode:
		return "encode"
	case KindDecode:
		return "decode"
	case KindEncodeSingle:
		return "encode_single"
	case KindDecodeSingle:
		return "decode_single"
	case KindEstimate:
		return "estimate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request is one unit of work. Only the fields relevant to Kind are read;
// use the constructors below rather than building it by hand.
type Request struct {
	Kind     Kind
	Encoding vocab.Encoding
	Policy   special.Policy

	Text   string
	Bytes  []byte
	Tokens []uint32
	Token  uint32
}

// Result carries the output of a Request. Which field is set depends on
// the Kind.
type Result struct {
	Count  int
	Tokens []uint32
	Token  uint32
	Text   string
	Bytes  []byte
}

func CountRequest(enc vocab.Encoding, text string, p special.Policy) Request {
	return Request{Kind: KindCount, Encoding: enc, Text: text, Policy: p}
}

func EncodeRequest(enc vocab.Encoding, text string, p special.Policy) Request {
	return Request{Kind: KindEncode, Encoding: enc, Text: text, Policy: p}
}

func DecodeRequest(enc vocab.Encoding, tokens []uint32) Request {
	return Request{Kind: KindDecode, Encoding: enc, Tokens: tokens}
}

// EncodeSingleRequest looks up the id of an exact byte sequence. Special
// tokens are always recognized.
func EncodeSingleRequest(enc vocab.Encoding, b []byte) Request {
	return Request{Kind: KindEncodeSingle, Encoding: enc, Bytes: b}
}

func DecodeSingleRequest(enc vocab.Encoding, token uint32) Request {
	return Request{Kind: KindDecodeSingle, Encoding: enc, Token: token}
}

func EstimateRequest(enc vocab.Encoding, text string) Request {
	return Request{Kind: KindEstimate, Encoding: enc, Text: text}
}

// run executes req against the set. It is called on a worker goroutine.
func run(set *vocab.Set, req Request) (Result, error) {
	enc, err := set.Encoder(req.Encoding)
	if err != nil {
		return Result{}, err
	}

	switch req.Kind {
	case KindCount:
		n, err := enc.Count(req.Text, req.Policy)
		return Result{Count: n}, err
	case KindEncode:
		ids, err := enc.Encode(req.Text, req.Policy)
		return Result{Tokens: ids, Count: len(ids)}, err
	case KindDecode:
		text, err := enc.Decode(req.Tokens)
		return Result{Text: text}, err
	case KindEncodeSingle:
		id, err := enc.EncodeSingleToken(req.Bytes)
		return Result{Token: id}, err
	case KindDecodeSingle:
		b, err := enc.DecodeSingleToken(req.Token)
		return Result{Bytes: b}, err
	case KindEstimate:
		return Result{Count: enc.Estimate(req.Text)}, nil
	default:
		return Result{}, fmt.Errorf("unsupported request kind %s", req.Kind)
	}
}
