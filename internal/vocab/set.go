// Package vocab builds and holds the BPE vocabularies served by tokend.
//
// Each Encoder is constructed once, validated, and never mutated, so a Set
// can be shared by reference between any number of goroutines without
// locking. The merge algorithm itself is provided by tiktoken-go.
package vocab

import (
	"fmt"
)

// Set is an immutable collection of built encoders.
type Set struct {
	encoders map[Encoding]*Encoder
	order    []Encoding
}

// NewSet groups already-built encoders. Two encoders for the same Encoding
// are rejected.
func NewSet(encoders ...*Encoder) (*Set, error) {
	s := &Set{encoders: make(map[Encoding]*Encoder, len(encoders))}
	for _, e := range encoders {
		if e == nil {
			return nil, fmt.Errorf("nil encoder")
		}
		if _, dup := s.encoders[e.Encoding()]; dup {
			return nil, fmt.Errorf("encoding %s added twice", e.Encoding())
		}
		s.encoders[e.Encoding()] = e
		s.order = append(s.order, e.Encoding())
	}
	return s, nil
}

// Build constructs every encoding in encs exactly once. The first failure
// aborts the whole build.
func Build(encs []Encoding, opts BuildOptions) (*Set, error) {
	if len(encs) == 0 {
		return nil, fmt.Errorf("no encodings requested")
	}
	built := make([]*Encoder, 0, len(encs))
	for _, enc := range encs {
		e, err := BuildEncoder(enc, opts)
		if err != nil {
			return nil, err
		}
		built = append(built, e)
	}
	return NewSet(built...)
}

// Encoder returns the encoder for enc or ErrUnknownEncoding.
func (s *Set) Encoder(enc Encoding) (*Encoder, error) {
	e, ok := s.encoders[enc]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not loaded", ErrUnknownEncoding, enc)
	}
	return e, nil
}

// Encodings lists the loaded encodings in build order.
func (s *Set) Encodings() []Encoding {
	return append([]Encoding(nil), s.order...)
}

// Len reports the number of loaded encodings.
func (s *Set) Len() int { return len(s.order) }
