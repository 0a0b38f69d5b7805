package vocab

import (
	"fmt"
	"strings"
)

// Encoding identifies one supported vocabulary. The set is closed; adding a
// scheme means adding a builder to the registry in builtin.go.
type Encoding int

const (
	Cl100k Encoding = iota
	O200k
	Llama3
)

// All lists every supported encoding in declaration order.
func All() []Encoding {
	return []Encoding{Cl100k, O200k, Llama3}
}

func (e Encoding) String() string {
	switch e {
	case Cl100k:
		return "cl100k"
	case O200k:
		return "o200k"
	case Llama3:
		return "llama3"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// ParseEncoding accepts canonical names and the upstream tiktoken aliases.
func ParseEncoding(raw string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cl100k", "cl100k_base", "cl100k_im":
		return Cl100k, nil
	case "o200k", "o200k_base":
		return O200k, nil
	case "llama3", "llama-3", "llama":
		return Llama3, nil
	default:
		return 0, fmt.Errorf("%w %q (expected cl100k|o200k|llama3)", ErrUnknownEncoding, raw)
	}
}

// ParseEncodings parses a list of names, rejecting duplicates.
func ParseEncodings(raw []string) ([]Encoding, error) {
	out := make([]Encoding, 0, len(raw))
	seen := make(map[Encoding]bool, len(raw))
	for _, name := range raw {
		if strings.TrimSpace(name) == "" {
			continue
		}
		enc, err := ParseEncoding(name)
		if err != nil {
			return nil, err
		}
		if seen[enc] {
			return nil, fmt.Errorf("encoding %s listed twice", enc)
		}
		seen[enc] = true
		out = append(out, enc)
	}
	return out, nil
}

func (e Encoding) MarshalText() ([]byte, error) {
	switch e {
	case Cl100k, O200k, Llama3:
		return []byte(e.String()), nil
	default:
		return nil, fmt.Errorf("%w %d", ErrUnknownEncoding, int(e))
	}
}

func (e *Encoding) UnmarshalText(b []byte) error {
	parsed, err := ParseEncoding(string(b))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
