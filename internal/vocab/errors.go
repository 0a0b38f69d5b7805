package vocab

import (
	"errors"
	"fmt"
)

var (
	// ErrRanksNotFound is returned when no merge-rank file can be located.
	ErrRanksNotFound = errors.New("merge rank file not found")
	// ErrMalformedRanks is returned for unparseable merge-rank data.
	ErrMalformedRanks = errors.New("malformed merge rank data")
	// ErrIDCollision is returned when two vocabulary entries share an id.
	ErrIDCollision = errors.New("token id collision")

	// ErrPolicyViolation matches every *PolicyError.
	ErrPolicyViolation = errors.New("special token policy violation")
	// ErrUnknownToken is returned for bytes or ids outside the vocabulary.
	ErrUnknownToken = errors.New("token not recognized")
	// ErrUnknownEncoding is returned for encodings that were not built.
	ErrUnknownEncoding = errors.New("unknown encoding")
)

// BuildError reports a vocabulary that could not be constructed. The
// service must not serve the affected encoding.
type BuildError struct {
	Encoding string
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s vocabulary: %v", e.Encoding, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// PolicyError reports input rejected by a special-token policy.
type PolicyError struct {
	Token  string
	Offset int // byte offset of the occurrence, -1 when not applicable
	Reason string
}

func (e *PolicyError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s: %q at byte %d", e.Reason, e.Token, e.Offset)
	}
	return fmt.Sprintf("%s: %q", e.Reason, e.Token)
}

func (e *PolicyError) Is(target error) bool { return target == ErrPolicyViolation }

// UnknownTokenError reports a token id outside the vocabulary.
type UnknownTokenError struct {
	ID    uint32
	Index int // position in the decoded sequence, -1 for single-token calls
}

func (e *UnknownTokenError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("token not recognized: id %d at position %d", e.ID, e.Index)
	}
	return fmt.Sprintf("token not recognized: id %d", e.ID)
}

func (e *UnknownTokenError) Is(target error) bool { return target == ErrUnknownToken }
