// Package special describes how special-token text embedded in input is
// treated during encoding. A Policy is plain configuration data; it does not
// know which tokens a particular vocabulary reserves.
package special

import (
	"fmt"
	"sort"
	"strings"
)

// Action is applied to each occurrence of a special token in the input.
type Action int

// NormalText is the zero Action, so a zero Policy treats special tokens as
// ordinary text.
const (
	// NormalText tokenizes the token text as ordinary bytes.
	NormalText Action = iota
	// Forbidden rejects the input when the token is present.
	Forbidden
	// Special emits the reserved id. As an override it must name a real
	// special token; as the default, non-matching text is left alone.
	Special
)

func (a Action) String() string {
	switch a {
	case Forbidden:
		return "forbidden"
	case NormalText:
		return "normal_text"
	case Special:
		return "special"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction converts a case-insensitive action name. "normal" and "text"
// are accepted as aliases for normal_text.
func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "forbidden", "forbid":
		return Forbidden, nil
	case "normal_text", "normal-text", "normal", "text", "":
		return NormalText, nil
	case "special":
		return Special, nil
	default:
		return NormalText, fmt.Errorf("invalid special token action %q (expected forbidden|normal_text|special)", raw)
	}
}

func (a Action) MarshalText() ([]byte, error) {
	switch a {
	case Forbidden, NormalText, Special:
		return []byte(a.String()), nil
	default:
		return nil, fmt.Errorf("invalid special token action %d", int(a))
	}
}

func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Policy is an immutable per-request special-token configuration.
// The zero value is NormalTextPolicy: user input cannot inject control
// tokens.
type Policy struct {
	def       Action
	overrides map[string]Action
}

// NewPolicy copies overrides so later mutation by the caller has no effect.
func NewPolicy(def Action, overrides map[string]Action) Policy {
	p := Policy{def: def}
	if len(overrides) > 0 {
		p.overrides = make(map[string]Action, len(overrides))
		for tok, a := range overrides {
			p.overrides[tok] = a
		}
	}
	return p
}

// NormalTextPolicy treats every special token as ordinary text.
func NormalTextPolicy() Policy {
	return Policy{def: NormalText}
}

// AllowAllPolicy emits every recognized special token as its reserved id.
func AllowAllPolicy() Policy {
	return Policy{def: Special}
}

// Default returns the action applied to tokens without an override.
func (p Policy) Default() Action { return p.def }

// ActionFor returns the override for token if one exists, else the default.
func (p Policy) ActionFor(token string) Action {
	if a, ok := p.overrides[token]; ok {
		return a
	}
	return p.def
}

// Override reports the explicit override for token.
func (p Policy) Override(token string) (Action, bool) {
	a, ok := p.overrides[token]
	return a, ok
}

// OverrideTokens returns the overridden token strings in sorted order.
func (p Policy) OverrideTokens() []string {
	out := make([]string, 0, len(p.overrides))
	for tok := range p.overrides {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

func (p Policy) String() string {
	if len(p.overrides) == 0 {
		return "default=" + p.def.String()
	}
	parts := make([]string, 0, len(p.overrides))
	for _, tok := range p.OverrideTokens() {
		parts = append(parts, fmt.Sprintf("%s=%s", tok, p.overrides[tok]))
	}
	return fmt.Sprintf("default=%s overrides[%s]", p.def, strings.Join(parts, " "))
}
