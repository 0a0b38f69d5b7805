package tokenizer

import (
	"context"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/example/go-tokend/internal/special"
	"github.com/example/go-tokend/internal/vocab"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Roles lists the accepted roles.
var Roles = []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool}

func (r Role) valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Name    string `json:"name,omitempty"`
	To      string `json:"to,omitempty"`
	Content string `json:"content"`
}

// Per-message overhead of the chat markup when no name or recipient is
// set: <|im_start|> role <|im_sep|> ... <|im_end|>. Every prompt also ends
// with an open assistant header of three tokens.
const (
	ChatTokensPerMessage = 4
	ChatTokensReplyPrime = 3
)

// HeaderString renders the markup that opens m, e.g.
// "<|im_start|>user:alice<|im_sep|>".
func HeaderString(m Message) string {
	s := vocab.ImStart + string(m.Role)
	if m.Name != "" {
		s += ":" + m.Name
	}
	if m.To != "" {
		s += " to=" + m.To
	}
	return s + vocab.ImSep
}

// ChatTemplate renders msgs as one prompt string. Each message is closed
// with <|im_end|> and the prompt ends with an open assistant header.
func ChatTemplate(msgs []Message) string {
	var s string
	for _, m := range msgs {
		s += HeaderString(m) + m.Content + vocab.ImEnd
	}
	return s + HeaderString(Message{Role: RoleAssistant})
}

type chatMarkup struct {
	start, sep, end uint32
}

func (s *Service) chatMarkup(enc vocab.Encoding) (chatMarkup, error) {
	e, err := s.set.Encoder(enc)
	if err != nil {
		return chatMarkup{}, err
	}
	var m chatMarkup
	var ok [3]bool
	m.start, ok[0] = e.SpecialTokenID(vocab.ImStart)
	m.sep, ok[1] = e.SpecialTokenID(vocab.ImSep)
	m.end, ok[2] = e.SpecialTokenID(vocab.ImEnd)
	if !ok[0] || !ok[1] || !ok[2] {
		return chatMarkup{}, fmt.Errorf("%w: %s", ErrChatUnsupported, enc)
	}
	return m, nil
}

// EncodeChat tokenizes the same prompt ChatTemplate renders. Markup is
// emitted as reserved ids; role, name, recipient and content are encoded
// as plain text, so markup typed into a message cannot open a new turn.
func (s *Service) EncodeChat(ctx context.Context, msgs []Message, enc vocab.Encoding) ([]uint32, error) {
	markup, err := s.chatMarkup(enc)
	if err != nil {
		return nil, err
	}
	for i, m := range msgs {
		if !m.Role.valid() {
			return nil, fmt.Errorf("%w %q in message %d", ErrUnknownRole, m.Role, i)
		}
	}

	var out []uint32
	text := func(t string) error {
		if t == "" {
			return nil
		}
		ids, err := s.EncodeTokens(ctx, t, enc, special.NormalTextPolicy())
		if err != nil {
			return err
		}
		out = append(out, ids...)
		return nil
	}
	header := func(m Message) error {
		out = append(out, markup.start)
		if err := text(string(m.Role)); err != nil {
			return err
		}
		if m.Name != "" {
			if err := text(":" + m.Name); err != nil {
				return err
			}
		}
		if m.To != "" {
			if err := text(" to=" + m.To); err != nil {
				return err
			}
		}
		out = append(out, markup.sep)
		return nil
	}

	for _, m := range msgs {
		if err := header(m); err != nil {
			return nil, err
		}
		if err := text(m.Content); err != nil {
			return nil, err
		}
		out = append(out, markup.end)
	}
	if err := header(Message{Role: RoleAssistant}); err != nil {
		return nil, err
	}
	return out, nil
}

// CountChat returns len(EncodeChat(msgs)).
func (s *Service) CountChat(ctx context.Context, msgs []Message, enc vocab.Encoding) (int, error) {
	ids, err := s.EncodeChat(ctx, msgs, enc)
	return len(ids), err
}

// EstimateTokenBounds returns a conservative [lower, upper] range for the
// token count of text from its character count alone.
func EstimateTokenBounds(text string) (lower, upper int) {
	n := float64(utf8.RuneCountInString(text))
	return int(math.Floor(n / 10)), int(math.Ceil(n / 1.5))
}
