package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-tokend/internal/config"
	"github.com/example/go-tokend/internal/special"
	"github.com/example/go-tokend/internal/tokenizer"
	"github.com/example/go-tokend/internal/vocab"
)

// tokenizeFlags are shared by the one-shot tokenizer commands.
type tokenizeFlags struct {
	text      string
	encoding  string
	special   string
	overrides []string
}

func (f *tokenizeFlags) register(cmd *cobra.Command, withPolicy bool) {
	cmd.Flags().StringVar(&f.text, "text", "", "Input text (read from stdin when empty)")
	cmd.Flags().StringVar(&f.encoding, "encoding", "", "Encoding to use (default: first configured)")
	if withPolicy {
		cmd.Flags().StringVar(&f.special, "special", "normal_text", "Default special-token action (forbidden|normal_text|special)")
		cmd.Flags().StringSliceVar(&f.overrides, "override", nil, "Per-token action as token=action (repeatable)")
	}
}

func (f *tokenizeFlags) policy() (special.Policy, error) {
	return parsePolicy(f.special, f.overrides)
}

// parsePolicy builds a policy from a default action and token=action pairs.
func parsePolicy(def string, overrides []string) (special.Policy, error) {
	action, err := special.ParseAction(def)
	if err != nil {
		return special.Policy{}, err
	}
	byToken := make(map[string]special.Action, len(overrides))
	for _, kv := range overrides {
		tok, raw, ok := strings.Cut(kv, "=")
		if !ok || tok == "" {
			return special.Policy{}, fmt.Errorf("invalid --override %q (want token=action)", kv)
		}
		a, err := special.ParseAction(raw)
		if err != nil {
			return special.Policy{}, err
		}
		byToken[tok] = a
	}
	return special.NewPolicy(action, byToken), nil
}

// readInputText returns text, or stdin with one trailing line break removed.
func readInputText(text string, stdin io.Reader) (string, error) {
	if text != "" {
		return text, nil
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	input := strings.TrimSuffix(strings.TrimSuffix(string(b), "\n"), "\r")
	if input == "" {
		return "", fmt.Errorf("either provide --text or pipe text on stdin")
	}
	return input, nil
}

// resolveEncoding picks the named encoding or the first configured one.
func resolveEncoding(name string, cfg config.Config) (vocab.Encoding, error) {
	if strings.TrimSpace(name) != "" {
		return vocab.ParseEncoding(name)
	}
	encs, err := config.NormalizeEncodings(cfg.Vocab.Encodings)
	if err != nil {
		return 0, err
	}
	return encs[0], nil
}

// withService builds a tokenizer service over only the encoding in use.
func withService(cmd *cobra.Command, encName string, fn func(ctx context.Context, svc *tokenizer.Service, enc vocab.Encoding) error) error {
	cfg, err := requireConfig()
	if err != nil {
		return err
	}
	enc, err := resolveEncoding(encName, cfg)
	if err != nil {
		return err
	}

	cfg.Vocab.Encodings = []string{enc.String()}
	if cfg.FastPath.Enabled {
		cfg.FastPath.Encoding = enc.String()
	}
	svc, err := tokenizer.NewService(cfg, tokenizer.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, svc, enc)
}

func formatIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, " ")
}

// parseIDs accepts ids separated by spaces or commas.
func parseIDs(args []string) ([]uint32, error) {
	var ids []uint32
	for _, arg := range args {
		for _, field := range strings.FieldsFunc(arg, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' || r == '\t' }) {
			n, err := strconv.ParseUint(field, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid token id %q", field)
			}
			ids = append(ids, uint32(n))
		}
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// commands
// ---------------------------------------------------------------------------

func newCountCmd() *cobra.Command {
	var f tokenizeFlags

	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count the tokens in text",
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readInputText(f.text, cmd.InOrStdin())
			if err != nil {
				return err
			}
			p, err := f.policy()
			if err != nil {
				return err
			}
			return withService(cmd, f.encoding, func(ctx context.Context, svc *tokenizer.Service, enc vocab.Encoding) error {
				n, err := svc.CountTokens(ctx, text, enc, p)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
				return err
			})
		},
	}
	f.register(cmd, true)

	return cmd
}

func newEncodeCmd() *cobra.Command {
	var (
		f      tokenizeFlags
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print the token ids of text",
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readInputText(f.text, cmd.InOrStdin())
			if err != nil {
				return err
			}
			p, err := f.policy()
			if err != nil {
				return err
			}
			return withService(cmd, f.encoding, func(ctx context.Context, svc *tokenizer.Service, enc vocab.Encoding) error {
				ids, err := svc.EncodeTokens(ctx, text, enc, p)
				if err != nil {
					return err
				}
				if asJSON {
					if ids == nil {
						ids = []uint32{}
					}
					return json.NewEncoder(cmd.OutOrStdout()).Encode(ids)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), formatIDs(ids))
				return err
			})
		},
	}
	f.register(cmd, true)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print ids as a JSON array")

	return cmd
}

func newDecodeCmd() *cobra.Command {
	var encoding string

	cmd := &cobra.Command{
		Use:   "decode [ids...]",
		Short: "Decode token ids to text",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				args = []string{strings.Trim(string(b), "[] \n")}
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withService(cmd, encoding, func(ctx context.Context, svc *tokenizer.Service, enc vocab.Encoding) error {
				text, err := svc.DecodeTokens(ctx, ids, enc)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", "", "Encoding to use (default: first configured)")

	return cmd
}

func newEstimateCmd() *cobra.Command {
	var (
		f    tokenizeFlags
		fast bool
	)

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the token count of text without running BPE",
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readInputText(f.text, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withService(cmd, f.encoding, func(ctx context.Context, svc *tokenizer.Service, enc vocab.Encoding) error {
				var n int
				if fast {
					n = svc.EstimateTokenCountFast(text, enc)
				} else {
					queued, err := svc.EstimateTokenCount(ctx, text, enc)
					if err != nil {
						return err
					}
					n = queued
				}
				lower, upper := tokenizer.EstimateTokenBounds(text)
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d (bounds %d-%d)\n", n, lower, upper)
				return err
			})
		},
	}
	f.register(cmd, false)
	cmd.Flags().BoolVar(&fast, "fast", false, "Use the fast path instead of the worker queue")

	return cmd
}

func newChatCmd() *cobra.Command {
	var (
		encoding string
		showIDs  bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Count the tokens of a JSON chat transcript read from stdin",
		Long: "Reads a JSON array of {\"role\",\"content\",\"name\",\"to\"} messages from stdin\n" +
			"and prints the token count of the rendered chat prompt.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var msgs []tokenizer.Message
			if err := json.NewDecoder(cmd.InOrStdin()).Decode(&msgs); err != nil {
				return fmt.Errorf("decode messages: %w", err)
			}
			return withService(cmd, encoding, func(ctx context.Context, svc *tokenizer.Service, enc vocab.Encoding) error {
				ids, err := svc.EncodeChat(ctx, msgs, enc)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if showIDs {
					_, _ = fmt.Fprintln(out, formatIDs(ids))
				}
				_, err = fmt.Fprintln(out, len(ids))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", "", "Encoding to use (default: first configured)")
	cmd.Flags().BoolVar(&showIDs, "ids", false, "Also print the token ids")

	return cmd
}
