// Package testutil provides shared fixtures and skip helpers for tests.
//
// Fixtures describe a tiny byte-level vocabulary that builds in
// microseconds, so dispatch and server tests do not pay for the bundled
// 100k-entry tables. Skip helpers call t.Skip with a clear reason when an
// external rank file is absent.
//
// Typical usage:
//
//	func TestLlama3Integration(t *testing.T) {
//	    path := testutil.RequireLlama3Ranks(t)
//	    ...
//	}
package testutil

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Tiny vocabulary ids.
const (
	TinyHello     = 259 // "hello"
	TinyEndOfText = 260 // "<|endoftext|>"
	TinyEndOfTurn = 261 // "<|eot|>"
	TinyNumRanks  = 260
)

// TinyRanks returns every single byte (ids 0-255) plus the merges needed
// to encode "hello" as one token.
func TinyRanks() map[string]int {
	ranks := make(map[string]int, TinyNumRanks)
	for b := 0; b < 256; b++ {
		ranks[string([]byte{byte(b)})] = b
	}
	ranks["he"] = 256
	ranks["ll"] = 257
	ranks["hell"] = 258
	ranks["hello"] = 259
	return ranks
}

// TinySpecials returns the special tokens of the tiny vocabulary.
func TinySpecials() map[string]int {
	return map[string]int{
		"<|endoftext|>": TinyEndOfText,
		"<|eot|>":       TinyEndOfTurn,
	}
}

// TinyPattern is a whitespace-aware pre-tokenization pattern.
const TinyPattern = `\s?\S+|\s+`

// RanksFile renders ranks in the "base64token rank" line format, ordered
// by rank.
func RanksFile(ranks map[string]int) string {
	type entry struct {
		tok  string
		rank int
	}
	entries := make([]entry, 0, len(ranks))
	for tok, rank := range ranks {
		entries = append(entries, entry{tok, rank})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rank < entries[j].rank })

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s %d\n", base64.StdEncoding.EncodeToString([]byte(e.tok)), e.rank)
	}
	return sb.String()
}

// WriteRanksFile writes ranks under dir/rel and returns the full path.
func WriteRanksFile(tb testing.TB, dir, rel string, ranks map[string]int) string {
	tb.Helper()

	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(RanksFile(ranks)), 0o600); err != nil {
		tb.Fatalf("write ranks: %v", err)
	}
	return path
}

// RequireLlama3Ranks skips the test unless a real llama3 rank table is
// available, either from TOKEND_LLAMA3_PATH or under
// tokenizers/Meta-Llama-3-70B-Instruct/tokenizer.model in an ancestor of the
// working directory.
func RequireLlama3Ranks(tb testing.TB) string {
	tb.Helper()

	if p := os.Getenv("TOKEND_LLAMA3_PATH"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		tb.Skipf("llama3 ranks not found at TOKEND_LLAMA3_PATH=%q", p)
	}

	dir, err := filepath.Abs(".")
	if err != nil {
		tb.Fatalf("abs path: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "tokenizers", "Meta-Llama-3-70B-Instruct", "tokenizer.model")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	tb.Skip("llama3 tokenizer.model not found; set TOKEND_LLAMA3_PATH to run")
	return ""
}
