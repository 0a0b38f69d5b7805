package main

import (
	"slices"
	"strings"
	"testing"

	"github.com/example/go-tokend/internal/config"
	"github.com/example/go-tokend/internal/special"
	"github.com/example/go-tokend/internal/vocab"
)

func TestReadInputText(t *testing.T) {
	t.Run("uses flag text", func(t *testing.T) {
		got, err := readInputText("hello", strings.NewReader("ignored"))
		if err != nil || got != "hello" {
			t.Fatalf("readInputText = %q, %v; want hello", got, err)
		}
	})

	t.Run("strips one trailing newline from stdin", func(t *testing.T) {
		got, err := readInputText("", strings.NewReader(" from stdin \n\n"))
		if err != nil {
			t.Fatalf("readInputText returned error: %v", err)
		}
		if got != " from stdin \n" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("fails when both empty", func(t *testing.T) {
		if _, err := readInputText("", strings.NewReader("\n")); err == nil {
			t.Fatal("expected error for empty input")
		}
	})
}

func TestParsePolicy(t *testing.T) {
	p, err := parsePolicy("forbidden", []string{"<|endoftext|>=special", "<|im_start|>=text"})
	if err != nil {
		t.Fatalf("parsePolicy: %v", err)
	}

	if p.Default() != special.Forbidden {
		t.Errorf("default = %v", p.Default())
	}
	if p.ActionFor("<|endoftext|>") != special.Special || p.ActionFor("<|im_start|>") != special.NormalText {
		t.Errorf("overrides = %v", p)
	}

	for _, bad := range [][]string{{"noequals"}, {"=special"}, {"tok=maybe"}} {
		if _, err := parsePolicy("normal_text", bad); err == nil {
			t.Errorf("parsePolicy(%v) accepted", bad)
		}
	}

	if _, err := parsePolicy("sometimes", nil); err == nil {
		t.Error("invalid default accepted")
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"1,2", "3", "4 5\n"})
	if err != nil {
		t.Fatalf("parseIDs: %v", err)
	}
	if !slices.Equal(ids, []uint32{1, 2, 3, 4, 5}) {
		t.Errorf("ids = %v", ids)
	}

	if _, err := parseIDs([]string{"-1"}); err == nil {
		t.Error("negative id accepted")
	}
	if _, err := parseIDs([]string{"4294967296"}); err == nil {
		t.Error("id above uint32 accepted")
	}

	if got := formatIDs(ids); got != "1 2 3 4 5" {
		t.Errorf("formatIDs = %q", got)
	}
}

func TestResolveEncoding(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Vocab.Encodings = []string{"o200k,cl100k"}

	enc, err := resolveEncoding("", cfg)
	if err != nil || enc != vocab.O200k {
		t.Errorf("resolveEncoding(default) = %v, %v; want o200k", enc, err)
	}

	enc, err = resolveEncoding("cl100k_base", cfg)
	if err != nil || enc != vocab.Cl100k {
		t.Errorf("resolveEncoding(cl100k_base) = %v, %v", enc, err)
	}

	if _, err := resolveEncoding("gpt2", cfg); err == nil {
		t.Error("unknown encoding accepted")
	}
}

func TestProbeAddr(t *testing.T) {
	tests := map[string]string{
		":8080":          "127.0.0.1:8080",
		"0.0.0.0:9000":   "0.0.0.0:9000",
		"localhost:8080": "localhost:8080",
	}
	for in, want := range tests {
		if got := probeAddr(in); got != want {
			t.Errorf("probeAddr(%q) = %q; want %q", in, got, want)
		}
	}
}
