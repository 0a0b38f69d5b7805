package special

import (
	"encoding/json"
	"testing"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		input   string
		want    Action
		wantErr bool
	}{
		{"forbidden", Forbidden, false},
		{"FORBIDDEN", Forbidden, false},
		{"normal_text", NormalText, false},
		{"normal-text", NormalText, false},
		{"  normal ", NormalText, false},
		{"", NormalText, false},
		{"special", Special, false},
		{"allow", NormalText, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAction(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAction(%q) = %v, nil; want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAction(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseAction(%q) = %v; want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestPolicy_ActionForPrefersOverride(t *testing.T) {
	p := NewPolicy(Forbidden, map[string]Action{"<|eot|>": Special})

	if got := p.ActionFor("<|eot|>"); got != Special {
		t.Errorf("ActionFor(override) = %v; want special", got)
	}
	if got := p.ActionFor("<|other|>"); got != Forbidden {
		t.Errorf("ActionFor(other) = %v; want forbidden", got)
	}
	if p.Default() != Forbidden {
		t.Errorf("Default() = %v; want forbidden", p.Default())
	}
}

func TestNewPolicy_CopiesOverrides(t *testing.T) {
	overrides := map[string]Action{"<|a|>": Special}
	p := NewPolicy(NormalText, overrides)

	overrides["<|a|>"] = Forbidden
	overrides["<|b|>"] = Forbidden

	if got := p.ActionFor("<|a|>"); got != Special {
		t.Errorf("policy changed after caller mutation: ActionFor = %v", got)
	}
	if _, ok := p.Override("<|b|>"); ok {
		t.Error("policy picked up override added after construction")
	}
}

func TestZeroPolicyIsNormalText(t *testing.T) {
	var p Policy
	if got := p.ActionFor("<|endoftext|>"); got != NormalText {
		t.Errorf("zero Policy ActionFor = %v; want normal_text", got)
	}
	if p.Default() != NormalTextPolicy().Default() {
		t.Errorf("zero Policy default = %v; want normal_text", p.Default())
	}
	if NormalTextPolicy().ActionFor("<|endoftext|>") != NormalText {
		t.Error("NormalTextPolicy should treat tokens as normal text")
	}
	if AllowAllPolicy().ActionFor("<|endoftext|>") != Special {
		t.Error("AllowAllPolicy should treat tokens as special")
	}
}

func TestAction_JSONRoundTrip(t *testing.T) {
	in := map[string]Action{"<|a|>": Special, "<|b|>": Forbidden}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]string
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal as strings: %v", err)
	}
	if back["<|a|>"] != "special" || back["<|b|>"] != "forbidden" {
		t.Errorf("marshal = %s", data)
	}

	var out map[string]Action
	if err := json.Unmarshal([]byte(`{"x":"normal_text","y":"special"}`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["x"] != NormalText || out["y"] != Special {
		t.Errorf("unmarshal = %v", out)
	}

	if err := json.Unmarshal([]byte(`{"x":"bogus"}`), &out); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestPolicy_String(t *testing.T) {
	p := NewPolicy(NormalText, map[string]Action{"<|b|>": Special, "<|a|>": Forbidden})
	want := "default=normal_text overrides[<|a|>=forbidden <|b|>=special]"
	if got := p.String(); got != want {
		t.Errorf("String() = %q; want %q", got, want)
	}
}
