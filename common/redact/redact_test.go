package redact_test

import (
	"strings"
	"testing"

	"github.com/bdobrica/Kioku/common/redact"
)

func TestString_RedactsSensitiveValues(t *testing.T) {
	secret := "sk-live-0123456789abcdef"
	line := "upstream said: invalid key sk-live-0123456789abcdef"
	const want = "upstream said: invalid key [REDACTED]"
	if got := redact.String(line, secret); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestString_SkipsShortValues(t *testing.T) {
	line := "abc token"
	if got := redact.String(line, "abc"); got != line {
		t.Fatalf("short value should not be redacted; got %q", got)
	}
}

func TestToken(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"long token keeps prefix", "kk_abcdefghijklmnopqrstuvwxyz", "kk_abc…[REDACTED]"},
		{"short token fully hidden", "kk_short", "[REDACTED]"},
		{"empty", "", "[REDACTED]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redact.Token(tt.in); got != tt.want {
				t.Errorf("Token(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMap_RedactsNestedSensitiveKeys(t *testing.T) {
	m := map[string]any{
		"http_addr": ":8080",
		"provider": map[string]any{
			"kind":        "openai",
			"api_key":     "sk-123456",
			"api_key_env": "OPENAI_API_KEY",
		},
		"master_key": "00ff",
		"count":      42,
	}
	out := redact.Map(m)

	if out["http_addr"] != ":8080" {
		t.Errorf("http_addr should not be redacted, got %v", out["http_addr"])
	}
	if out["master_key"] != "[REDACTED]" {
		t.Errorf("master_key should be redacted, got %v", out["master_key"])
	}
	p := out["provider"].(map[string]any)
	if p["api_key"] != "[REDACTED]" {
		t.Errorf("nested api_key should be redacted, got %v", p["api_key"])
	}
	if p["api_key_env"] != "OPENAI_API_KEY" {
		t.Errorf("env var names are not secrets, got %v", p["api_key_env"])
	}
	if out["count"] != 42 {
		t.Errorf("non-string count should be unchanged, got %v", out["count"])
	}
	if strings.Contains(m["provider"].(map[string]any)["api_key"].(string), "REDACTED") {
		t.Error("Map mutated the original")
	}
}
