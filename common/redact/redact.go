// Package redact provides helpers for stripping sensitive values from log
// output and structured data before it leaves the process boundary.
//
// # Threat model
//
// Secrets (client API keys, provider API keys, the blob master key) must
// never appear in:
//   - Log lines emitted by the gateway
//   - Upstream error messages echoed back to clients
//   - Configuration dumps printed by the CLI
//
// Redaction is best-effort: it operates on string representations and relies
// on callers to pass the right set of sensitive terms.  It is NOT a substitute
// for keeping secrets out of log call-sites in the first place.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// visiblePrefix is how much of a token Token keeps for correlation.
const visiblePrefix = 6

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(upstreamErr.Error(), providerKey)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Token keeps the first few characters of a credential so operators can
// correlate log lines with an issued key without learning the key itself.
func Token(tok string) string {
	if len(tok) <= visiblePrefix*2 {
		return placeholder
	}
	return tok[:visiblePrefix] + "…" + placeholder
}

// Map returns a deep copy of m with values replaced by [REDACTED] for every
// key whose name suggests it contains a secret (password, token, key, secret,
// credential, auth).  Nested maps are walked; non-string values under a
// sensitive key are left unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = Map(nested)
			continue
		}
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
// Keys ending in "_env" name an environment variable, not its value.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasSuffix(lower, "_env") {
		return false
	}
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
