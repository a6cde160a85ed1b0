// Package redact strips sensitive values from log output, recorded
// commands and result messages before they leave the process boundary.
//
// Secret values reach Kanri through install options (provider credentials,
// agent API keys) and are forwarded into environment files, container
// arguments and vendor secret stores. They must never appear in:
//   - log lines
//   - commands recorded by the remote transport
//   - InstallResult / ConfigureResult messages
//
// Redaction is best-effort and relies on callers passing the right set of
// sensitive terms. It does not replace keeping secrets out of call sites.
package redact

import (
	"sort"
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings. Longer values are replaced
// first so a value that contains another is not partially revealed.
func String(s string, sensitiveValues ...string) string {
	values := append([]string(nil), sensitiveValues...)
	sort.SliceStable(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Values returns the values of m, suitable as the variadic argument of String.
func Values(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// Assignments rewrites KEY=VALUE tokens whose key looks sensitive so the
// value reads [REDACTED]. Tokens that are not assignments pass through.
func Assignments(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		key, _, ok := strings.Cut(tok, "=")
		if ok && IsSensitiveKey(key) {
			out[i] = key + "=" + placeholder
			continue
		}
		out[i] = tok
	}
	return out
}

// Map returns a shallow copy of m with values replaced by [REDACTED] for
// every key whose name suggests it contains a secret. Non-string values are
// left unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// IsSensitiveKey reports whether the key name suggests it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
