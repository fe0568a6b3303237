package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive field values in log output.
const RedactedValue = "[REDACTED]"

// Exchange state is public, so identifiers that already live on-chain
// (addresses, transfer ids, symbols, amounts) stay readable. Credentials and
// anything unrecognised never do.
var redactionAllowlist = func() map[string]struct{} {
	keys := []string{
		"service", "env", "message", "severity", "timestamp",
		"error", "reason", "component", "method",
		"chain", "height", "status", "attempt",
		"token", "symbol", "raft", "address", "transfer", "amount",
	}
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}()

// IsAllowlisted reports whether key may appear in logs unmasked.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the unmasked log keys in sorted order. Tests use
// it to assert credential keys never sneak in.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue replaces a non-empty value with the redaction placeholder. Blank
// values pass through so masked logs stay quiet about absent fields.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr whose value is masked unless the key is
// allowlisted. Key casing is preserved.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
