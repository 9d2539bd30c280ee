package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// sensitiveFragments are matched case-insensitively against attribute keys.
var sensitiveFragments = []string{"secret", "passphrase", "password", "token", "authorization", "private"}

// IsSensitiveKey reports whether values logged under key are always redacted.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindGroup && IsSensitiveKey(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}

// MaskURL logs only the scheme and host of raw.
func MaskURL(key, raw string) slog.Attr {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return slog.String(key, RedactedValue)
	}
	masked := u.Scheme + "://" + u.Host
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		masked += "/…"
	}
	return slog.String(key, masked)
}

// ShortAddress keeps the bech32 prefix and the last six characters of an
// address.
func ShortAddress(key, addr string) slog.Attr {
	trimmed := strings.TrimSpace(addr)
	sep := strings.LastIndexByte(trimmed, '1')
	if sep <= 0 || len(trimmed)-sep <= 7 {
		return slog.String(key, RedactedValue)
	}
	return slog.String(key, trimmed[:sep+1]+"…"+trimmed[len(trimmed)-6:])
}
