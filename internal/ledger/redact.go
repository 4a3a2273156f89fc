package ledger

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

// RedactionMarker replaces the value of any denylisted metadata key.
const RedactionMarker = "[REDACTED]"

// ipMaskPlaceholder replaces the host-identifying part of a masked address.
const ipMaskPlaceholder = "xxx"

// MaxUserAgentLength bounds stored user agents to limit storage and keep
// injection-style payloads out of logs.
const MaxUserAgentLength = 500

// DenylistedMetadataKeys are the metadata keys whose values are always
// redacted before hashing or storage. Matching is case-sensitive on the
// exact field name.
var DenylistedMetadataKeys = map[string]bool{
	"password":    true,
	"token":       true,
	"secret":      true,
	"key":         true,
	"cvv":         true,
	"ssn":         true,
	"creditCard":  true,
	"bankAccount": true,
	"pin":         true,
	"otp":         true,
}

var (
	ipv4Pattern  = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// MaskIP irreversibly masks an IP address, retaining only the
// network-identifying prefix. For IPv4 the last octet is replaced with a
// fixed placeholder (192.168.1.100 -> 192.168.1.xxx); for IPv6 the first
// four groups are kept and the rest is masked. A pure function: the same
// input always yields the same output. Returns empty string for input that
// does not parse as an address, so no raw value ever leaks through.
func MaskIP(ipStr string) string {
	if ipStr == "" {
		return ""
	}

	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return ""
	}

	if v4 := ip.To4(); v4 != nil {
		parts := []string{
			strconv.Itoa(int(v4[0])),
			strconv.Itoa(int(v4[1])),
			strconv.Itoa(int(v4[2])),
			ipMaskPlaceholder,
		}
		return strings.Join(parts, ".")
	}

	// IPv6: keep the first 4 groups (64-bit prefix) of the expanded form.
	v6 := ip.To16()
	groups := make([]string, 0, 5)
	for i := 0; i < 8; i += 2 {
		groups = append(groups, strconv.FormatUint(uint64(v6[i])<<8|uint64(v6[i+1]), 16))
	}
	groups = append(groups, ipMaskPlaceholder)
	return strings.Join(groups, ":")
}

// SanitizeUserAgent strips embedded IPv4-looking and email-looking substrings
// from a user agent and truncates the result to MaxUserAgentLength runes.
func SanitizeUserAgent(ua string) string {
	if ua == "" {
		return ""
	}

	sanitized := ipv4Pattern.ReplaceAllString(ua, "")
	sanitized = emailPattern.ReplaceAllString(sanitized, "")
	sanitized = strings.TrimSpace(sanitized)

	runes := []rune(sanitized)
	if len(runes) > MaxUserAgentLength {
		sanitized = string(runes[:MaxUserAgentLength])
	}
	return sanitized
}

// RedactMetadata returns a copy of the metadata with every denylisted key's
// value replaced by RedactionMarker. Nested objects are redacted the same
// way. The input map is never mutated.
func RedactMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}

	redacted := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if DenylistedMetadataKeys[k] {
			redacted[k] = RedactionMarker
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			redacted[k] = RedactMetadata(nested)
			continue
		}
		redacted[k] = v
	}
	return redacted
}

// redactEvent returns a sanitized copy of the event with the IP masked, the
// user agent sanitized, and metadata redacted. SensitiveData passes through
// untouched; it is encrypted, not redacted.
func redactEvent(event Event) Event {
	event.IPAddress = MaskIP(event.IPAddress)
	event.UserAgent = SanitizeUserAgent(event.UserAgent)
	event.Metadata = RedactMetadata(event.Metadata)
	return event
}
