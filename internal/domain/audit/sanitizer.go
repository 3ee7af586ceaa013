package audit

import (
	"fmt"
	"net"
	"reflect"
	"regexp"
	"strings"
)

// truncationMarker is appended to strings cut down to the configured bound.
const truncationMarker = "..."

// circularMarker replaces a nested container that refers back to one of its
// ancestors.
const circularMarker = "[circular reference removed]"

// reservedCustomFieldKeys are mapping keys that are never carried through
// sanitization. They originate from prototype-pollution attacks against
// dynamic-language consumers of the same payloads.
var reservedCustomFieldKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

var (
	scriptBlockPattern  = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	scriptTagPattern    = regexp.MustCompile(`(?i)</?script[^>]*>`)
	javascriptPattern   = regexp.MustCompile(`(?i)javascript\s*:`)
	eventHandlerPattern = regexp.MustCompile(`(?i)\bon\w+\s*=`)
)

// SanitizationResult carries the sanitized deep copy plus what changed.
type SanitizationResult struct {
	Event    *Event   `json:"event"`
	Modified bool     `json:"modified"`
	Warnings []string `json:"warnings,omitempty"`
}

// sanitizer tracks state for one sanitization pass.
type sanitizer struct {
	cfg      ValidationConfig
	modified bool
	warnings []string
}

// Sanitize returns a sanitized deep copy of the event. The input is never
// mutated, and sanitization never fails: problems become warnings.
// Sanitize is idempotent: applying it to its own output is a no-op.
func Sanitize(e *Event, cfg ValidationConfig) SanitizationResult {
	if e == nil {
		return SanitizationResult{Event: nil}
	}

	s := &sanitizer{cfg: cfg}
	out := e.Clone()

	out.Action = s.cleanString("action", out.Action, false)
	out.PrincipalID = s.cleanString("principalId", out.PrincipalID, false)
	out.OrganizationID = s.cleanString("organizationId", out.OrganizationID, false)
	out.TargetResourceType = s.cleanString("targetResourceType", out.TargetResourceType, false)
	out.TargetResourceID = s.cleanString("targetResourceId", out.TargetResourceID, false)
	out.RetentionPolicy = s.cleanString("retentionPolicy", out.RetentionPolicy, false)
	out.CorrelationID = s.cleanString("correlationId", out.CorrelationID, false)

	// Free-text descriptive fields additionally get quote entity encoding.
	out.OutcomeDescription = s.cleanString("outcomeDescription", out.OutcomeDescription, true)

	if upper := DataClassification(strings.ToUpper(string(out.DataClassification))); upper != out.DataClassification {
		out.DataClassification = upper
		s.note("dataClassification normalized to canonical form")
	}

	if sc := out.SessionContext; sc != nil {
		sc.SessionID = s.cleanString("sessionContext.sessionId", sc.SessionID, false)
		sc.UserAgent = s.cleanString("sessionContext.userAgent", sc.UserAgent, true)
		sc.Geolocation = s.cleanString("sessionContext.geolocation", sc.Geolocation, false)
		sc.IPAddress = s.normalizeIP(sc.IPAddress)
	}

	if out.CustomFields != nil {
		out.CustomFields = s.walkMap(out.CustomFields, make(map[uintptr]bool))
	}

	return SanitizationResult{Event: out, Modified: s.modified, Warnings: s.warnings}
}

func (s *sanitizer) note(msg string) {
	s.modified = true
	s.warnings = append(s.warnings, msg)
}

// cleanString strips control bytes and scripting payloads, optionally
// entity-encodes quotes, and truncates to the configured bound.
func (s *sanitizer) cleanString(field, value string, freeText bool) string {
	if value == "" {
		return value
	}
	cleaned := stripControlBytes(value)
	cleaned = stripScriptPayloads(cleaned)
	if freeText {
		cleaned = encodeQuotes(cleaned)
	}
	if max := s.cfg.MaxStringLength; max > 0 && len(cleaned) > max {
		cut := max - len(truncationMarker)
		if cut < 0 {
			cut = 0
		}
		cleaned = cleaned[:cut] + truncationMarker
		s.note(fmt.Sprintf("%s truncated to %d bytes", field, max))
	}
	if cleaned != value {
		s.modified = true
	}
	return cleaned
}

// stripControlBytes removes NUL and all other C0 control characters.
func stripControlBytes(in string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, in)
}

// stripScriptPayloads removes script blocks and inline handler fragments,
// looping until the string is stable so interleaved payloads cannot
// reassemble after one pass.
func stripScriptPayloads(in string) string {
	out := in
	for {
		next := scriptBlockPattern.ReplaceAllString(out, "")
		next = scriptTagPattern.ReplaceAllString(next, "")
		next = javascriptPattern.ReplaceAllString(next, "")
		next = eventHandlerPattern.ReplaceAllString(next, "")
		if next == out {
			return out
		}
		out = next
	}
}

// encodeQuotes entity-encodes quote characters in free text. Ampersands are
// deliberately left alone so encoding is idempotent.
func encodeQuotes(in string) string {
	out := strings.ReplaceAll(in, `"`, "&quot;")
	return strings.ReplaceAll(out, "'", "&#39;")
}

// normalizeIP strips leading zeros from IPv4 octets. IPv6 and unparseable
// values pass through unchanged; the validator rejects invalid addresses.
func (s *sanitizer) normalizeIP(ip string) string {
	if ip == "" || strings.Contains(ip, ":") {
		return ip
	}
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ip
	}
	normalized := make([]string, 4)
	for i, part := range parts {
		trimmed := strings.TrimLeft(part, "0")
		if trimmed == "" {
			trimmed = "0"
		}
		normalized[i] = trimmed
	}
	result := strings.Join(normalized, ".")
	if net.ParseIP(result) == nil {
		return ip
	}
	if result != ip {
		s.note("ipAddress octets normalized")
	}
	return result
}

// walkMap sanitizes a nested custom-field container. Reserved keys are
// dropped, string values cleaned, and containers revisited through a cycle
// are replaced with a marker.
func (s *sanitizer) walkMap(m map[string]interface{}, seen map[uintptr]bool) map[string]interface{} {
	ptr := mapPointer(m)
	if ptr != 0 {
		seen[ptr] = true
		defer delete(seen, ptr)
	}

	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if reservedCustomFieldKeys[k] {
			s.note(fmt.Sprintf("reserved custom field key %q removed", k))
			continue
		}
		cleanKey := stripControlBytes(k)
		if cleanKey != k {
			s.modified = true
		}
		out[cleanKey] = s.walkValue(cleanKey, v, seen)
	}
	return out
}

func (s *sanitizer) walkValue(key string, v interface{}, seen map[uintptr]bool) interface{} {
	switch tv := v.(type) {
	case string:
		return s.cleanString("customFields."+key, tv, false)
	case map[string]interface{}:
		if ptr := mapPointer(tv); ptr != 0 && seen[ptr] {
			s.note(fmt.Sprintf("circular reference at customFields.%s removed", key))
			return circularMarker
		}
		return s.walkMap(tv, seen)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = s.walkValue(fmt.Sprintf("%s[%d]", key, i), item, seen)
		}
		return out
	default:
		return v
	}
}

// mapPointer returns an identity for a map usable in a visited set.
func mapPointer(m map[string]interface{}) uintptr {
	if m == nil {
		return 0
	}
	return reflect.ValueOf(m).Pointer()
}
