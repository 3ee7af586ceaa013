package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

// canonicalFieldOrder is the fixed serialization order of the identity
// fields. Any change to a field in this set invalidates both the hash and
// the signature; fields outside the set (customFields, session context) do
// not participate.
var canonicalFieldOrder = []string{
	"timestamp",
	"action",
	"status",
	"principalId",
	"organizationId",
	"targetResourceType",
	"targetResourceId",
	"outcomeDescription",
	"eventVersion",
}

// CanonicalBytes produces the deterministic UTF-8 serialization used for
// hashing and signing: the identity fields in fixed key order, absent
// fields omitted, JSON string encoding for values.
func CanonicalBytes(e *Event) []byte {
	values := map[string]string{
		"timestamp":          e.Timestamp,
		"action":             e.Action,
		"status":             string(e.Status),
		"principalId":        e.PrincipalID,
		"organizationId":     e.OrganizationID,
		"targetResourceType": e.TargetResourceType,
		"targetResourceId":   e.TargetResourceID,
		"outcomeDescription": e.OutcomeDescription,
		"eventVersion":       e.EventVersion,
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, '{')
	first := true
	for _, key := range canonicalFieldOrder {
		v := values[key]
		if v == "" {
			continue
		}
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = appendJSONString(buf, key)
		buf = append(buf, ':')
		buf = appendJSONString(buf, v)
	}
	buf = append(buf, '}')
	return buf
}

// appendJSONString appends s as a JSON string literal. json.Marshal on a
// string cannot fail; the error is discarded.
func appendJSONString(buf []byte, s string) []byte {
	encoded, _ := json.Marshal(s)
	return append(buf, encoded...)
}

// HashEvent computes the SHA-256 hash of the canonical serialization and
// returns it as 64 lowercase hex characters.
func HashEvent(e *Event) string {
	sum := sha256.Sum256(CanonicalBytes(e))
	return hex.EncodeToString(sum[:])
}

// VerifyEventHash recomputes the canonical hash and compares it against
// expected in constant time.
func VerifyEventHash(e *Event, expected string) bool {
	computed := HashEvent(e)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1
}

// SignEvent computes an HMAC-SHA-256 signature over the canonical
// serialization. The secret must be non-empty.
func SignEvent(e *Event, secret string) (string, error) {
	if secret == "" {
		return "", errors.NewValidationError("MISSING_SECRET",
			"signing secret is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(CanonicalBytes(e))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyEventSignature verifies an HMAC signature in constant time.
// Verification failures are never fatal to reads, but callers must surface
// them in integrity reports.
func VerifyEventSignature(e *Event, signature, secret string) bool {
	expected, err := SignEvent(e, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
