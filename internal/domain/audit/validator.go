package audit

import (
	"fmt"
	"net"
	"time"
)

// ValidationConfig bounds the accepted shape of incoming events.
type ValidationConfig struct {
	MaxStringLength     int
	MaxCustomFieldDepth int
}

// DefaultValidationConfig mirrors the pipeline's startup defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxStringLength:     2048,
		MaxCustomFieldDepth: 5,
	}
}

// FieldError describes a single validation failure.
type FieldError struct {
	Field string      `json:"field"`
	Code  string      `json:"code"`
	Value interface{} `json:"value,omitempty"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Code)
}

// ValidationResult aggregates the outcome of validating one event.
type ValidationResult struct {
	IsValid  bool         `json:"isValid"`
	Errors   []FieldError `json:"errors,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Validate checks an event against the schema rules. It never mutates the
// event. Warnings do not fail validation.
func Validate(e *Event, cfg ValidationConfig) ValidationResult {
	result := ValidationResult{IsValid: true}
	fail := func(field, code string, value interface{}) {
		result.IsValid = false
		result.Errors = append(result.Errors, FieldError{Field: field, Code: code, Value: value})
	}

	if e == nil {
		fail("event", "REQUIRED", nil)
		return result
	}

	// Required fields
	if e.Timestamp == "" {
		fail("timestamp", "REQUIRED", nil)
	} else if !isParseableTimestamp(e.Timestamp) {
		fail("timestamp", "INVALID_TIMESTAMP", e.Timestamp)
	}

	if e.Action == "" {
		fail("action", "REQUIRED", nil)
	} else if len(e.Action) > cfg.MaxStringLength {
		fail("action", "TOO_LONG", len(e.Action))
	}

	if e.Status == "" {
		fail("status", "REQUIRED", nil)
	} else if !isValidStatus(e.Status) {
		fail("status", "INVALID_STATUS", e.Status)
	}

	// Enumerated fields
	if e.DataClassification != "" && !isValidClassification(e.DataClassification) {
		fail("dataClassification", "INVALID_CLASSIFICATION", e.DataClassification)
	}
	if e.HashAlgorithm != "" && e.HashAlgorithm != HashAlgorithmSHA256 {
		fail("hashAlgorithm", "UNSUPPORTED_ALGORITHM", e.HashAlgorithm)
	}

	// Bounded strings
	boundedFields := map[string]string{
		"principalId":        e.PrincipalID,
		"organizationId":     e.OrganizationID,
		"targetResourceType": e.TargetResourceType,
		"targetResourceId":   e.TargetResourceID,
		"outcomeDescription": e.OutcomeDescription,
		"retentionPolicy":    e.RetentionPolicy,
		"correlationId":      e.CorrelationID,
	}
	for field, value := range boundedFields {
		if len(value) > cfg.MaxStringLength {
			fail(field, "TOO_LONG", len(value))
		}
	}

	// Session context
	if sc := e.SessionContext; sc != nil {
		sessionFields := map[string]string{
			"sessionContext.sessionId":   sc.SessionID,
			"sessionContext.userAgent":   sc.UserAgent,
			"sessionContext.geolocation": sc.Geolocation,
		}
		for field, value := range sessionFields {
			if len(value) > cfg.MaxStringLength {
				fail(field, "TOO_LONG", len(value))
			}
		}
		if sc.IPAddress != "" {
			if len(sc.IPAddress) > cfg.MaxStringLength {
				fail("sessionContext.ipAddress", "TOO_LONG", len(sc.IPAddress))
			} else if net.ParseIP(sc.IPAddress) == nil {
				fail("sessionContext.ipAddress", "INVALID_IP", sc.IPAddress)
			}
		}
	}

	// Numeric bounds
	if e.ProcessingLatency != nil && *e.ProcessingLatency < 0 {
		fail("processingLatency", "NEGATIVE", *e.ProcessingLatency)
	}
	if e.QueueDepth != nil && *e.QueueDepth < 0 {
		fail("queueDepth", "NEGATIVE", *e.QueueDepth)
	}

	// Custom field nesting
	if e.CustomFields != nil {
		if depth := mapDepth(e.CustomFields, make(map[uintptr]bool)); depth > cfg.MaxCustomFieldDepth {
			fail("customFields", "NESTING_TOO_DEEP", depth)
		}
	}

	// Version is advisory only
	if e.EventVersion != "" && !isKnownEventVersion(e.EventVersion) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("eventVersion %q is not a known version", e.EventVersion))
	}

	return result
}

// isParseableTimestamp accepts RFC 3339 timestamps, which always carry an
// explicit timezone.
func isParseableTimestamp(ts string) bool {
	_, err := time.Parse(time.RFC3339Nano, ts)
	return err == nil
}

// mapDepth measures nesting depth of a custom-field container. A flat map
// has depth 1. Cycles terminate at the revisited container.
func mapDepth(v interface{}, seen map[uintptr]bool) int {
	switch tv := v.(type) {
	case map[string]interface{}:
		ptr := mapPointer(tv)
		if ptr != 0 {
			if seen[ptr] {
				return 1
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		max := 0
		for _, child := range tv {
			if d := mapDepth(child, seen); d > max {
				max = d
			}
		}
		return max + 1
	case []interface{}:
		max := 0
		for _, child := range tv {
			if d := mapDepth(child, seen); d > max {
				max = d
			}
		}
		return max
	default:
		return 0
	}
}
