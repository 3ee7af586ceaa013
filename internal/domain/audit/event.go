package audit

import (
	"time"

	"github.com/google/uuid"
)

// Status is the outcome recorded for an audited action.
type Status string

const (
	StatusAttempt Status = "attempt"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// DataClassification labels the sensitivity of the data an event touches.
type DataClassification string

const (
	ClassificationPublic       DataClassification = "PUBLIC"
	ClassificationInternal     DataClassification = "INTERNAL"
	ClassificationConfidential DataClassification = "CONFIDENTIAL"
	ClassificationPHI          DataClassification = "PHI"
)

// HashAlgorithmSHA256 is the only supported hash algorithm.
const HashAlgorithmSHA256 = "SHA-256"

// DefaultEventVersion is stamped on events that do not declare a version.
const DefaultEventVersion = "1.0"

// DefaultRetentionPolicy tags events with no explicit retention policy.
const DefaultRetentionPolicy = "standard"

// KnownEventVersions are the schema versions this pipeline understands.
// Unknown versions are accepted with a warning.
var KnownEventVersions = []string{"1.0", "1.1", "2.0"}

// SessionContext carries the identity/session environment an event was
// produced under. All fields are bounded strings; IPAddress must be a
// valid IPv4 or IPv6 literal.
type SessionContext struct {
	SessionID   string `json:"sessionId,omitempty"`
	IPAddress   string `json:"ipAddress,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	Geolocation string `json:"geolocation,omitempty"`
}

// Event is an immutable audit record of a significant action: identity,
// actor, target, outcome, and classification. Once enqueued, the fields
// participating in the canonical hash must never change.
type Event struct {
	ID uuid.UUID `json:"id,omitempty"`

	// Identity fields (participate in the canonical hash)
	Timestamp          string `json:"timestamp"`
	Action             string `json:"action"`
	Status             Status `json:"status"`
	PrincipalID        string `json:"principalId,omitempty"`
	OrganizationID     string `json:"organizationId,omitempty"`
	TargetResourceType string `json:"targetResourceType,omitempty"`
	TargetResourceID   string `json:"targetResourceId,omitempty"`
	OutcomeDescription string `json:"outcomeDescription,omitempty"`
	EventVersion       string `json:"eventVersion,omitempty"`

	// Classification and retention
	DataClassification DataClassification `json:"dataClassification,omitempty"`
	RetentionPolicy    string             `json:"retentionPolicy,omitempty"`

	// Session environment
	SessionContext *SessionContext `json:"sessionContext,omitempty"`

	// Pipeline telemetry, optional
	ProcessingLatency *float64 `json:"processingLatency,omitempty"`
	QueueDepth        *int     `json:"queueDepth,omitempty"`

	// Correlation and integrity
	CorrelationID string `json:"correlationId,omitempty"`
	HashAlgorithm string `json:"hashAlgorithm,omitempty"`
	Hash          string `json:"hash,omitempty"`
	Signature     string `json:"signature,omitempty"`

	// Extensible payload; validated by depth, never by schema, and never
	// part of the canonical hash.
	CustomFields map[string]interface{} `json:"customFields,omitempty"`
}

// NewEvent creates an event with defaults applied. Timestamp is the
// current time in RFC 3339 UTC with millisecond precision.
func NewEvent(action string, status Status) *Event {
	return &Event{
		ID:                 uuid.New(),
		Timestamp:          time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Action:             action,
		Status:             status,
		DataClassification: ClassificationInternal,
		RetentionPolicy:    DefaultRetentionPolicy,
		EventVersion:       DefaultEventVersion,
		HashAlgorithm:      HashAlgorithmSHA256,
	}
}

// ApplyDefaults fills the defaulted fields on an externally submitted event.
func (e *Event) ApplyDefaults() {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.DataClassification == "" {
		e.DataClassification = ClassificationInternal
	}
	if e.RetentionPolicy == "" {
		e.RetentionPolicy = DefaultRetentionPolicy
	}
	if e.EventVersion == "" {
		e.EventVersion = DefaultEventVersion
	}
	if e.HashAlgorithm == "" {
		e.HashAlgorithm = HashAlgorithmSHA256
	}
}

// IsQueryable reports whether the event carries at least one of the
// identifiers that compliance queries filter on. Events without either are
// stored but flagged unqueryable in reports.
func (e *Event) IsQueryable() bool {
	return e.PrincipalID != "" || e.OrganizationID != ""
}

// ParsedTimestamp returns the event timestamp as a time.Time. The timestamp
// has already been validated as RFC 3339 by the time this is called.
func (e *Event) ParsedTimestamp() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// Clone creates a deep copy of the event, including session context and
// nested custom fields.
func (e *Event) Clone() *Event {
	clone := *e

	if e.SessionContext != nil {
		sc := *e.SessionContext
		clone.SessionContext = &sc
	}
	if e.ProcessingLatency != nil {
		v := *e.ProcessingLatency
		clone.ProcessingLatency = &v
	}
	if e.QueueDepth != nil {
		v := *e.QueueDepth
		clone.QueueDepth = &v
	}
	if e.CustomFields != nil {
		clone.CustomFields = deepCopyMap(e.CustomFields)
	}

	return &clone
}

// deepCopyMap copies nested maps and slices. Values of other types are
// shared, which is safe because scalars are immutable. Cyclic containers
// are copied cycle-preserving via the memo so the copy terminates; the
// sanitizer later replaces cycles with a marker.
func deepCopyMap(src map[string]interface{}) map[string]interface{} {
	return copyMapMemo(src, make(map[uintptr]map[string]interface{}))
}

func copyMapMemo(src map[string]interface{}, memo map[uintptr]map[string]interface{}) map[string]interface{} {
	ptr := mapPointer(src)
	if ptr != 0 {
		if existing, ok := memo[ptr]; ok {
			return existing
		}
	}
	dst := make(map[string]interface{}, len(src))
	if ptr != 0 {
		memo[ptr] = dst
	}
	for k, v := range src {
		dst[k] = copyValueMemo(v, memo)
	}
	return dst
}

func copyValueMemo(v interface{}, memo map[uintptr]map[string]interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		return copyMapMemo(tv, memo)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = copyValueMemo(item, memo)
		}
		return out
	default:
		return v
	}
}

// ValidStatuses returns the allowed status values.
func ValidStatuses() []Status {
	return []Status{StatusAttempt, StatusSuccess, StatusFailure}
}

// ValidClassifications returns the allowed data classification values.
func ValidClassifications() []DataClassification {
	return []DataClassification{
		ClassificationPublic,
		ClassificationInternal,
		ClassificationConfidential,
		ClassificationPHI,
	}
}

func isValidStatus(s Status) bool {
	switch s {
	case StatusAttempt, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

func isValidClassification(c DataClassification) bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationPHI:
		return true
	}
	return false
}

func isKnownEventVersion(v string) bool {
	for _, known := range KnownEventVersions {
		if v == known {
			return true
		}
	}
	return false
}
