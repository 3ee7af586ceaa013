package audit

import (
	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

// EventBuilder provides a fluent interface for constructing audit events.
// Errors accumulate: the first failed step wins, subsequent steps are
// no-ops, and Build surfaces it.
type EventBuilder struct {
	event *Event
	err   error
}

// NewEventBuilder starts an event for the given action and status.
func NewEventBuilder(action string, status Status) *EventBuilder {
	b := &EventBuilder{event: NewEvent(action, status)}
	if action == "" {
		b.err = errors.NewValidationError("MISSING_ACTION", "action cannot be empty")
	}
	if !isValidStatus(status) {
		b.err = errors.NewValidationError("INVALID_STATUS", "status must be attempt, success, or failure")
	}
	return b
}

// WithPrincipal sets the acting principal.
func (b *EventBuilder) WithPrincipal(principalID string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.PrincipalID = principalID
	return b
}

// WithOrganization scopes the event to an organization.
func (b *EventBuilder) WithOrganization(organizationID string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.OrganizationID = organizationID
	return b
}

// WithTarget sets the acted-upon resource.
func (b *EventBuilder) WithTarget(resourceType, resourceID string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.TargetResourceType = resourceType
	b.event.TargetResourceID = resourceID
	return b
}

// WithOutcome sets the free-text outcome description.
func (b *EventBuilder) WithOutcome(description string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.OutcomeDescription = description
	return b
}

// WithClassification labels the data sensitivity.
func (b *EventBuilder) WithClassification(classification DataClassification) *EventBuilder {
	if b.err != nil {
		return b
	}
	if !isValidClassification(classification) {
		b.err = errors.NewValidationError("INVALID_CLASSIFICATION",
			"classification must be PUBLIC, INTERNAL, CONFIDENTIAL, or PHI")
		return b
	}
	b.event.DataClassification = classification
	return b
}

// WithRetentionPolicy tags the event's retention policy.
func (b *EventBuilder) WithRetentionPolicy(policy string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.RetentionPolicy = policy
	return b
}

// WithSession attaches the session environment.
func (b *EventBuilder) WithSession(sessionID, ipAddress, userAgent string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.SessionContext = &SessionContext{
		SessionID: sessionID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}
	return b
}

// WithCorrelationID ties the event to a request chain.
func (b *EventBuilder) WithCorrelationID(correlationID string) *EventBuilder {
	if b.err != nil {
		return b
	}
	b.event.CorrelationID = correlationID
	return b
}

// WithCustomField adds one extensible field.
func (b *EventBuilder) WithCustomField(key string, value interface{}) *EventBuilder {
	if b.err != nil {
		return b
	}
	if reservedCustomFieldKeys[key] {
		b.err = errors.NewValidationError("RESERVED_KEY",
			"custom field key is reserved")
		return b
	}
	if b.event.CustomFields == nil {
		b.event.CustomFields = make(map[string]interface{})
	}
	b.event.CustomFields[key] = value
	return b
}

// Build returns the event, or the first accumulated error.
func (b *EventBuilder) Build() (*Event, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.event, nil
}
