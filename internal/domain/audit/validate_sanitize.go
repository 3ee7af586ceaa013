package audit

// ValidateAndSanitizeResult combines sanitization output with the
// validation verdict on the sanitized copy.
type ValidateAndSanitizeResult struct {
	IsValid        bool         `json:"isValid"`
	SanitizedEvent *Event       `json:"sanitizedEvent,omitempty"`
	Errors         []FieldError `json:"errors,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
}

// ValidateAndSanitize sanitizes a deep copy of the event and validates the
// result. Sanitization runs first so that validation always sees the form
// that would be stored; a valid result therefore guarantees the sanitized
// event passes Validate on its own.
func ValidateAndSanitize(e *Event, cfg ValidationConfig) ValidateAndSanitizeResult {
	sanitized := Sanitize(e, cfg)

	validation := Validate(sanitized.Event, cfg)

	result := ValidateAndSanitizeResult{
		IsValid:  validation.IsValid,
		Errors:   validation.Errors,
		Warnings: append(sanitized.Warnings, validation.Warnings...),
	}
	if validation.IsValid {
		result.SanitizedEvent = sanitized.Event
	}
	return result
}
