package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() *Event {
	e := NewEvent("user.login", StatusSuccess)
	e.PrincipalID = "u1"
	return e
}

func TestValidate_RequiredFields(t *testing.T) {
	cfg := DefaultValidationConfig()

	tests := []struct {
		name   string
		mutate func(*Event)
		field  string
	}{
		{"missing timestamp", func(e *Event) { e.Timestamp = "" }, "timestamp"},
		{"missing action", func(e *Event) { e.Action = "" }, "action"},
		{"missing status", func(e *Event) { e.Status = "" }, "status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(e)

			result := Validate(e, cfg)
			require.False(t, result.IsValid)
			require.NotEmpty(t, result.Errors)
			assert.Equal(t, tt.field, result.Errors[0].Field)
			assert.Equal(t, "REQUIRED", result.Errors[0].Code)
		})
	}
}

func TestValidate_Timestamp(t *testing.T) {
	cfg := DefaultValidationConfig()

	valid := []string{
		"2023-10-26T10:30:00.000Z",
		"2023-10-26T10:30:00+02:00",
		"2023-10-26T10:30:00.123456789Z",
	}
	for _, ts := range valid {
		e := validEvent()
		e.Timestamp = ts
		assert.True(t, Validate(e, cfg).IsValid, "timestamp %q should validate", ts)
	}

	invalid := []string{
		"2023-10-26 10:30:00",
		"not-a-timestamp",
		"2023-10-26",
	}
	for _, ts := range invalid {
		e := validEvent()
		e.Timestamp = ts
		result := Validate(e, cfg)
		require.False(t, result.IsValid, "timestamp %q should fail", ts)
		assert.Equal(t, "INVALID_TIMESTAMP", result.Errors[0].Code)
	}
}

func TestValidate_ActionLengthBoundary(t *testing.T) {
	cfg := DefaultValidationConfig()

	e := validEvent()
	e.Action = strings.Repeat("a", cfg.MaxStringLength)
	assert.True(t, Validate(e, cfg).IsValid, "action at max length validates")

	e.Action = strings.Repeat("a", cfg.MaxStringLength+1)
	result := Validate(e, cfg)
	require.False(t, result.IsValid, "action one past max fails")
	assert.Equal(t, "TOO_LONG", result.Errors[0].Code)
}

func TestValidate_EnumFields(t *testing.T) {
	cfg := DefaultValidationConfig()

	e := validEvent()
	e.Status = "unknown"
	assert.False(t, Validate(e, cfg).IsValid)

	e = validEvent()
	e.DataClassification = "SECRET"
	assert.False(t, Validate(e, cfg).IsValid)

	e = validEvent()
	e.HashAlgorithm = "MD5"
	assert.False(t, Validate(e, cfg).IsValid)
}

func TestValidate_IPAddress(t *testing.T) {
	cfg := DefaultValidationConfig()

	valid := []string{"0.0.0.0", "255.255.255.255", "10.1.2.3", "::1", "2001:db8::1"}
	for _, ip := range valid {
		e := validEvent()
		e.SessionContext = &SessionContext{IPAddress: ip}
		assert.True(t, Validate(e, cfg).IsValid, "ip %q should validate", ip)
	}

	invalid := []string{"999.999.999.999", "1.2.3", "not-an-ip", "256.1.1.1"}
	for _, ip := range invalid {
		e := validEvent()
		e.SessionContext = &SessionContext{IPAddress: ip}
		result := Validate(e, cfg)
		require.False(t, result.IsValid, "ip %q should fail", ip)
		assert.Equal(t, "INVALID_IP", result.Errors[0].Code)
	}
}

func TestValidate_CustomFieldDepthBoundary(t *testing.T) {
	cfg := DefaultValidationConfig()

	nested := func(depth int) map[string]interface{} {
		m := map[string]interface{}{"leaf": "value"}
		for i := 1; i < depth; i++ {
			m = map[string]interface{}{"nested": m}
		}
		return m
	}

	e := validEvent()
	e.CustomFields = nested(cfg.MaxCustomFieldDepth)
	assert.True(t, Validate(e, cfg).IsValid, "nesting at max depth validates")

	e = validEvent()
	e.CustomFields = nested(cfg.MaxCustomFieldDepth + 1)
	result := Validate(e, cfg)
	require.False(t, result.IsValid, "nesting one past max fails")
	assert.Equal(t, "NESTING_TOO_DEEP", result.Errors[0].Code)
}

func TestValidate_NegativeTelemetry(t *testing.T) {
	cfg := DefaultValidationConfig()

	latency := -1.0
	e := validEvent()
	e.ProcessingLatency = &latency
	assert.False(t, Validate(e, cfg).IsValid)

	depth := -1
	e = validEvent()
	e.QueueDepth = &depth
	assert.False(t, Validate(e, cfg).IsValid)
}

func TestValidate_UnknownVersionWarns(t *testing.T) {
	cfg := DefaultValidationConfig()

	e := validEvent()
	e.EventVersion = "9.9"

	result := Validate(e, cfg)
	assert.True(t, result.IsValid, "unknown version warns, does not fail")
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "9.9")
}

func TestValidate_NoPrincipalNoOrganizationStillValid(t *testing.T) {
	cfg := DefaultValidationConfig()

	e := NewEvent("system.tick", StatusSuccess)
	result := Validate(e, cfg)
	assert.True(t, result.IsValid)
	assert.False(t, e.IsQueryable(), "event without identifiers is unqueryable")
}

func TestValidateAndSanitize_OutputRevalidates(t *testing.T) {
	cfg := DefaultValidationConfig()

	e := validEvent()
	e.OutcomeDescription = `ok, with "quotes" and <script>alert(1)</script>`
	e.DataClassification = "phi"

	result := ValidateAndSanitize(e, cfg)
	require.True(t, result.IsValid)
	require.NotNil(t, result.SanitizedEvent)

	revalidated := Validate(result.SanitizedEvent, cfg)
	assert.True(t, revalidated.IsValid, "sanitized output must revalidate clean")
	assert.Equal(t, ClassificationPHI, result.SanitizedEvent.DataClassification)
}
