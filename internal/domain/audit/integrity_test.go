package audit

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestHashEvent_Shape(t *testing.T) {
	e := validEvent()
	hash := HashEvent(e)
	assert.Regexp(t, hexHashPattern, hash)
}

func TestHashEvent_Deterministic(t *testing.T) {
	e := validEvent()
	assert.Equal(t, HashEvent(e), HashEvent(e.Clone()))
}

func TestHashEvent_CanonicalFieldsFlipHash(t *testing.T) {
	base := validEvent()
	baseHash := HashEvent(base)

	mutations := map[string]func(*Event){
		"timestamp":          func(e *Event) { e.Timestamp = "2030-01-01T00:00:00.000Z" },
		"action":             func(e *Event) { e.Action = "user.logout" },
		"status":             func(e *Event) { e.Status = StatusFailure },
		"principalId":        func(e *Event) { e.PrincipalID = "other" },
		"organizationId":     func(e *Event) { e.OrganizationID = "org9" },
		"targetResourceType": func(e *Event) { e.TargetResourceType = "chart" },
		"targetResourceId":   func(e *Event) { e.TargetResourceID = "c1" },
		"outcomeDescription": func(e *Event) { e.OutcomeDescription = "changed" },
		"eventVersion":       func(e *Event) { e.EventVersion = "1.1" },
	}

	for field, mutate := range mutations {
		e := base.Clone()
		mutate(e)
		assert.NotEqual(t, baseHash, HashEvent(e),
			"changing %s must change the hash", field)
		assert.False(t, VerifyEventHash(e, baseHash),
			"changing %s must fail verification", field)
	}
}

func TestHashEvent_NonCanonicalFieldsDoNotParticipate(t *testing.T) {
	base := validEvent()
	baseHash := HashEvent(base)

	e := base.Clone()
	e.CustomFields = map[string]interface{}{"extra": "data"}
	e.CorrelationID = "corr-1"
	e.SessionContext = &SessionContext{IPAddress: "10.0.0.1"}
	e.RetentionPolicy = "extended"

	assert.Equal(t, baseHash, HashEvent(e))
	assert.True(t, VerifyEventHash(e, baseHash))
}

func TestHashEvent_AbsentFieldsOmitted(t *testing.T) {
	e := NewEvent("a", StatusSuccess)
	e.Timestamp = "2023-10-26T10:30:00.000Z"

	canonical := CanonicalBytes(e)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(canonical, &decoded))
	assert.NotContains(t, decoded, "principalId")
	assert.NotContains(t, decoded, "organizationId")
	assert.Contains(t, decoded, "timestamp")
	assert.Contains(t, decoded, "action")
}

func TestVerifyEventHash(t *testing.T) {
	e := validEvent()
	hash := HashEvent(e)

	assert.True(t, VerifyEventHash(e, hash))
	assert.False(t, VerifyEventHash(e, "deadbeef"))
}

func TestSignAndVerifySignature(t *testing.T) {
	e := validEvent()
	secret := "0123456789abcdef0123456789abcdef"

	sig, err := SignEvent(e, secret)
	require.NoError(t, err)
	assert.Regexp(t, hexHashPattern, sig)

	assert.True(t, VerifyEventSignature(e, sig, secret))
	assert.False(t, VerifyEventSignature(e, sig, "another-secret-another-secret-xx"),
		"changing the key must fail verification")

	tampered := e.Clone()
	tampered.Action = "user.delete"
	assert.False(t, VerifyEventSignature(tampered, sig, secret),
		"changing a canonical field must fail verification")
}

func TestSignEvent_RequiresSecret(t *testing.T) {
	_, err := SignEvent(validEvent(), "")
	require.Error(t, err)
}
