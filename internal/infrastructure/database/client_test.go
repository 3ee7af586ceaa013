package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
	"github.com/caregrid/audit-pipeline-backend/internal/infrastructure/config"
)

func testClient() *Client {
	cfg := &config.Config{
		Cache: config.CacheConfig{
			Enabled:   true,
			KeyPrefix: "audit:cache:",
		},
	}
	return NewClient(nil, nil, nil, nil, nil, zap.NewNop(), cfg, nil)
}

func TestGenerateCacheKey_Deterministic(t *testing.T) {
	c := testClient()

	key1 := c.GenerateCacheKey("query_events", map[string]interface{}{
		"org":   "org1",
		"limit": 100,
	})
	key2 := c.GenerateCacheKey("query_events", map[string]interface{}{
		"limit": 100,
		"org":   "org1",
	})

	assert.Equal(t, key1, key2, "parameter order does not affect the key")
	assert.True(t, strings.HasPrefix(key1, "audit:cache:query_events:"))
}

func TestGenerateCacheKey_DistinguishesParams(t *testing.T) {
	c := testClient()

	base := c.GenerateCacheKey("query_events", map[string]interface{}{"org": "org1"})
	other := c.GenerateCacheKey("query_events", map[string]interface{}{"org": "org2"})
	named := c.GenerateCacheKey("count_events", map[string]interface{}{"org": "org1"})

	assert.NotEqual(t, base, other)
	assert.NotEqual(t, base, named)
}

func TestBuildEventQuery(t *testing.T) {
	criteria := audit.ReportCriteria{
		PrincipalIDs:    []string{"u1"},
		OrganizationIDs: []string{"org1"},
		Statuses:        []audit.Status{audit.StatusSuccess},
		Limit:           50,
	}

	sql, args := buildEventQuery(criteria)
	assert.Contains(t, sql, "principal_id = ANY($1)")
	assert.Contains(t, sql, "organization_id = ANY($2)")
	assert.Contains(t, sql, "status = ANY($3)")
	assert.Contains(t, sql, "LIMIT $4")
	assert.Contains(t, sql, "ORDER BY timestamp DESC")
	require.Len(t, args, 4)
	assert.Equal(t, []string{"success"}, args[2])
	assert.Equal(t, 50, args[3])
}

func TestBuildEventQuery_Empty(t *testing.T) {
	sql, args := buildEventQuery(audit.ReportCriteria{})
	assert.NotContains(t, sql, "ANY")
	assert.NotContains(t, sql, "LIMIT")
	assert.Empty(t, args)
}
