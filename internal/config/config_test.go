package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/tenantsnap/pkg/engine"
)

func TestDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, engine.DefaultTokenTTL, c.TokenTTL)
	assert.Equal(t, engine.TruncationWarn, c.TruncationPolicy)
	assert.Equal(t, 5000, c.ChatMessageCap)
	assert.True(t, c.SafetySnapshot)
	assert.False(t, c.ParallelRestore)
	assert.Empty(t, c.DisabledProviders)
}

func TestOverrides(t *testing.T) {
	t.Setenv("SNAPSHOTD_ADDR", ":9999")
	t.Setenv("SNAPSHOTD_TOKEN_TTL", "90s")
	t.Setenv("SNAPSHOTD_ROW_CAP", "200")
	t.Setenv("SNAPSHOTD_TRUNCATION_POLICY", "fail")
	t.Setenv("SNAPSHOTD_SAFETY_SNAPSHOT", "false")
	t.Setenv("SNAPSHOTD_DISABLED_PROVIDERS", " booking, team_chat ,")
	t.Setenv("SNAPSHOTD_LOG_FORMAT", "console")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", c.Addr)
	assert.Equal(t, 90*time.Second, c.TokenTTL)
	assert.Equal(t, 200, c.RowCap)
	assert.Equal(t, engine.TruncationFail, c.TruncationPolicy)
	assert.False(t, c.SafetySnapshot)
	assert.Equal(t, []string{"booking", "team_chat"}, c.DisabledProviders)
	assert.Equal(t, "console", c.LogFormat)
}

func TestMalformedValuesAreReportedTogether(t *testing.T) {
	t.Setenv("SNAPSHOTD_LOCK_TTL", "soon")
	t.Setenv("SNAPSHOTD_CAPTURE_CONCURRENCY", "many")
	t.Setenv("SNAPSHOTD_TRUNCATION_POLICY", "drop")
	t.Setenv("SNAPSHOTD_ROW_CAP", "-1")

	_, err := Load()
	require.Error(t, err)
	for _, key := range []string{"LOCK_TTL", "CAPTURE_CONCURRENCY", "TRUNCATION_POLICY", "ROW_CAP"} {
		assert.Contains(t, err.Error(), "SNAPSHOTD_"+key)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("SNAPSHOTD_FOO", "bar")
	assert.Equal(t, "bar", getEnv("FOO", "default"))
	assert.Equal(t, "default", getEnv("MISSING", "default"))
}
