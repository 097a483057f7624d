package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/tenantsnap/pkg/store/entstore/entstoretest"
)

func TestDefaultRegistry(t *testing.T) {
	st := entstoretest.Open(t, Tables()...)
	reg, err := Default(st.Driver(), Config{RowCap: 100, MessageCap: 50})
	require.NoError(t, err)

	var ids []string
	for _, p := range reg.All() {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{"workboard", "billing", "team_chat", "booking"}, ids)

	levels, err := reg.Levels(nil)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, "booking", levels[1][0].ID())

	chat, ok := reg.Resolve("team_chat")
	require.True(t, ok)
	assert.Contains(t, chat.Describe().Description, "newest 50 messages")
}

func TestEveryProviderCapturesEmptyTenant(t *testing.T) {
	ctx := context.Background()
	st := entstoretest.Open(t, Tables()...)
	reg, err := Default(st.Driver(), Config{})
	require.NoError(t, err)

	for _, p := range reg.All() {
		f, err := p.Capture(ctx, "empty")
		require.NoError(t, err, p.ID())
		n, err := p.Restore(ctx, "empty", f)
		require.NoError(t, err, p.ID())
		assert.Zero(t, n, p.ID())
	}
}
