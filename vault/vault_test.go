package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
)

func TestEnvVault(t *testing.T) {
	ctx := context.Background()
	t.Setenv("CREWTEST_OPENAI_API_KEY", "sk-test")
	v := Env{Prefix: "crewtest_"}

	got, err := v.Get(ctx, "openai_api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", got)

	has, err := v.Has(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = v.Get(ctx, "missing")
	assert.True(t, core.IsKind(err, core.KindNotFound))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, "openai_api_key")
}

func TestMemoryVault(t *testing.T) {
	ctx := context.Background()
	v := NewMemory(map[string]string{"a": "1"})
	require.NoError(t, v.Set(ctx, "b", "2"))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, v.Delete(ctx, "a"))
	assert.True(t, core.IsKind(v.Delete(ctx, "a"), core.KindNotFound))
	has, _ := v.Has(ctx, "b")
	assert.True(t, has)
}
