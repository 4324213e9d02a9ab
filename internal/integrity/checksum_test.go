package integrity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/strategy-aggregator/internal/model"
)

func envelope() model.LatestEnvelope {
	return model.LatestEnvelope{
		Version:   3,
		UpdatedAt: "2024-05-20T00:00:00Z",
		Count:     1,
		Items:     []model.Strategy{{ID: "defillama:p1", Name: "USDC", APY: 4.5}},
	}
}

func TestSealAndVerify(t *testing.T) {
	env := envelope()
	require.NoError(t, Seal(&env))
	assert.True(t, strings.HasPrefix(env.Checksum, Prefix))
	assert.Len(t, env.Checksum, len(Prefix)+66)

	ok, err := Verify(env)
	require.NoError(t, err)
	assert.True(t, ok)

	env.UpdatedAt = "2024-05-21T00:00:00Z"
	ok, err = Verify(env)
	require.NoError(t, err)
	assert.True(t, ok, "timestamp is not covered")

	env.Items[0].APY = 45
	ok, err = Verify(env)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_Unsealed(t *testing.T) {
	ok, err := Verify(envelope())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChecksum_Deterministic(t *testing.T) {
	a, err := Checksum(envelope())
	require.NoError(t, err)
	b, err := Checksum(envelope())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
