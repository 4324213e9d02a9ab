package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	assert.Equal(t, []string{"WETH", "USDC"}, Parse("wETH-USDC"))
	assert.Equal(t, []string{"ETH", "STETH"}, Parse(" eth / stETH "))
	assert.Empty(t, Parse("--"))
	assert.Equal(t, []string{"USDC", "E"}, Parse("USDC.e"))
}

func TestNormalizePair(t *testing.T) {
	assert.Equal(t, "ETH-USDC", NormalizePair("usdc-eth"))
	assert.Equal(t, "ETH-USDC", NormalizePair("ETH/USDC"))
	assert.Equal(t, "/", NormalizePair("/"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		toks []string
		want string
	}{
		{"empty", nil, CategoryUnknown},
		{"single stable", []string{"USDC"}, CategoryStableStable},
		{"single wrapper", []string{"WETH"}, CategoryWrapperSingle},
		{"single plain", []string{"ETH"}, CategorySingle},
		{"repeated token", []string{"ETH", "ETH"}, CategorySingle},
		{"token stable", []string{"ETH", "USDC"}, CategoryTokenStable},
		{"token wrapper", []string{"ETH", "STETH"}, CategoryTokenWrapper},
		{"two stables", []string{"USDC", "DAI"}, CategoryStableStable},
		{"mixed", []string{"ETH", "PEPE"}, CategoryMixed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.toks))
		})
	}
}

func TestContainsWrapper(t *testing.T) {
	assert.True(t, ContainsWrapper([]string{"ETH", "wstETH"}))
	assert.True(t, ContainsWrapper([]string{"BTCWRAPPED"}))
	assert.False(t, ContainsWrapper([]string{"ETH", "PEPE"}))
	assert.False(t, ContainsWrapper(nil))
}
