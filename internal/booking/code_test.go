package booking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := NewCode()
		require.NoError(t, err)
		assert.Len(t, code, CodeLength)
		assert.True(t, ValidCode(code), "code %q uses the allowed alphabet", code)
		seen[code] = true
	}
	// 200 draws from a 33^6 space should effectively never collide.
	assert.Greater(t, len(seen), 190)
}

func TestCodeAlphabetExcludesAmbiguousSymbols(t *testing.T) {
	for _, c := range []string{"0", "1", "O"} {
		assert.False(t, strings.Contains(codeAlphabet, c), "alphabet must not contain %q", c)
	}
}

func TestValidCode(t *testing.T) {
	assert.True(t, ValidCode("ABC234"))
	assert.False(t, ValidCode("ABC23"))     // too short
	assert.False(t, ValidCode("ABC2345"))   // too long
	assert.False(t, ValidCode("ABC23O"))    // excluded symbol
	assert.False(t, ValidCode("abc234"))    // lower case not in alphabet
	assert.False(t, ValidCode(""))
}
