package credentials

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPasswordLength(t *testing.T) {
	p, err := NewPassword()
	require.NoError(t, err)
	assert.Len(t, p, PasswordLength)
}

func TestNewPasswordAlphabet(t *testing.T) {
	for i := 0; i < 100; i++ {
		p, err := NewPassword()
		require.NoError(t, err)

		for _, c := range p {
			assert.Containsf(t, passwordAlphabet, string(c), "password %q uses %q", p, c)
		}
		// Visually ambiguous characters must never appear.
		assert.NotContains(t, p, "0")
		assert.NotContains(t, p, "O")
		assert.NotContains(t, p, "1")
		assert.NotContains(t, p, "I")
		assert.NotContains(t, p, "l")
	}
}

func TestGenerateRegeneratesPassword(t *testing.T) {
	a, err := Generate("User12345")
	require.NoError(t, err)
	b, err := Generate("User12345")
	require.NoError(t, err)

	assert.Equal(t, "User12345", a.Username)
	assert.Equal(t, "User12345", b.Username)
	// Two draws colliding is a ~1e-14 event; a failure here means the
	// generator is not drawing fresh randomness.
	assert.NotEqual(t, a.Password, b.Password)
}

func TestNewUsernameFormat(t *testing.T) {
	for i := 0; i < 50; i++ {
		u, err := NewUsername()
		require.NoError(t, err)

		require.True(t, strings.HasPrefix(u, "User"), "username %q", u)
		assert.Len(t, u, len("User")+5)
	}
}
