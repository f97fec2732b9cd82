package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashAndComparePassword(t *testing.T) {
	// Min cost keeps the test quick; production uses a higher cost.
	s := &PasswordService{cost: bcrypt.MinCost}

	hash, err := s.HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)

	assert.NoError(t, s.ComparePassword(hash, "correct horse"))
	assert.Error(t, s.ComparePassword(hash, "wrong horse"))
	assert.Error(t, s.ComparePassword("", "correct horse"))
}

func TestHashesAreSalted(t *testing.T) {
	s := &PasswordService{cost: bcrypt.MinCost}

	h1, err := s.HashPassword("same password")
	require.NoError(t, err)
	h2, err := s.HashPassword("same password")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestValidateUsername(t *testing.T) {
	cases := []struct {
		name     string
		username string
		want     error
	}{
		{"ok simple", "alice", nil},
		{"ok underscore digits", "player_42", nil},
		{"ok minimum length", "abc", nil},
		{"too short", "ab", ErrUsernameTooShort},
		{"empty", "", ErrUsernameTooShort},
		{"too long", strings.Repeat("a", 33), ErrUsernameTooLong},
		{"spaces", "bad name", ErrUsernameInvalid},
		{"punctuation", "nope!", ErrUsernameInvalid},
		{"unicode", "émile", ErrUsernameInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateUsername(tc.username)
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword("1234"))
	assert.NoError(t, ValidatePassword("a much longer passphrase"))
	assert.ErrorIs(t, ValidatePassword("123"), ErrPasswordTooShort)
	assert.ErrorIs(t, ValidatePassword(""), ErrPasswordTooShort)
	assert.ErrorIs(t, ValidatePassword(strings.Repeat("x", 73)), ErrPasswordTooLong)
}
