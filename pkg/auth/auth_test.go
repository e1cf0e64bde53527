package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginContext(t *testing.T) {
	t.Run("zero value is invalid", func(t *testing.T) {
		var lc LoginContext
		assert.False(t, lc.Valid())
		assert.False(t, lc.IsAuthDisabled())
	})

	t.Run("auth disabled context is valid", func(t *testing.T) {
		assert.True(t, AuthDisabled.Valid())
		assert.True(t, AuthDisabled.IsAuthDisabled())
	})
}

func TestAuthorityLogin(t *testing.T) {
	t.Run("disabled authority always returns auth disabled", func(t *testing.T) {
		a := NewAuthority(false)
		lc, err := a.Login("anyone", "anything")
		require.NoError(t, err)
		assert.Equal(t, AuthDisabled, lc)
	})

	t.Run("valid credentials", func(t *testing.T) {
		a := NewAuthority(true)
		require.NoError(t, a.AddUser("alice", "s3cret"))

		lc, err := a.Login("alice", "s3cret")
		require.NoError(t, err)
		assert.True(t, lc.Valid())
		assert.False(t, lc.IsAuthDisabled())
		assert.Equal(t, "alice", lc.Subject)
	})

	t.Run("wrong password", func(t *testing.T) {
		a := NewAuthority(true)
		require.NoError(t, a.AddUser("alice", "s3cret"))

		lc, err := a.Login("alice", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.False(t, lc.Valid())
	})

	t.Run("unknown user", func(t *testing.T) {
		a := NewAuthority(true)

		lc, err := a.Login("ghost", "whatever")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.False(t, lc.Valid())
	})
}

func TestAuthorityAddUser(t *testing.T) {
	a := NewAuthority(true)
	require.NoError(t, a.AddUser("bob", "hunter2"))

	err := a.AddUser("bob", "other")
	assert.ErrorIs(t, err, ErrUserExists)
}
