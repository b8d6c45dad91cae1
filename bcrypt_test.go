package consent_test

import (
	"testing"

	consent "github.com/readerly/go-consent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordRejectsEmptyInput(t *testing.T) {
	_, err := consent.HashPassword("")
	assert.ErrorIs(t, err, consent.ErrNoEmptyString)
}

func TestComparePasswordAndHash(t *testing.T) {
	hash, err := consent.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.NotEqual(t, "correct horse battery staple", hash)

	assert.NoError(t, consent.ComparePasswordAndHash("correct horse battery staple", hash))
	assert.ErrorIs(t, consent.ComparePasswordAndHash("wrong guess", hash), consent.ErrMismatchedHashAndPassword)
}
