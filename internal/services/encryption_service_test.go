package services

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"younote/internal/models"
)

func TestEncryptDecryptAccountRoundTrip(t *testing.T) {
	enc := testEncryption(t)

	a := &models.Account{AuthToken: "token abc.def.ghi", Email: "owner@example.com"}
	require.NoError(t, enc.EncryptAccount(a))
	assert.NotEqual(t, "token abc.def.ghi", a.AuthToken)
	assert.NotEqual(t, "owner@example.com", a.Email)
	assert.NotEmpty(t, a.EmailBlindIndex)

	require.NoError(t, enc.DecryptAccount(a))
	assert.Equal(t, "token abc.def.ghi", a.AuthToken)
	assert.Equal(t, "owner@example.com", a.Email)
}

func TestEmailBlindIndexDeterministic(t *testing.T) {
	enc := testEncryption(t)
	a := &models.Account{AuthToken: "token x", Email: "owner@example.com"}
	require.NoError(t, enc.EncryptAccount(a))
	assert.Equal(t, a.EmailBlindIndex, enc.GenerateEmailBlindIndex("owner@example.com"))
	assert.NotEqual(t, a.EmailBlindIndex, enc.GenerateEmailBlindIndex("other@example.com"))
}

func TestNewEncryptionServiceKeyLength(t *testing.T) {
	_, err := NewEncryptionService(bytes.Repeat([]byte("k"), 16), bytes.Repeat([]byte("b"), 32))
	require.Error(t, err)
	_, err = NewEncryptionService(bytes.Repeat([]byte("k"), 32), bytes.Repeat([]byte("b"), 16))
	require.Error(t, err)
}
