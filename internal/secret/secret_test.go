package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	box, err := New("passphrase")
	require.NoError(t, err)

	enc, err := box.Encrypt("panel-password")
	require.NoError(t, err)
	assert.NotContains(t, enc, "panel-password")

	plain, err := box.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "panel-password", plain)

	other, err := box.Encrypt("panel-password")
	require.NoError(t, err)
	assert.NotEqual(t, enc, other, "nonce must differ per call")
}

func TestDecryptWithWrongKey(t *testing.T) {
	a, _ := New("one")
	b, _ := New("two")

	enc, err := a.Encrypt("x")
	require.NoError(t, err)

	_, err = b.Decrypt(enc)
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = a.Decrypt("not base64!")
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = a.Decrypt("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrNoKey)
}
