package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
		aad       []byte
	}{
		{"empty", "", nil},
		{"simple", "hello world", nil},
		{"with aad", "4711", []byte("messages_api")},
		{"binary-ish", "\x00\x01\xff", []byte("x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := Seal([]byte(tt.plaintext), key, tt.aad)
			require.NoError(t, err)

			opened, err := Open(sealed, key, tt.aad)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, string(opened))
		})
	}
}

func TestOpenRejectsWrongAssociatedData(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	sealed, err := Seal([]byte("12345"), key, []byte("api_a"))
	require.NoError(t, err)

	_, err = Open(sealed, key, []byte("api_b"))
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = Open(sealed, key, nil)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key1, err := NewKey()
	require.NoError(t, err)
	key2, err := NewKey()
	require.NoError(t, err)

	sealed, err := Seal([]byte("secret"), key1, nil)
	require.NoError(t, err)

	_, err = Open(sealed, key2, nil)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestInvalidInputs(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	_, err = Seal([]byte("x"), []byte("short"), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = Open([]byte{0x01, 0x02}, key, nil)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestSealStringURLSafe(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	encoded, err := SealString("1099511627776", key, []byte("api"))
	require.NoError(t, err)
	assert.NotContains(t, encoded, "+")
	assert.NotContains(t, encoded, "/")
	assert.NotContains(t, encoded, "=")

	decoded, err := OpenString(encoded, key, []byte("api"))
	require.NoError(t, err)
	assert.Equal(t, "1099511627776", decoded)
}
