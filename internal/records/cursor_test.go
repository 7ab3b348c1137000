package records

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	codec, err := NewCursorCodec()
	require.NoError(t, err)

	for _, rowid := range []int64{0, 1, -1, 42, math.MaxInt64, math.MinInt64} {
		token, err := codec.Encode(rowid, "api_a")
		require.NoError(t, err)

		decoded, err := codec.Decode(token, "api_a")
		require.NoError(t, err)
		assert.Equal(t, rowid, decoded)
	}
}

func TestCursorScopedToAPI(t *testing.T) {
	codec, err := NewCursorCodec()
	require.NoError(t, err)

	token, err := codec.Encode(7, "api_a")
	require.NoError(t, err)

	_, err = codec.Decode(token, "api_b")
	require.Error(t, err)
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestCursorRejectsGarbage(t *testing.T) {
	codec, err := NewCursorCodec()
	require.NoError(t, err)

	for _, token := range []string{"", "not-base64!!!", "YWJjZGVm"} {
		_, err := codec.Decode(token, "api")
		assert.Error(t, err, token)
	}
}

func TestCursorsEphemeralAcrossCodecs(t *testing.T) {
	first, err := NewCursorCodec()
	require.NoError(t, err)
	second, err := NewCursorCodec()
	require.NoError(t, err)

	token, err := first.Encode(3, "api")
	require.NoError(t, err)

	_, err = second.Decode(token, "api")
	assert.Error(t, err)
}
