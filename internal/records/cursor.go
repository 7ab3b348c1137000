package records

import (
	"strconv"

	"github.com/recbase-io/recbase/internal/crypto"
)

// CursorCodec seals rowids into opaque pagination tokens. The key is
// process-ephemeral: cursors intentionally do not survive restarts. The
// API name is bound as associated data so a token minted for one API
// cannot resume a listing on another.
type CursorCodec struct {
	key []byte
}

// NewCursorCodec generates a fresh ephemeral key.
func NewCursorCodec() (*CursorCodec, error) {
	key, err := crypto.NewKey()
	if err != nil {
		return nil, err
	}
	return &CursorCodec{key: key}, nil
}

// Encode seals a rowid for the given API.
func (c *CursorCodec) Encode(rowid int64, apiName string) (string, error) {
	token, err := crypto.SealString(strconv.FormatInt(rowid, 10), c.key, []byte(apiName))
	if err != nil {
		return "", Internal("failed to seal cursor", err)
	}
	return token, nil
}

// Decode opens a cursor token minted for the given API.
func (c *CursorCodec) Decode(token, apiName string) (int64, error) {
	plaintext, err := crypto.OpenString(token, c.key, []byte(apiName))
	if err != nil {
		return 0, BadRequest("invalid cursor")
	}
	rowid, err := strconv.ParseInt(plaintext, 10, 64)
	if err != nil {
		return 0, BadRequest("invalid cursor")
	}
	return rowid, nil
}
