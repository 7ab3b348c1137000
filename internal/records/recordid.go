package records

import (
	"encoding/base64"
	"strconv"

	"github.com/google/uuid"

	"github.com/recbase-io/recbase/internal/schema"
)

// ParseRecordID converts a path segment into the bind value for the API's
// primary key column: an int64 for INTEGER PKs, a 16-byte blob for UUID
// PKs (accepted as RFC-4122 text or URL-safe base64).
func (a *API) ParseRecordID(raw string) (any, error) {
	if a.pkColumn.StorageType(a.strict) == schema.StorageInteger {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, BadRequest("invalid record id %q", raw)
		}
		return id, nil
	}

	if id, err := uuid.Parse(raw); err == nil {
		return id[:], nil
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil && len(decoded) == 16 {
		return decoded, nil
	}
	if decoded, err := base64.URLEncoding.DecodeString(raw); err == nil && len(decoded) == 16 {
		return decoded, nil
	}
	return nil, BadRequest("invalid record id %q", raw)
}

// FormatRecordID renders a primary key value returned by the database
// into its wire form: decimal for integers, URL-safe base64 for UUID
// blobs.
func FormatRecordID(value any) string {
	switch v := value.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case []byte:
		return base64.RawURLEncoding.EncodeToString(v)
	case string:
		return v
	default:
		return ""
	}
}
