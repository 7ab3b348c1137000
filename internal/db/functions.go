package db

import (
	"database/sql"
	"regexp"
	"sync"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// driverName is the custom driver carrying our application SQL functions.
const driverName = "sqlite3_recbase"

// SchemaValidatorFunc validates a JSON document against a named or inline
// schema. Wired by the record engine at startup; the default accepts
// everything so that plain SQL access keeps working before wiring.
type SchemaValidatorFunc func(schemaNameOrPattern string, value string, inline bool) bool

var (
	schemaValidatorMu sync.RWMutex
	schemaValidator   SchemaValidatorFunc = func(string, string, bool) bool { return true }
)

// SetJSONSchemaValidator installs the validator backing the jsonschema()
// and jsonschema_matches() SQL functions.
func SetJSONSchemaValidator(fn SchemaValidatorFunc) {
	schemaValidatorMu.Lock()
	schemaValidator = fn
	schemaValidatorMu.Unlock()
}

func validateSchema(nameOrPattern, value string, inline bool) bool {
	schemaValidatorMu.RLock()
	fn := schemaValidator
	schemaValidatorMu.RUnlock()
	return fn(nameOrPattern, value, inline)
}

var registerDriverOnce sync.Once

// registerDriver installs the custom sqlite3 driver with the SQL
// functions CHECK constraints and filter rendering depend on.
func registerDriver() {
	registerDriverOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				if err := conn.RegisterFunc("regexp", regexpFunc, true); err != nil {
					return err
				}
				if err := conn.RegisterFunc("is_uuid", isUUID, true); err != nil {
					return err
				}
				if err := conn.RegisterFunc("is_uuid_v4", isUUIDv4, true); err != nil {
					return err
				}
				if err := conn.RegisterFunc("is_uuid_v7", isUUIDv7, true); err != nil {
					return err
				}
				if err := conn.RegisterFunc("jsonschema", jsonschemaFunc, true); err != nil {
					return err
				}
				return conn.RegisterFunc("jsonschema_matches", jsonschemaMatchesFunc, true)
			},
		})
	})
}

func regexpFunc(pattern, s string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

func parseUUIDBlob(value []byte) (uuid.UUID, bool) {
	if len(value) != 16 {
		return uuid.UUID{}, false
	}
	id, err := uuid.FromBytes(value)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

func isUUID(value []byte) bool {
	_, ok := parseUUIDBlob(value)
	return ok
}

func isUUIDv4(value []byte) bool {
	id, ok := parseUUIDBlob(value)
	return ok && id.Version() == 4
}

func isUUIDv7(value []byte) bool {
	id, ok := parseUUIDBlob(value)
	return ok && id.Version() == 7
}

func jsonschemaFunc(name, value string) bool {
	return validateSchema(name, value, false)
}

func jsonschemaMatchesFunc(pattern, value string) bool {
	return validateSchema(pattern, value, true)
}
