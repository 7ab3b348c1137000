// Package auth extracts the acting user from bearer tokens. Token
// issuance, refresh and account management are external; this package
// only verifies and decodes.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrInvalidToken is returned for malformed, expired or mis-signed
// tokens.
var ErrInvalidToken = errors.New("invalid token")

// User is the authenticated caller of a record-API request.
type User struct {
	ID    uuid.UUID
	Email string
}

// IDBytes returns the user's id as the 16-byte blob stored in _user(id).
func (u *User) IDBytes() []byte {
	b := u.ID
	return b[:]
}

const userContextKey = "recbase_user"

// Verifier validates HS256 bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a token verifier. An empty secret disables
// authentication entirely; every request is then anonymous.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return &Verifier{}
	}
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a raw token, returning the acting user.
func (v *Verifier) Verify(raw string) (*User, error) {
	if len(v.secret) == 0 {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return nil, ErrInvalidToken
	}

	user := &User{ID: id}
	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	return user, nil
}

// Middleware decodes the Authorization header (or an `auth_token` query
// parameter, for EventSource clients that cannot set headers) and stores
// the user on the request context. Missing or invalid credentials leave
// the request anonymous; access control decides what anonymous may do.
func (v *Verifier) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := ""
		if header := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(header, "Bearer ") {
			raw = strings.TrimPrefix(header, "Bearer ")
		} else if q := c.Query("auth_token"); q != "" {
			raw = q
		}

		if raw != "" {
			user, err := v.Verify(raw)
			if err != nil {
				log.Debug().Err(err).Msg("Rejected bearer token")
			} else {
				c.Locals(userContextKey, user)
			}
		}
		return c.Next()
	}
}

// UserFromContext returns the acting user, or nil for anonymous requests.
func UserFromContext(c *fiber.Ctx) *User {
	if u, ok := c.Locals(userContextKey).(*User); ok {
		return u
	}
	return nil
}
