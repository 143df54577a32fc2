// Package auth decodes the bearer tokens issued by the external identity
// provider into the claims the platform needs: subject, roles, investor id.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"crestfund/api/internal/rbac"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

const (
	rolesClaim = "roles"
	// ownerClaim is the tenant-scoped custom claim carrying the investor id
	// the caller represents. Absent for staff accounts.
	ownerClaim = "investorId"
)

// Decoder verifies and decodes identity tokens with a shared HS256 secret.
type Decoder struct {
	secret []byte
}

func NewDecoder(secret []byte) *Decoder {
	return &Decoder{secret: secret}
}

// Decode parses raw into claims. It fails when the signature is invalid,
// the token is expired, or no subject is present. A missing roles claim is
// an empty role set, not an error; same for the investor id claim.
func (d *Decoder) Decode(raw string) (rbac.Claims, error) {
	parsed, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return d.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return rbac.Claims{}, ErrExpiredToken
		}
		return rbac.Claims{}, ErrInvalidToken
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return rbac.Claims{}, ErrInvalidToken
	}

	subject, err := mapClaims.GetSubject()
	if err != nil || subject == "" {
		return rbac.Claims{}, ErrInvalidToken
	}

	claims := rbac.Claims{SubjectID: subject}

	if rawRoles, ok := mapClaims[rolesClaim]; ok {
		claims.Roles = parseRoles(rawRoles)
	}
	if rawOwner, ok := mapClaims[ownerClaim].(string); ok {
		claims.OwnerID = rawOwner
	}
	return claims, nil
}

func parseRoles(raw any) []rbac.Role {
	values, ok := raw.([]any)
	if !ok {
		return nil
	}
	var roles []rbac.Role
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if role, ok := rbac.Normalize(s); ok {
			roles = append(roles, role)
		}
	}
	return roles
}
