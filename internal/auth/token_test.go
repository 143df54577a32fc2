package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"crestfund/api/internal/rbac"
)

var testSecret = []byte("test-secret")

func issueToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestDecodeValidToken(t *testing.T) {
	decoder := NewDecoder(testSecret)
	raw := issueToken(t, jwt.MapClaims{
		"sub":        "user-1",
		"roles":      []any{"investor", "compliance"},
		"investorId": "inv-1",
		"exp":        time.Now().Add(time.Hour).Unix(),
	})

	claims, err := decoder.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if claims.SubjectID != "user-1" {
		t.Errorf("expected subject user-1, got %s", claims.SubjectID)
	}
	if claims.OwnerID != "inv-1" {
		t.Errorf("expected owner inv-1, got %s", claims.OwnerID)
	}
	if claims.EffectiveRole() != rbac.RoleCompliance {
		t.Errorf("expected effective role compliance, got %s", claims.EffectiveRole())
	}
}

func TestDecodeMissingSubject(t *testing.T) {
	decoder := NewDecoder(testSecret)
	raw := issueToken(t, jwt.MapClaims{
		"roles": []any{"investor"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	if _, err := decoder.Decode(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestDecodeAbsentRolesAndOwner(t *testing.T) {
	decoder := NewDecoder(testSecret)
	raw := issueToken(t, jwt.MapClaims{
		"sub": "user-2",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	claims, err := decoder.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(claims.Roles) != 0 {
		t.Errorf("expected empty role set, got %v", claims.Roles)
	}
	if claims.OwnerID != "" {
		t.Errorf("expected no owner id, got %s", claims.OwnerID)
	}
}

func TestDecodeUnknownRolesIgnored(t *testing.T) {
	decoder := NewDecoder(testSecret)
	raw := issueToken(t, jwt.MapClaims{
		"sub":   "user-3",
		"roles": []any{"superuser", 42, "investor"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	claims, err := decoder.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != rbac.RoleInvestor {
		t.Errorf("expected only investor role, got %v", claims.Roles)
	}
}

func TestDecodeExpiredToken(t *testing.T) {
	decoder := NewDecoder(testSecret)
	raw := issueToken(t, jwt.MapClaims{
		"sub": "user-4",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := decoder.Decode(raw); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestDecodeWrongSecret(t *testing.T) {
	decoder := NewDecoder([]byte("other-secret"))
	raw := issueToken(t, jwt.MapClaims{
		"sub": "user-5",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := decoder.Decode(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
