package rbac

import (
	"errors"
	"testing"
)

func investorClaims(ownerID string) Claims {
	return Claims{SubjectID: "user-1", Roles: []Role{RoleInvestor}, OwnerID: ownerID}
}

func TestCheckUnauthenticated(t *testing.T) {
	err := Check(CapViewDocument, Claims{}, "inv-1", false)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestCheckRoleHierarchy(t *testing.T) {
	cases := []struct {
		name    string
		role    Role
		cap     Capability
		allowed bool
	}{
		{"investor cannot verify", RoleInvestor, CapVerifyDocument, false},
		{"property manager cannot verify", RolePropertyManager, CapVerifyDocument, false},
		{"compliance can verify", RoleCompliance, CapVerifyDocument, true},
		{"admin can verify", RoleAdmin, CapVerifyDocument, true},
		{"super admin can verify", RoleSuperAdmin, CapVerifyDocument, true},
		{"compliance can approve kyc", RoleCompliance, CapApproveKYC, true},
		{"investor cannot manage properties", RoleInvestor, CapManageProperty, false},
		{"property manager can manage properties", RolePropertyManager, CapManageProperty, true},
		{"admin cannot delete permanently", RoleAdmin, CapDeleteDocumentPermanently, false},
	}
	for _, tc := range cases {
		claims := Claims{SubjectID: "user-1", Roles: []Role{tc.role}}
		err := Check(tc.cap, claims, "", true)
		if tc.allowed && err != nil {
			t.Errorf("%s: expected allow, got %v", tc.name, err)
		}
		if !tc.allowed && !errors.Is(err, ErrForbidden) {
			t.Errorf("%s: expected ErrForbidden, got %v", tc.name, err)
		}
	}
}

func TestCheckOwnershipSelfOnly(t *testing.T) {
	if err := Check(CapViewDocument, investorClaims("inv-1"), "inv-1", false); err != nil {
		t.Fatalf("owner should read own document: %v", err)
	}
	err := Check(CapViewDocument, investorClaims("inv-1"), "inv-2", false)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for other investor's document, got %v", err)
	}
	// No implicit ownership at all.
	err = Check(CapViewDocument, investorClaims(""), "inv-1", false)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden without owner id, got %v", err)
	}
}

func TestCheckAdminBypassesOwnership(t *testing.T) {
	claims := Claims{SubjectID: "admin-1", Roles: []Role{RoleAdmin}}
	if err := Check(CapViewDocument, claims, "inv-2", false); err != nil {
		t.Fatalf("admin should bypass ownership: %v", err)
	}
}

func TestCheckConfirmationRequired(t *testing.T) {
	claims := Claims{SubjectID: "root", Roles: []Role{RoleSuperAdmin}}
	err := Check(CapDeleteDocumentPermanently, claims, "", false)
	if !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("expected ErrConfirmationRequired, got %v", err)
	}
	if err := Check(CapDeleteDocumentPermanently, claims, "", true); err != nil {
		t.Fatalf("confirmed super admin delete should pass: %v", err)
	}
}

func TestEffectiveRolePicksHighest(t *testing.T) {
	claims := Claims{
		SubjectID: "user-1",
		Roles:     []Role{RoleInvestor, RoleCompliance, "garbage"},
	}
	if got := claims.EffectiveRole(); got != RoleCompliance {
		t.Fatalf("expected compliance, got %s", got)
	}
	if err := Check(CapVerifyDocument, claims, "", false); err != nil {
		t.Fatalf("multi-role caller should verify: %v", err)
	}
}

func TestNormalize(t *testing.T) {
	if role, ok := Normalize("compliance"); !ok || role != RoleCompliance {
		t.Fatalf("expected compliance, got %q ok=%v", role, ok)
	}
	if _, ok := Normalize("root"); ok {
		t.Fatal("unknown role should not normalize")
	}
}
