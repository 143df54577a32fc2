package rbac

import "sort"

type Role string

const (
	RoleInvestor        Role = "investor"
	RolePropertyManager Role = "property_manager"
	RoleCompliance      Role = "compliance"
	RoleAdmin           Role = "admin"
	RoleSuperAdmin      Role = "super_admin"
)

// roleRank orders the hierarchy; a higher rank satisfies any capability
// whose minimum role has a lower or equal rank.
var roleRank = map[Role]int{
	RoleInvestor:        1,
	RolePropertyManager: 2,
	RoleCompliance:      3,
	RoleAdmin:           4,
	RoleSuperAdmin:      5,
}

type OwnershipMode int

const (
	// OwnershipNone grants the capability on role alone.
	OwnershipNone OwnershipMode = iota
	// OwnershipSelfOnly requires the caller's owner id to match the
	// resource owner, unless the caller's role is Admin or above.
	OwnershipSelfOnly
	// OwnershipConfirmationRequired additionally requires an explicit
	// confirmation flag from the caller. Used for irreversible operations.
	OwnershipConfirmationRequired
)

type Capability string

const (
	CapViewDocument              Capability = "ViewDocument"
	CapViewAllDocuments          Capability = "ViewAllDocuments"
	CapUploadDocument            Capability = "UploadDocument"
	CapConfirmDocumentUpload     Capability = "ConfirmDocumentUpload"
	CapVerifyDocument            Capability = "VerifyDocument"
	CapWithdrawDocument          Capability = "WithdrawDocument"
	CapSupersedeDocument         Capability = "SupersedeDocument"
	CapDeleteDocumentPermanently Capability = "DeleteDocumentPermanently"
	CapViewInvestor              Capability = "ViewInvestor"
	CapUpdateInvestor            Capability = "UpdateInvestor"
	CapApproveKYC                Capability = "ApproveKYC"
	CapViewProperty              Capability = "ViewProperty"
	CapManageProperty            Capability = "ManageProperty"
	CapManageShareLinks          Capability = "ManageShareLinks"
)

type Grant struct {
	MinRole   Role
	Ownership OwnershipMode
}

// capabilities is the single source of truth for authorization. Handlers
// never branch on roles directly; they name a capability and the table
// decides.
var capabilities = map[Capability]Grant{
	CapViewDocument:              {MinRole: RoleInvestor, Ownership: OwnershipSelfOnly},
	CapViewAllDocuments:          {MinRole: RoleCompliance, Ownership: OwnershipNone},
	CapUploadDocument:            {MinRole: RoleInvestor, Ownership: OwnershipSelfOnly},
	CapConfirmDocumentUpload:     {MinRole: RoleInvestor, Ownership: OwnershipSelfOnly},
	CapVerifyDocument:            {MinRole: RoleCompliance, Ownership: OwnershipNone},
	CapWithdrawDocument:          {MinRole: RoleInvestor, Ownership: OwnershipSelfOnly},
	CapSupersedeDocument:         {MinRole: RoleInvestor, Ownership: OwnershipSelfOnly},
	CapDeleteDocumentPermanently: {MinRole: RoleSuperAdmin, Ownership: OwnershipConfirmationRequired},
	CapViewInvestor:              {MinRole: RoleInvestor, Ownership: OwnershipSelfOnly},
	CapUpdateInvestor:            {MinRole: RoleInvestor, Ownership: OwnershipSelfOnly},
	CapApproveKYC:                {MinRole: RoleCompliance, Ownership: OwnershipNone},
	CapViewProperty:              {MinRole: RoleInvestor, Ownership: OwnershipNone},
	CapManageProperty:            {MinRole: RolePropertyManager, Ownership: OwnershipNone},
	CapManageShareLinks:          {MinRole: RoleAdmin, Ownership: OwnershipNone},
}

// Claims is the decoded caller identity the policy evaluates against.
type Claims struct {
	SubjectID string
	Roles     []Role
	// OwnerID is the investor id the caller represents, empty when the
	// caller has no implicit ownership.
	OwnerID string
}

// EffectiveRole returns the highest-ranked role the claims carry, or the
// empty role when none are recognized.
func (c Claims) EffectiveRole() Role {
	var best Role
	bestRank := 0
	for _, role := range c.Roles {
		if rank, ok := roleRank[role]; ok && rank > bestRank {
			best = role
			bestRank = rank
		}
	}
	return best
}

func (c Claims) HasRoleAtLeast(min Role) bool {
	return roleRank[c.EffectiveRole()] >= roleRank[min]
}

// CheckError distinguishes the reasons a check can fail so callers can map
// them to distinct error codes.
type CheckError struct {
	Reason string // "unauthenticated", "forbidden", "confirmation_required"
}

func (e *CheckError) Error() string {
	return "authorization check failed: " + e.Reason
}

var (
	ErrUnauthenticated      = &CheckError{Reason: "unauthenticated"}
	ErrForbidden            = &CheckError{Reason: "forbidden"}
	ErrConfirmationRequired = &CheckError{Reason: "confirmation_required"}
)

// Check evaluates whether the claims may exercise the capability against a
// resource owned by resourceOwnerID. It is a pure decision function.
//
// Evaluation order: authentication, minimum role, ownership (bypassed for
// Admin and above), explicit confirmation.
func Check(capability Capability, claims Claims, resourceOwnerID string, confirmed bool) error {
	if claims.SubjectID == "" {
		return ErrUnauthenticated
	}
	grant, ok := capabilities[capability]
	if !ok {
		return ErrForbidden
	}
	if !claims.HasRoleAtLeast(grant.MinRole) {
		return ErrForbidden
	}
	switch grant.Ownership {
	case OwnershipSelfOnly:
		if claims.HasRoleAtLeast(RoleAdmin) {
			return nil
		}
		if claims.OwnerID == "" || claims.OwnerID != resourceOwnerID {
			return ErrForbidden
		}
	case OwnershipConfirmationRequired:
		if !confirmed {
			return ErrConfirmationRequired
		}
	}
	return nil
}

// Normalize maps a raw role claim value to a known Role, discarding
// anything unrecognized.
func Normalize(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleInvestor, RolePropertyManager, RoleCompliance, RoleAdmin, RoleSuperAdmin:
		return Role(raw), true
	default:
		return "", false
	}
}

// Capabilities lists every registered capability name, sorted. Used by the
// admin introspection endpoint.
func Capabilities() []string {
	names := make([]string, 0, len(capabilities))
	for capability := range capabilities {
		names = append(names, string(capability))
	}
	sort.Strings(names)
	return names
}
