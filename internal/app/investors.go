package app

import (
	"context"

	"crestfund/api/internal/rbac"
	"crestfund/api/internal/store"
	"crestfund/api/internal/util"
)

// KYC review states carried on investor records.
const (
	KYCPending  = "PENDING"
	KYCApproved = "APPROVED"
	KYCRejected = "REJECTED"
)

// investorProfileFields are the attributes an investor may edit on their
// own record. Everything else on the payload is platform-managed.
var investorProfileFields = map[string]bool{
	"name":    true,
	"email":   true,
	"phone":   true,
	"address": true,
	"taxId":   true,
}

type CreateInvestorRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateInvestor onboards an investor with KYC pending. Staff only.
func (s *Service) CreateInvestor(ctx context.Context, claims rbac.Claims, req CreateInvestorRequest) (store.Record, error) {
	if err := s.authorize(ctx, rbac.CapApproveKYC, claims, "", false); err != nil {
		return store.Record{}, err
	}
	if req.Name == "" || req.Email == "" {
		return store.Record{}, errValidation("name and email are required")
	}
	id := util.NewID("inv")
	return s.appendVersion(ctx, store.KindInvestor, id, claims.SubjectID, func(payload map[string]any) error {
		payload["name"] = req.Name
		payload["email"] = req.Email
		payload["kycStatus"] = KYCPending
		return nil
	})
}

// GetInvestor returns an investor's current record. Investors only see
// themselves; admin and above see anyone.
func (s *Service) GetInvestor(ctx context.Context, claims rbac.Claims, investorID string) (store.Record, error) {
	if err := s.authorize(ctx, rbac.CapViewInvestor, claims, investorID, false); err != nil {
		return store.Record{}, err
	}
	rec, err := s.currentRecord(ctx, store.KindInvestor, investorID)
	if err != nil {
		return store.Record{}, err
	}
	s.auditDisclosure(ctx, claims, store.KindInvestor, investorID, investorID)
	return rec, nil
}

// UpdateInvestorProfile appends a version with the requested profile
// edits. Unknown fields are rejected rather than silently dropped.
func (s *Service) UpdateInvestorProfile(ctx context.Context, claims rbac.Claims, investorID string, fields map[string]any) (store.Record, error) {
	if err := s.authorize(ctx, rbac.CapUpdateInvestor, claims, investorID, false); err != nil {
		return store.Record{}, err
	}
	if len(fields) == 0 {
		return store.Record{}, errValidation("no fields to update")
	}
	for key := range fields {
		if !investorProfileFields[key] {
			return store.Record{}, errValidation("field " + key + " is not editable")
		}
	}
	if _, err := s.currentRecord(ctx, store.KindInvestor, investorID); err != nil {
		return store.Record{}, err
	}
	return s.appendVersion(ctx, store.KindInvestor, investorID, claims.SubjectID, func(payload map[string]any) error {
		for key, value := range fields {
			payload[key] = value
		}
		return nil
	})
}

// SetKYCStatus records a compliance decision on the investor's record.
func (s *Service) SetKYCStatus(ctx context.Context, claims rbac.Claims, investorID, status, note string) (store.Record, error) {
	if err := s.authorize(ctx, rbac.CapApproveKYC, claims, "", false); err != nil {
		return store.Record{}, err
	}
	switch status {
	case KYCPending, KYCApproved, KYCRejected:
	default:
		return store.Record{}, errValidation("unknown KYC status " + status)
	}
	if _, err := s.currentRecord(ctx, store.KindInvestor, investorID); err != nil {
		return store.Record{}, err
	}
	return s.appendVersion(ctx, store.KindInvestor, investorID, claims.SubjectID, func(payload map[string]any) error {
		payload["kycStatus"] = status
		payload["kycReviewedBy"] = claims.SubjectID
		payload["kycReviewedAt"] = s.now().UTC().Format(timeFormat)
		if note != "" {
			payload["kycNote"] = note
		}
		return nil
	})
}

// InvestorHistory returns the full version history and change timeline.
func (s *Service) InvestorHistory(ctx context.Context, claims rbac.Claims, investorID string) ([]store.Record, []TimelineEntry, error) {
	if err := s.authorize(ctx, rbac.CapViewInvestor, claims, investorID, false); err != nil {
		return nil, nil, err
	}
	history, err := s.records.GetHistory(ctx, store.KindInvestor, investorID)
	if err != nil {
		return nil, nil, mapStoreError(err, store.KindInvestor)
	}
	if len(history) == 0 {
		return nil, nil, errNotFound("Investor")
	}
	return history, BuildTimeline(history), nil
}
