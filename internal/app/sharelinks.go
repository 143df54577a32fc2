package app

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"crestfund/api/internal/metrics"
	"crestfund/api/internal/rbac"
	"crestfund/api/internal/store"
	"crestfund/api/internal/util"
)

// shareLinkURLTTL is deliberately short: the link itself is the durable
// handle, the signed URL behind it is single-use in spirit.
const shareLinkURLTTL = 5 * time.Minute

type CreateShareLinkRequest struct {
	DocumentID string `json:"documentId"`
	Password   string `json:"password"`
	// ExpiresInHours of zero means the link never expires on its own.
	ExpiresInHours int `json:"expiresInHours"`
}

// CreateShareLink mints a revocable public link to a document's file,
// optionally password protected.
func (s *Service) CreateShareLink(ctx context.Context, claims rbac.Claims, req CreateShareLinkRequest) (store.ShareLink, error) {
	if err := s.authorize(ctx, rbac.CapManageShareLinks, claims, "", false); err != nil {
		return store.ShareLink{}, err
	}
	doc, err := s.currentRecord(ctx, store.KindDocument, req.DocumentID)
	if err != nil {
		return store.ShareLink{}, err
	}
	switch stringField(doc.Payload, "status") {
	case StatusUploaded, StatusVerified:
	default:
		return store.ShareLink{}, errValidation("only uploaded or verified documents can be shared")
	}

	link := store.ShareLink{
		ID:         util.NewID("share"),
		Token:      util.NewID(""),
		DocumentID: req.DocumentID,
		CreatedBy:  claims.SubjectID,
		CreatedAt:  s.now().UTC(),
	}
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return store.ShareLink{}, err
		}
		hashed := string(hash)
		link.PasswordHash = &hashed
	}
	if req.ExpiresInHours > 0 {
		expires := s.now().UTC().Add(time.Duration(req.ExpiresInHours) * time.Hour)
		link.ExpiresAt = &expires
	}

	if err := s.meta.InsertShareLink(ctx, link); err != nil {
		return store.ShareLink{}, mapStoreError(err, "share link")
	}
	s.audit(ctx, store.AuditEvent{
		EventType:  "share.create",
		Capability: string(rbac.CapManageShareLinks),
		ActorID:    claims.SubjectID,
		EntityKind: store.KindDocument,
		EntityID:   req.DocumentID,
		Outcome:    "ok",
		Detail:     map[string]any{"shareLinkId": link.ID, "passwordProtected": link.PasswordHash != nil},
	})
	return link, nil
}

// ListShareLinks returns every link minted for a document, revoked ones
// included.
func (s *Service) ListShareLinks(ctx context.Context, claims rbac.Claims, documentID string) ([]store.ShareLink, error) {
	if err := s.authorize(ctx, rbac.CapManageShareLinks, claims, "", false); err != nil {
		return nil, err
	}
	links, err := s.meta.ListShareLinks(ctx, documentID)
	if err != nil {
		return nil, mapStoreError(err, "share link")
	}
	return links, nil
}

// RevokeShareLink disables a link immediately. Idempotent.
func (s *Service) RevokeShareLink(ctx context.Context, claims rbac.Claims, linkID string) error {
	if err := s.authorize(ctx, rbac.CapManageShareLinks, claims, "", false); err != nil {
		return err
	}
	if err := s.meta.RevokeShareLink(ctx, linkID); err != nil {
		return mapStoreError(err, "share link")
	}
	s.audit(ctx, store.AuditEvent{
		EventType:  "share.revoke",
		Capability: string(rbac.CapManageShareLinks),
		ActorID:    claims.SubjectID,
		Outcome:    "ok",
		Detail:     map[string]any{"shareLinkId": linkID},
	})
	return nil
}

// ResolveShareLink exchanges a public token (plus password, when the link
// has one) for a short-lived download URL. Unauthenticated by design;
// every failure mode reads the same to the caller except the password
// prompt.
func (s *Service) ResolveShareLink(ctx context.Context, token, password string) (string, error) {
	link, err := s.meta.GetShareLinkByToken(ctx, token)
	if err != nil {
		return "", mapStoreError(err, "share link")
	}
	if link.RevokedAt != nil {
		return "", errNotFound("Share link")
	}
	if link.ExpiresAt != nil && s.now().UTC().After(*link.ExpiresAt) {
		return "", errNotFound("Share link")
	}
	if link.PasswordHash != nil {
		if password == "" {
			return "", errUnauthenticated()
		}
		if bcrypt.CompareHashAndPassword([]byte(*link.PasswordHash), []byte(password)) != nil {
			return "", errForbidden()
		}
	}

	doc, err := s.records.GetCurrent(ctx, store.KindDocument, link.DocumentID)
	if err != nil {
		return "", errNotFound("Share link")
	}
	switch stringField(doc.Payload, "status") {
	case StatusUploaded, StatusVerified:
	default:
		return "", errNotFound("Share link")
	}

	url, err := s.blobs.SignedReadURL(ctx, stringField(doc.Payload, "fileKey"), shareLinkURLTTL)
	if err != nil {
		s.log.Error().Err(err).Str("shareLinkId", link.ID).Msg("presign share read failed")
		return "", errStorageUnavailable()
	}

	if err := s.meta.TouchShareLink(ctx, link.ID); err != nil {
		s.log.Warn().Err(err).Str("shareLinkId", link.ID).Msg("share access count update failed")
	}
	s.sink.Record(metrics.ShareLinkAccesses, 1, nil)
	s.audit(ctx, store.AuditEvent{
		EventType:  "share.access",
		EntityKind: store.KindDocument,
		EntityID:   link.DocumentID,
		Outcome:    "ok",
		Detail:     map[string]any{"shareLinkId": link.ID},
	})
	return url, nil
}
