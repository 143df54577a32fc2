package app

import (
	"context"
	"testing"
	"time"

	"crestfund/api/internal/rbac"
)

func TestShareLinkRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := staffClaims("adm-1", rbac.RoleAdmin)
	doc := uploadDocument(t, env, investorClaims("user-1", "inv-1"), "inv-1")

	link, err := env.service.CreateShareLink(ctx, admin, CreateShareLinkRequest{DocumentID: doc.ID})
	if err != nil {
		t.Fatalf("CreateShareLink: %v", err)
	}
	if link.Token == "" {
		t.Fatal("expected a token")
	}

	url, err := env.service.ResolveShareLink(ctx, link.Token, "")
	if err != nil {
		t.Fatalf("ResolveShareLink: %v", err)
	}
	if url == "" {
		t.Fatal("expected a download URL")
	}

	links, err := env.service.ListShareLinks(ctx, admin, doc.ID)
	if err != nil {
		t.Fatalf("ListShareLinks: %v", err)
	}
	if len(links) != 1 || links[0].AccessCount != 1 {
		t.Fatalf("expected one link with one access, got %+v", links)
	}
	if got := env.sink.count("share_link_accesses"); got != 1 {
		t.Fatalf("expected access metric, got %v", got)
	}
}

func TestShareLinkPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := staffClaims("adm-1", rbac.RoleAdmin)
	doc := uploadDocument(t, env, investorClaims("user-1", "inv-1"), "inv-1")

	link, err := env.service.CreateShareLink(ctx, admin, CreateShareLinkRequest{
		DocumentID: doc.ID,
		Password:   "hunter2",
	})
	if err != nil {
		t.Fatalf("CreateShareLink: %v", err)
	}

	if _, err := env.service.ResolveShareLink(ctx, link.Token, ""); domainCode(t, err) != "UNAUTHENTICATED" {
		t.Fatal("expected password prompt without a password")
	}
	if _, err := env.service.ResolveShareLink(ctx, link.Token, "wrong"); domainCode(t, err) != "FORBIDDEN" {
		t.Fatal("expected FORBIDDEN for a wrong password")
	}
	if _, err := env.service.ResolveShareLink(ctx, link.Token, "hunter2"); err != nil {
		t.Fatalf("ResolveShareLink with password: %v", err)
	}
}

func TestShareLinkRevocationAndExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := staffClaims("adm-1", rbac.RoleAdmin)
	doc := uploadDocument(t, env, investorClaims("user-1", "inv-1"), "inv-1")

	revoked, err := env.service.CreateShareLink(ctx, admin, CreateShareLinkRequest{DocumentID: doc.ID})
	if err != nil {
		t.Fatalf("CreateShareLink: %v", err)
	}
	if err := env.service.RevokeShareLink(ctx, admin, revoked.ID); err != nil {
		t.Fatalf("RevokeShareLink: %v", err)
	}
	if _, err := env.service.ResolveShareLink(ctx, revoked.Token, ""); domainCode(t, err) != "NOT_FOUND" {
		t.Fatal("expected a revoked link to read as missing")
	}

	expiring, err := env.service.CreateShareLink(ctx, admin, CreateShareLinkRequest{
		DocumentID:     doc.ID,
		ExpiresInHours: 1,
	})
	if err != nil {
		t.Fatalf("CreateShareLink: %v", err)
	}
	env.clock.Advance(2 * time.Hour)
	if _, err := env.service.ResolveShareLink(ctx, expiring.Token, ""); domainCode(t, err) != "NOT_FOUND" {
		t.Fatal("expected an expired link to read as missing")
	}
}

func TestShareLinkRequiresUploadedDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := staffClaims("adm-1", rbac.RoleAdmin)
	investor := investorClaims("user-1", "inv-1")

	pending, _, err := env.service.ReserveUpload(ctx, investor, ReserveUploadRequest{
		InvestorID: "inv-1", FileName: "a.pdf", FileType: "application/pdf", FileSize: 1,
	})
	if err != nil {
		t.Fatalf("ReserveUpload: %v", err)
	}
	if _, err := env.service.CreateShareLink(ctx, admin, CreateShareLinkRequest{DocumentID: pending.ID}); domainCode(t, err) != "VALIDATION_ERROR" {
		t.Fatal("expected VALIDATION_ERROR for a pending document")
	}

	// A link stops resolving once its document leaves a shareable state.
	doc := uploadDocument(t, env, investor, "inv-1")
	link, err := env.service.CreateShareLink(ctx, admin, CreateShareLinkRequest{DocumentID: doc.ID})
	if err != nil {
		t.Fatalf("CreateShareLink: %v", err)
	}
	if _, err := env.service.WithdrawDocument(ctx, investor, doc.ID, ""); err != nil {
		t.Fatalf("WithdrawDocument: %v", err)
	}
	if _, err := env.service.ResolveShareLink(ctx, link.Token, ""); domainCode(t, err) != "NOT_FOUND" {
		t.Fatal("expected a withdrawn document's link to read as missing")
	}
}

func TestShareLinkManagementIsAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := uploadDocument(t, env, investorClaims("user-1", "inv-1"), "inv-1")

	_, err := env.service.CreateShareLink(ctx, staffClaims("comp-1", rbac.RoleCompliance), CreateShareLinkRequest{DocumentID: doc.ID})
	if domainCode(t, err) != "FORBIDDEN" {
		t.Fatal("expected FORBIDDEN for compliance")
	}
}
