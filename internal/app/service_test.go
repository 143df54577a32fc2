package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crestfund/api/internal/blob"
	"crestfund/api/internal/rbac"
	"crestfund/api/internal/store"
)

// fakeMeta is an in-memory metaStore for tests.
type fakeMeta struct {
	mu     sync.Mutex
	events []store.AuditEvent
	links  map[string]store.ShareLink
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{links: map[string]store.ShareLink{}}
}

func (m *fakeMeta) InsertAuditEvent(ctx context.Context, event store.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = int64(len(m.events) + 1)
	m.events = append(m.events, event)
	return nil
}

func (m *fakeMeta) ListAuditEvents(ctx context.Context, entityKind, entityID string, limit int) ([]store.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AuditEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		event := m.events[i]
		if event.EntityKind == entityKind && event.EntityID == entityID {
			out = append(out, event)
		}
	}
	return out, nil
}

func (m *fakeMeta) InsertShareLink(ctx context.Context, link store.ShareLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[link.ID] = link
	return nil
}

func (m *fakeMeta) GetShareLinkByToken(ctx context.Context, token string) (store.ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range m.links {
		if link.Token == token {
			return link, nil
		}
	}
	return store.ShareLink{}, store.ErrNotFound
}

func (m *fakeMeta) ListShareLinks(ctx context.Context, documentID string) ([]store.ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ShareLink
	for _, link := range m.links {
		if link.DocumentID == documentID {
			out = append(out, link)
		}
	}
	return out, nil
}

func (m *fakeMeta) RevokeShareLink(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[id]
	if !ok {
		return nil
	}
	if link.RevokedAt == nil {
		now := time.Now().UTC()
		link.RevokedAt = &now
		m.links[id] = link
	}
	return nil
}

func (m *fakeMeta) TouchShareLink(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	link.AccessCount++
	link.LastAccessedAt = &now
	m.links[id] = link
	return nil
}

func (m *fakeMeta) auditedEvents(eventType string) []store.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AuditEvent
	for _, event := range m.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

// captureSink counts recorded metrics by name.
type captureSink struct {
	mu     sync.Mutex
	counts map[string]float64
}

func newCaptureSink() *captureSink {
	return &captureSink{counts: map[string]float64{}}
}

func (s *captureSink) Record(name string, value float64, dims map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name] += value
}

func (s *captureSink) count(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

// testClock is a movable clock shared by the service and the record store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	service *Service
	table   *store.MemoryTable
	records *store.RecordStore
	meta    *fakeMeta
	blobs   *blob.MemoryStore
	sink    *captureSink
	clock   *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newTestClock()
	table := store.NewMemoryTable()
	records := store.NewRecordStore(table).WithClock(clock.Now)
	meta := newFakeMeta()
	blobs := blob.NewMemoryStore()
	sink := newCaptureSink()
	service := NewService(Options{
		Records:      records,
		Meta:         meta,
		Blobs:        blobs,
		Sink:         sink,
		Logger:       zerolog.Nop(),
		Retention:    7 * 365 * 24 * time.Hour,
		SignedURLTTL: 15 * time.Minute,
	}).WithClock(clock.Now)
	return &testEnv{
		service: service,
		table:   table,
		records: records,
		meta:    meta,
		blobs:   blobs,
		sink:    sink,
		clock:   clock,
	}
}

func investorClaims(subject, investorID string) rbac.Claims {
	return rbac.Claims{SubjectID: subject, Roles: []rbac.Role{rbac.RoleInvestor}, OwnerID: investorID}
}

func staffClaims(subject string, role rbac.Role) rbac.Claims {
	return rbac.Claims{SubjectID: subject, Roles: []rbac.Role{role}}
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Code
}

func TestAuthorizeDenialIsCountedAndAudited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.ListAllDocuments(ctx, investorClaims("user-1", "inv-1"), false)
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", code)
	}
	if got := env.sink.count("permission_denials"); got != 1 {
		t.Fatalf("expected 1 denial recorded, got %v", got)
	}

	env.meta.mu.Lock()
	defer env.meta.mu.Unlock()
	if len(env.meta.events) != 1 || env.meta.events[0].EventType != "authz.denied" {
		t.Fatalf("expected one authz.denied audit event, got %+v", env.meta.events)
	}
}

func TestCapabilityNamesRequiresStaff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.service.CapabilityNames(ctx, investorClaims("user-1", "inv-1")); err == nil {
		t.Fatal("expected denial for investor")
	}

	names, err := env.service.CapabilityNames(ctx, staffClaims("staff-1", rbac.RoleCompliance))
	if err != nil {
		t.Fatalf("CapabilityNames: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected capability names")
	}
}
