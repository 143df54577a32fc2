// Package app implements the platform's use cases on top of the version
// store, the object store and the authorization policy. Handlers stay
// thin; every rule lives here.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"crestfund/api/internal/blob"
	"crestfund/api/internal/metrics"
	"crestfund/api/internal/rbac"
	"crestfund/api/internal/store"
)

const timeFormat = time.RFC3339

// metaStore persists the rows that live outside version chains: audit
// events and share links.
type metaStore interface {
	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error
	ListAuditEvents(ctx context.Context, entityKind, entityID string, limit int) ([]store.AuditEvent, error)
	InsertShareLink(ctx context.Context, link store.ShareLink) error
	GetShareLinkByToken(ctx context.Context, token string) (store.ShareLink, error)
	ListShareLinks(ctx context.Context, documentID string) ([]store.ShareLink, error)
	RevokeShareLink(ctx context.Context, id string) error
	TouchShareLink(ctx context.Context, id string) error
}

// currentCache is the optional read cache for current versions. A nil
// cache disables caching entirely.
type currentCache interface {
	GetCurrent(ctx context.Context, kind, id string) (store.Record, error)
	SetCurrent(ctx context.Context, rec store.Record) error
	Invalidate(ctx context.Context, kind, id string) error
}

type Service struct {
	records      *store.RecordStore
	meta         metaStore
	blobs        blob.Store
	cache        currentCache
	sink         metrics.Sink
	log          zerolog.Logger
	retention    time.Duration
	signedURLTTL time.Duration
	now          func() time.Time
}

type Options struct {
	Records      *store.RecordStore
	Meta         metaStore
	Blobs        blob.Store
	Cache        currentCache
	Sink         metrics.Sink
	Logger       zerolog.Logger
	Retention    time.Duration
	SignedURLTTL time.Duration
}

func NewService(opts Options) *Service {
	sink := opts.Sink
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	ttl := opts.SignedURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{
		records:      opts.Records,
		meta:         opts.Meta,
		blobs:        opts.Blobs,
		cache:        opts.Cache,
		sink:         sink,
		log:          opts.Logger,
		retention:    opts.Retention,
		signedURLTTL: ttl,
		now:          time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// authorize evaluates the policy and converts a refusal into the domain
// error the transport layer maps. Denials are counted and audited; the
// audit row names the capability, not the resource payload.
func (s *Service) authorize(ctx context.Context, capability rbac.Capability, claims rbac.Claims, resourceOwnerID string, confirmed bool) error {
	err := rbac.Check(capability, claims, resourceOwnerID, confirmed)
	if err == nil {
		return nil
	}
	s.sink.Record(metrics.PermissionDenials, 1, map[string]string{"capability": string(capability)})
	s.audit(ctx, store.AuditEvent{
		EventType:  "authz.denied",
		Capability: string(capability),
		ActorID:    claims.SubjectID,
		Outcome:    "denied",
	})
	switch {
	case errors.Is(err, rbac.ErrUnauthenticated):
		return errUnauthenticated()
	case errors.Is(err, rbac.ErrConfirmationRequired):
		return errConfirmationRequired()
	default:
		return errForbidden()
	}
}

// audit writes an operational log row. Best effort: a failed write is
// logged and swallowed so it can never fail the operation it describes.
func (s *Service) audit(ctx context.Context, event store.AuditEvent) {
	if s.meta == nil {
		return
	}
	event.CreatedAt = s.now().UTC()
	if err := s.meta.InsertAuditEvent(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("event", event.EventType).Msg("audit write failed")
	}
}

// auditDisclosure records a read of a record the caller does not own.
// Self reads are not disclosures.
func (s *Service) auditDisclosure(ctx context.Context, claims rbac.Claims, kind, id, ownerID string) {
	if ownerID == "" || claims.OwnerID == ownerID {
		return
	}
	s.audit(ctx, store.AuditEvent{
		EventType:  "record.disclose",
		ActorID:    claims.SubjectID,
		EntityKind: kind,
		EntityID:   id,
		Outcome:    "ok",
	})
}

// currentRecord reads the current version through the cache when one is
// configured. Cache failures degrade to a table read.
func (s *Service) currentRecord(ctx context.Context, kind, id string) (store.Record, error) {
	if s.cache != nil {
		if rec, err := s.cache.GetCurrent(ctx, kind, id); err == nil {
			return rec, nil
		}
	}
	started := time.Now()
	rec, err := s.records.GetCurrent(ctx, kind, id)
	s.sink.Record(metrics.TableOpDuration, time.Since(started).Seconds(), map[string]string{"op": "get_current"})
	if err != nil {
		return store.Record{}, mapStoreError(err, kind)
	}
	if s.cache != nil {
		if err := s.cache.SetCurrent(ctx, rec); err != nil {
			s.log.Warn().Err(err).Str("kind", kind).Str("id", id).Msg("cache set failed")
		}
	}
	return rec, nil
}

// appendVersion wraps the store append with cache invalidation, metrics
// and an audit row.
func (s *Service) appendVersion(ctx context.Context, kind, id, actor string, mutate func(payload map[string]any) error) (store.Record, error) {
	started := time.Now()
	rec, err := s.records.AppendVersion(ctx, kind, id, actor, mutate)
	s.sink.Record(metrics.TableOpDuration, time.Since(started).Seconds(), map[string]string{"op": "append"})
	if err != nil {
		return store.Record{}, mapStoreError(err, kind)
	}
	s.invalidate(ctx, kind, id)
	s.sink.Record(metrics.VersionsAppended, 1, map[string]string{"kind": kind})
	s.audit(ctx, store.AuditEvent{
		EventType:  "record.append",
		ActorID:    actor,
		EntityKind: kind,
		EntityID:   id,
		Outcome:    "ok",
		Detail:     map[string]any{"version": rec.Version, "changedFields": rec.ChangedFields},
	})
	return rec, nil
}

func (s *Service) invalidate(ctx context.Context, kind, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, kind, id); err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Str("id", id).Msg("cache invalidate failed")
	}
}

// mapStoreError translates storage sentinels into domain errors; anything
// already a DomainError passes through.
func mapStoreError(err error, what string) error {
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errNotFound(entityName(what))
	case errors.Is(err, store.ErrConflict):
		return errConflict()
	case errors.Is(err, store.ErrUnavailable):
		return errStorageUnavailable()
	default:
		return err
	}
}

func entityName(kind string) string {
	switch kind {
	case store.KindDocument:
		return "Document"
	case store.KindInvestor:
		return "Investor"
	case store.KindProperty:
		return "Property"
	case "share link":
		return "Share link"
	default:
		return "Record"
	}
}

// AuditTrail returns the most recent audit rows for an entity. Compliance
// and above.
func (s *Service) AuditTrail(ctx context.Context, claims rbac.Claims, kind, id string, limit int) ([]store.AuditEvent, error) {
	if err := s.authorize(ctx, rbac.CapViewAllDocuments, claims, "", false); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := s.meta.ListAuditEvents(ctx, kind, id, limit)
	if err != nil {
		return nil, mapStoreError(err, kind)
	}
	return events, nil
}

// CapabilityNames lists the registered capabilities for the admin
// introspection endpoint.
func (s *Service) CapabilityNames(ctx context.Context, claims rbac.Claims) ([]string, error) {
	if err := s.authorize(ctx, rbac.CapViewAllDocuments, claims, "", false); err != nil {
		return nil, err
	}
	return rbac.Capabilities(), nil
}

func stringField(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return value
}
