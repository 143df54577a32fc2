package app

import (
	"context"
	"sort"
	"strings"
	"time"

	"crestfund/api/internal/metrics"
	"crestfund/api/internal/rbac"
	"crestfund/api/internal/store"
	"crestfund/api/internal/util"
)

// Document lifecycle statuses.
const (
	StatusPendingUpload = "PENDING_UPLOAD"
	StatusUploaded      = "UPLOADED"
	StatusVerified      = "VERIFIED"
	StatusSuperseded    = "SUPERSEDED"
	StatusWithdrawn     = "WITHDRAWN"
)

// legalTransitions is the lifecycle state machine. SUPERSEDED and
// WITHDRAWN are terminal; the only thing that ever happens to a terminal
// document is retention-expired purge.
var legalTransitions = map[string][]string{
	StatusPendingUpload: {StatusUploaded, StatusWithdrawn},
	StatusUploaded:      {StatusVerified, StatusSuperseded, StatusWithdrawn},
	StatusVerified:      {StatusSuperseded, StatusWithdrawn},
	StatusSuperseded:    {},
	StatusWithdrawn:     {},
}

// statusPriority orders the administrative listing: work that needs
// attention first, the archive last.
var statusPriority = map[string]int{
	StatusUploaded:      0,
	StatusPendingUpload: 1,
	StatusVerified:      2,
	StatusSuperseded:    3,
	StatusWithdrawn:     4,
}

func transitionAllowed(from, to string) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

const maxUploadBytes = 100 << 20

type ReserveUploadRequest struct {
	InvestorID string `json:"investorId"`
	FileName   string `json:"fileName"`
	FileType   string `json:"fileType"`
	FileSize   int64  `json:"fileSize"`
	Category   string `json:"category"`
	// ReplacesID names an existing document this upload supersedes.
	ReplacesID string `json:"replacesId"`
}

func (r ReserveUploadRequest) validate() error {
	switch {
	case r.InvestorID == "":
		return errValidation("investorId is required")
	case strings.TrimSpace(r.FileName) == "":
		return errValidation("fileName is required")
	case r.FileType == "":
		return errValidation("fileType is required")
	case r.FileSize <= 0:
		return errValidation("fileSize must be positive")
	case r.FileSize > maxUploadBytes:
		return errValidation("fileSize exceeds the upload limit")
	}
	return nil
}

// ReserveUpload creates a document in PENDING_UPLOAD and hands back a
// time-limited URL the client uploads the file to. When ReplacesID is set
// the named document is superseded first; the new document records the
// link in its replacesId field.
func (s *Service) ReserveUpload(ctx context.Context, claims rbac.Claims, req ReserveUploadRequest) (store.Record, string, error) {
	if err := req.validate(); err != nil {
		return store.Record{}, "", err
	}
	if err := s.authorize(ctx, rbac.CapUploadDocument, claims, req.InvestorID, false); err != nil {
		return store.Record{}, "", err
	}

	docID := util.NewID("doc")
	fileKey := "documents/" + req.InvestorID + "/" + docID

	if req.ReplacesID != "" {
		if _, err := s.SupersedeDocument(ctx, claims, req.ReplacesID, "replaced by "+docID); err != nil {
			return store.Record{}, "", err
		}
	}

	rec, err := s.appendVersion(ctx, store.KindDocument, docID, claims.SubjectID, func(payload map[string]any) error {
		payload["status"] = StatusPendingUpload
		payload["investorId"] = req.InvestorID
		payload["fileName"] = req.FileName
		payload["fileType"] = req.FileType
		payload["fileSize"] = req.FileSize
		payload["fileKey"] = fileKey
		if req.Category != "" {
			payload["category"] = req.Category
		}
		if req.ReplacesID != "" {
			payload["replacesId"] = req.ReplacesID
		}
		return nil
	})
	if err != nil {
		return store.Record{}, "", err
	}

	uploadURL, err := s.blobs.SignedPutURL(ctx, fileKey, s.signedURLTTL)
	if err != nil {
		s.log.Error().Err(err).Str("documentId", docID).Msg("presign upload failed")
		return store.Record{}, "", errStorageUnavailable()
	}
	return rec, uploadURL, nil
}

// ConfirmUpload moves PENDING_UPLOAD to UPLOADED after checking the file
// actually landed in the object store.
func (s *Service) ConfirmUpload(ctx context.Context, claims rbac.Claims, docID string) (store.Record, error) {
	current, err := s.currentRecord(ctx, store.KindDocument, docID)
	if err != nil {
		return store.Record{}, err
	}
	if err := s.authorize(ctx, rbac.CapConfirmDocumentUpload, claims, stringField(current.Payload, "investorId"), false); err != nil {
		return store.Record{}, err
	}

	exists, err := s.blobs.Exists(ctx, stringField(current.Payload, "fileKey"))
	if err != nil {
		s.log.Error().Err(err).Str("documentId", docID).Msg("blob check failed")
		return store.Record{}, errStorageUnavailable()
	}
	if !exists {
		return store.Record{}, errValidation("no file found at the reserved upload location")
	}

	return s.transition(ctx, claims.SubjectID, docID, StatusUploaded, func(payload map[string]any) {
		payload["uploadedAt"] = s.now().UTC().Format(timeFormat)
	})
}

// VerifyDocument marks an UPLOADED document as reviewed and accepted.
func (s *Service) VerifyDocument(ctx context.Context, claims rbac.Claims, docID string) (store.Record, error) {
	if err := s.authorize(ctx, rbac.CapVerifyDocument, claims, "", false); err != nil {
		return store.Record{}, err
	}
	return s.transition(ctx, claims.SubjectID, docID, StatusVerified, func(payload map[string]any) {
		payload["verifiedAt"] = s.now().UTC().Format(timeFormat)
		payload["verifiedBy"] = claims.SubjectID
	})
}

// WithdrawDocument retires a document at the owner's request. Terminal.
func (s *Service) WithdrawDocument(ctx context.Context, claims rbac.Claims, docID, reason string) (store.Record, error) {
	current, err := s.currentRecord(ctx, store.KindDocument, docID)
	if err != nil {
		return store.Record{}, err
	}
	if err := s.authorize(ctx, rbac.CapWithdrawDocument, claims, stringField(current.Payload, "investorId"), false); err != nil {
		return store.Record{}, err
	}
	return s.transition(ctx, claims.SubjectID, docID, StatusWithdrawn, func(payload map[string]any) {
		payload["withdrawnAt"] = s.now().UTC().Format(timeFormat)
		if reason != "" {
			payload["withdrawnReason"] = reason
		}
	})
}

// SupersedeDocument retires a document in favor of a replacement. Terminal.
func (s *Service) SupersedeDocument(ctx context.Context, claims rbac.Claims, docID, reason string) (store.Record, error) {
	current, err := s.currentRecord(ctx, store.KindDocument, docID)
	if err != nil {
		return store.Record{}, err
	}
	if err := s.authorize(ctx, rbac.CapSupersedeDocument, claims, stringField(current.Payload, "investorId"), false); err != nil {
		return store.Record{}, err
	}
	return s.transition(ctx, claims.SubjectID, docID, StatusSuperseded, func(payload map[string]any) {
		payload["supersededAt"] = s.now().UTC().Format(timeFormat)
		if reason != "" {
			payload["supersededReason"] = reason
		}
	})
}

// TransitionDocument is the generic entry point for status changes; it
// dispatches to the operation that owns the target status so each keeps
// its own authorization and side effects.
func (s *Service) TransitionDocument(ctx context.Context, claims rbac.Claims, docID, target, reason string) (store.Record, error) {
	switch target {
	case StatusUploaded:
		return s.ConfirmUpload(ctx, claims, docID)
	case StatusVerified:
		return s.VerifyDocument(ctx, claims, docID)
	case StatusWithdrawn:
		return s.WithdrawDocument(ctx, claims, docID, reason)
	case StatusSuperseded:
		return s.SupersedeDocument(ctx, claims, docID, reason)
	default:
		return store.Record{}, errValidation("unknown target status " + target)
	}
}

// transition appends a new version with the target status. The legality
// check runs inside the mutator so a concurrent transition that wins the
// version race is seen on retry, not overwritten.
func (s *Service) transition(ctx context.Context, actor, docID, target string, apply func(payload map[string]any)) (store.Record, error) {
	var from string
	rec, err := s.appendVersion(ctx, store.KindDocument, docID, actor, func(payload map[string]any) error {
		from = stringField(payload, "status")
		if !transitionAllowed(from, target) {
			return errInvalidTransition(from, target)
		}
		payload["status"] = target
		apply(payload)
		return nil
	})
	if err != nil {
		return store.Record{}, err
	}
	s.sink.Record(metrics.DocumentTransitions, 1, map[string]string{"from": from, "to": target})
	s.audit(ctx, store.AuditEvent{
		EventType:  "document.transition",
		ActorID:    actor,
		EntityKind: store.KindDocument,
		EntityID:   docID,
		Outcome:    "ok",
		Detail:     map[string]any{"from": from, "to": target, "version": rec.Version},
	})
	return rec, nil
}

// GetDocument returns the current version of a document.
func (s *Service) GetDocument(ctx context.Context, claims rbac.Claims, docID string) (store.Record, error) {
	rec, err := s.currentRecord(ctx, store.KindDocument, docID)
	if err != nil {
		return store.Record{}, err
	}
	if err := s.authorize(ctx, rbac.CapViewDocument, claims, stringField(rec.Payload, "investorId"), false); err != nil {
		return store.Record{}, err
	}
	s.auditDisclosure(ctx, claims, store.KindDocument, docID, stringField(rec.Payload, "investorId"))
	return rec, nil
}

// DocumentHistory returns every version of a document, newest first,
// together with the rendered change timeline.
func (s *Service) DocumentHistory(ctx context.Context, claims rbac.Claims, docID string) ([]store.Record, []TimelineEntry, error) {
	history, err := s.records.GetHistory(ctx, store.KindDocument, docID)
	if err != nil {
		return nil, nil, mapStoreError(err, store.KindDocument)
	}
	if len(history) == 0 {
		return nil, nil, errNotFound("Document")
	}
	if err := s.authorize(ctx, rbac.CapViewDocument, claims, stringField(history[0].Payload, "investorId"), false); err != nil {
		return nil, nil, err
	}
	return history, BuildTimeline(history), nil
}

// ListDocuments returns an investor's current documents, most recently
// updated first. Withdrawn documents are hidden unless asked for.
func (s *Service) ListDocuments(ctx context.Context, claims rbac.Claims, investorID string, includeWithdrawn bool) ([]store.Record, error) {
	if investorID == "" {
		return nil, errValidation("investorId is required")
	}
	if err := s.authorize(ctx, rbac.CapViewDocument, claims, investorID, false); err != nil {
		return nil, err
	}
	heads, err := s.records.ListCurrent(ctx, store.KindDocument, func(rec store.Record) bool {
		if stringField(rec.Payload, "investorId") != investorID {
			return false
		}
		return includeWithdrawn || stringField(rec.Payload, "status") != StatusWithdrawn
	})
	if err != nil {
		return nil, mapStoreError(err, store.KindDocument)
	}
	sort.Slice(heads, func(i, j int) bool {
		return heads[i].UpdatedAt.After(heads[j].UpdatedAt)
	})
	return heads, nil
}

// ListAllDocuments is the staff view across every investor, ordered by
// status priority and then recency.
func (s *Service) ListAllDocuments(ctx context.Context, claims rbac.Claims, includeWithdrawn bool) ([]store.Record, error) {
	if err := s.authorize(ctx, rbac.CapViewAllDocuments, claims, "", false); err != nil {
		return nil, err
	}
	heads, err := s.records.ListCurrent(ctx, store.KindDocument, func(rec store.Record) bool {
		return includeWithdrawn || stringField(rec.Payload, "status") != StatusWithdrawn
	})
	if err != nil {
		return nil, mapStoreError(err, store.KindDocument)
	}
	sort.Slice(heads, func(i, j int) bool {
		pi := statusPriority[stringField(heads[i].Payload, "status")]
		pj := statusPriority[stringField(heads[j].Payload, "status")]
		if pi != pj {
			return pi < pj
		}
		return heads[i].UpdatedAt.After(heads[j].UpdatedAt)
	})
	return heads, nil
}

// DocumentReadURL hands out a time-limited download URL for the stored
// file. Only statuses that have a file behind them qualify.
func (s *Service) DocumentReadURL(ctx context.Context, claims rbac.Claims, docID string) (string, error) {
	rec, err := s.currentRecord(ctx, store.KindDocument, docID)
	if err != nil {
		return "", err
	}
	if err := s.authorize(ctx, rbac.CapViewDocument, claims, stringField(rec.Payload, "investorId"), false); err != nil {
		return "", err
	}
	switch stringField(rec.Payload, "status") {
	case StatusUploaded, StatusVerified, StatusSuperseded:
	default:
		return "", errValidation("document has no downloadable file")
	}
	url, err := s.blobs.SignedReadURL(ctx, stringField(rec.Payload, "fileKey"), s.signedURLTTL)
	if err != nil {
		s.log.Error().Err(err).Str("documentId", docID).Msg("presign read failed")
		return "", errStorageUnavailable()
	}
	return url, nil
}

// PurgeExpiredDocument permanently destroys a document and its whole
// version chain once its retention window has passed. The blob goes
// first: if the table purge then fails, the inconsistency is counted and
// surfaced, never swallowed, and re-running the purge converges because
// both deletions are idempotent.
func (s *Service) PurgeExpiredDocument(ctx context.Context, claims rbac.Claims, docID string, confirmed bool) error {
	if err := s.authorize(ctx, rbac.CapDeleteDocumentPermanently, claims, "", confirmed); err != nil {
		return err
	}

	history, err := s.records.GetHistory(ctx, store.KindDocument, docID)
	if err != nil {
		return mapStoreError(err, store.KindDocument)
	}
	if len(history) == 0 {
		return errNotFound("Document")
	}
	head := history[0]

	eligibleAt := s.retentionAnchor(head, history).Add(s.retention)
	if s.now().UTC().Before(eligibleAt) {
		s.audit(ctx, store.AuditEvent{
			EventType:  "document.purge",
			Capability: string(rbac.CapDeleteDocumentPermanently),
			ActorID:    claims.SubjectID,
			EntityKind: store.KindDocument,
			EntityID:   docID,
			Outcome:    "blocked",
			Detail:     map[string]any{"earliestEligibleAt": eligibleAt.Format(timeFormat)},
		})
		return errRetentionViolation(eligibleAt)
	}

	if key := stringField(head.Payload, "fileKey"); key != "" {
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.log.Error().Err(err).Str("documentId", docID).Msg("purge: blob delete failed")
			return errStorageUnavailable()
		}
	}

	if err := s.records.PurgeAllVersions(ctx, store.KindDocument, docID); err != nil {
		s.sink.Record(metrics.PurgeInconsistencies, 1, nil)
		s.log.Error().Err(err).Str("documentId", docID).
			Msg("purge: blob deleted but version chain remains")
		s.audit(ctx, store.AuditEvent{
			EventType:  "document.purge",
			ActorID:    claims.SubjectID,
			EntityKind: store.KindDocument,
			EntityID:   docID,
			Outcome:    "inconsistent",
		})
		return errInconsistentState()
	}

	s.invalidate(ctx, store.KindDocument, docID)
	s.sink.Record(metrics.DocumentsPurged, 1, nil)
	s.audit(ctx, store.AuditEvent{
		EventType:  "document.purge",
		Capability: string(rbac.CapDeleteDocumentPermanently),
		ActorID:    claims.SubjectID,
		EntityKind: store.KindDocument,
		EntityID:   docID,
		Outcome:    "ok",
	})
	return nil
}

// retentionAnchor is the timestamp the retention window counts from: the
// recorded upload time when the file ever landed, otherwise the creation
// of the chain.
func (s *Service) retentionAnchor(head store.Record, history []store.Record) time.Time {
	if raw := stringField(head.Payload, "uploadedAt"); raw != "" {
		if ts, err := time.Parse(timeFormat, raw); err == nil {
			return ts.UTC()
		}
	}
	oldest := history[len(history)-1]
	return oldest.UpdatedAt.UTC()
}
