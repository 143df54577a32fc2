package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PostgresTable implements Table over the record_versions table. Version
// uniqueness is enforced by the primary key (kind, record_id, version), so
// a conditional put is a plain insert: the loser of a concurrent append
// gets a unique violation, surfaced as ErrConflict.
type PostgresTable struct {
	db *sql.DB
}

func NewPostgresTable(db *sql.DB) *PostgresTable {
	return &PostgresTable{db: db}
}

func (t *PostgresTable) Get(ctx context.Context, kind, id string, version int) (Record, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT kind, record_id, version, payload, changed_fields, updated_at, updated_by
		FROM record_versions
		WHERE kind=$1 AND record_id=$2 AND version=$3
	`, kind, id, version)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func (t *PostgresTable) Query(ctx context.Context, kind, id string) ([]Record, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT kind, record_id, version, payload, changed_fields, updated_at, updated_by
		FROM record_versions
		WHERE kind=$1 AND record_id=$2
		ORDER BY version DESC
	`, kind, id)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (t *PostgresTable) Put(ctx context.Context, rec Record, ifAbsent bool) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	changed, err := json.Marshal(rec.ChangedFields)
	if err != nil {
		return fmt.Errorf("marshal changed fields: %w", err)
	}

	query := `
		INSERT INTO record_versions (kind, record_id, version, payload, changed_fields, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if !ifAbsent {
		query += ` ON CONFLICT (kind, record_id, version) DO UPDATE
			SET payload=EXCLUDED.payload, changed_fields=EXCLUDED.changed_fields,
			    updated_at=EXCLUDED.updated_at, updated_by=EXCLUDED.updated_by`
	}
	_, err = t.db.ExecContext(ctx, query, rec.Kind, rec.ID, rec.Version, payload, changed, rec.UpdatedAt, rec.UpdatedBy)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

func (t *PostgresTable) Delete(ctx context.Context, kind, id string, version int) error {
	var err error
	if version <= 0 {
		_, err = t.db.ExecContext(ctx, `DELETE FROM record_versions WHERE kind=$1 AND record_id=$2`, kind, id)
	} else {
		_, err = t.db.ExecContext(ctx, `DELETE FROM record_versions WHERE kind=$1 AND record_id=$2 AND version=$3`, kind, id, version)
	}
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (t *PostgresTable) Scan(ctx context.Context, kind string, filter func(Record) bool) ([]Record, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT DISTINCT ON (record_id)
		       kind, record_id, version, payload, changed_fields, updated_at, updated_by
		FROM record_versions
		WHERE kind=$1
		ORDER BY record_id, version DESC
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("scan kind: %w", err)
	}
	defer rows.Close()

	var heads []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan head row: %w", err)
		}
		if filter == nil || filter(rec) {
			heads = append(heads, rec)
		}
	}
	return heads, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var payload, changed []byte
	if err := row.Scan(&rec.Kind, &rec.ID, &rec.Version, &payload, &changed, &rec.UpdatedAt, &rec.UpdatedBy); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return Record{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(changed, &rec.ChangedFields); err != nil {
		return Record{}, fmt.Errorf("unmarshal changed fields: %w", err)
	}
	return rec, nil
}

// PostgresStore carries the non-chain tables: audit events and share links.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, capability, actor_id, entity_kind, entity_id, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.EventType, event.Capability, event.ActorID, event.EntityKind, event.EntityID, event.Outcome, detail)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, entityKind, entityID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, capability, actor_id, entity_kind, entity_id, outcome, detail, created_at
		FROM audit_events
		WHERE entity_kind=$1 AND entity_id=$2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, entityKind, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := []AuditEvent{}
	for rows.Next() {
		var event AuditEvent
		var detail []byte
		if err := rows.Scan(&event.ID, &event.EventType, &event.Capability, &event.ActorID,
			&event.EntityKind, &event.EntityID, &event.Outcome, &detail, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &event.Detail)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *PostgresStore) InsertShareLink(ctx context.Context, link ShareLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (id, token, document_id, created_by, password_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, link.ID, link.Token, link.DocumentID, link.CreatedBy, link.PasswordHash, link.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShareLinkByToken(ctx context.Context, token string) (ShareLink, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, token, document_id, created_by, password_hash, expires_at,
		       access_count, last_accessed_at, created_at, revoked_at
		FROM share_links
		WHERE token=$1
	`, token)
	var link ShareLink
	err := row.Scan(&link.ID, &link.Token, &link.DocumentID, &link.CreatedBy, &link.PasswordHash,
		&link.ExpiresAt, &link.AccessCount, &link.LastAccessedAt, &link.CreatedAt, &link.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ShareLink{}, ErrNotFound
	}
	if err != nil {
		return ShareLink{}, fmt.Errorf("get share link: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) ListShareLinks(ctx context.Context, documentID string) ([]ShareLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token, document_id, created_by, password_hash, expires_at,
		       access_count, last_accessed_at, created_at, revoked_at
		FROM share_links
		WHERE document_id=$1
		ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	defer rows.Close()

	links := []ShareLink{}
	for rows.Next() {
		var link ShareLink
		if err := rows.Scan(&link.ID, &link.Token, &link.DocumentID, &link.CreatedBy, &link.PasswordHash,
			&link.ExpiresAt, &link.AccessCount, &link.LastAccessedAt, &link.CreatedAt, &link.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (s *PostgresStore) RevokeShareLink(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE share_links SET revoked_at=NOW() WHERE id=$1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchShareLink(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE share_links SET access_count=access_count+1, last_accessed_at=NOW() WHERE id=$1
	`, id)
	if err != nil {
		return fmt.Errorf("touch share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
