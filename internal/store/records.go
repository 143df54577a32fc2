package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxAppendAttempts bounds how often an append re-reads and reapplies its
// mutation after losing a version race. Each attempt works from fresh
// state; stale payloads are never retried.
const maxAppendAttempts = 5

// RecordStore owns the version chains. All writes to the underlying table
// go through it; currentness is derived (highest version number), so there
// is no stored flag to flip and no dual-write race.
type RecordStore struct {
	table Table
	now   func() time.Time
}

func NewRecordStore(table Table) *RecordStore {
	return &RecordStore{table: table, now: time.Now}
}

// WithClock overrides the store's clock. Test hook.
func (s *RecordStore) WithClock(now func() time.Time) *RecordStore {
	s.now = now
	return s
}

// GetCurrent returns the chain's highest version, or ErrNotFound for an
// entity that never existed (or was purged).
func (s *RecordStore) GetCurrent(ctx context.Context, kind, id string) (Record, error) {
	var head Record
	err := s.withRetry(ctx, func() error {
		chain, err := s.table.Query(ctx, kind, id)
		if err != nil {
			return err
		}
		if len(chain) == 0 {
			return backoff.Permanent(ErrNotFound)
		}
		head = chain[0]
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return head, nil
}

// GetHistory returns every version, newest first. Empty slice when the
// entity never existed.
func (s *RecordStore) GetHistory(ctx context.Context, kind, id string) ([]Record, error) {
	var chain []Record
	err := s.withRetry(ctx, func() error {
		var err error
		chain, err = s.table.Query(ctx, kind, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// AppendVersion reads the current version (absence counts as version 0
// with an empty payload), applies mutate to a deep copy of its payload,
// and writes the result as version current+1 with a conditional put.
// Losing the put race triggers a fresh read and reapplication of mutate,
// up to maxAppendAttempts, then ErrConflict.
func (s *RecordStore) AppendVersion(ctx context.Context, kind, id, actor string, mutate func(payload map[string]any) error) (Record, error) {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		current, err := s.GetCurrent(ctx, kind, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Record{}, err
		}

		payload, err := copyPayload(current.Payload)
		if err != nil {
			return Record{}, err
		}
		if err := mutate(payload); err != nil {
			return Record{}, err
		}
		payload, err = normalizePayload(payload)
		if err != nil {
			return Record{}, err
		}

		next := Record{
			Kind:          kind,
			ID:            id,
			Version:       current.Version + 1,
			Payload:       payload,
			ChangedFields: diffPayloads(current.Payload, payload, current.Version == 0),
			UpdatedAt:     s.now().UTC(),
			UpdatedBy:     actor,
		}

		err = s.withRetry(ctx, func() error {
			if err := s.table.Put(ctx, next, true); err != nil {
				if errors.Is(err, ErrConflict) {
					return backoff.Permanent(err)
				}
				return err
			}
			return nil
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return Record{}, err
		}
		return next, nil
	}
	return Record{}, fmt.Errorf("append %s/%s: %w", kind, id, ErrConflict)
}

// PurgeAllVersions physically removes the chain. Idempotent: purging an
// absent chain succeeds. Reserved for the retention-expired path; regular
// lifecycle transitions only ever add versions.
func (s *RecordStore) PurgeAllVersions(ctx context.Context, kind, id string) error {
	return s.withRetry(ctx, func() error {
		return s.table.Delete(ctx, kind, id, 0)
	})
}

// ListCurrent returns the current version of every chain of a kind that
// matches filter.
func (s *RecordStore) ListCurrent(ctx context.Context, kind string, filter func(Record) bool) ([]Record, error) {
	var heads []Record
	err := s.withRetry(ctx, func() error {
		var err error
		heads, err = s.table.Scan(ctx, kind, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return heads, nil
}

// withRetry runs op with bounded exponential backoff for transient storage
// failures. Logical errors (ErrNotFound, ErrConflict) must be wrapped in
// backoff.Permanent by op. Spent budget surfaces as ErrUnavailable.
func (s *RecordStore) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 4), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// copyPayload deep-copies a payload through JSON so mutators can never
// alias the stored record's maps.
func copyPayload(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("copy payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("copy payload: %w", err)
	}
	return out, nil
}

// normalizePayload forces every value into its JSON representation so that
// diffs compare like with like regardless of how the mutator built them.
func normalizePayload(payload map[string]any) (map[string]any, error) {
	return copyPayload(payload)
}

// diffPayloads lists the keys whose values differ between two payloads,
// sorted. The first version of a chain declares no changed fields.
func diffPayloads(prev, next map[string]any, first bool) []string {
	if first {
		return []string{}
	}
	seen := map[string]bool{}
	var changed []string
	for key, nextVal := range next {
		prevVal, ok := prev[key]
		if !ok || !reflect.DeepEqual(prevVal, nextVal) {
			changed = append(changed, key)
		}
		seen[key] = true
	}
	for key := range prev {
		if !seen[key] {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	if changed == nil {
		changed = []string{}
	}
	return changed
}
