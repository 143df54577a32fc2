package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"crestfund/api/internal/store"
)

func setupTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := NewRedisCache("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return c, s
}

func TestSetAndGetCurrent(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	rec := store.Record{
		Kind:          store.KindDocument,
		ID:            "doc-1",
		Version:       3,
		Payload:       map[string]any{"status": "UPLOADED"},
		ChangedFields: []string{"status"},
		UpdatedAt:     time.Now().UTC().Truncate(time.Second),
		UpdatedBy:     "user-1",
	}
	if err := c.SetCurrent(ctx, rec); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}

	got, err := c.GetCurrent(ctx, store.KindDocument, "doc-1")
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if got.Version != 3 || got.Payload["status"] != "UPLOADED" {
		t.Fatalf("unexpected cached record: %+v", got)
	}
}

func TestGetCurrentMiss(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	if _, err := c.GetCurrent(context.Background(), store.KindDocument, "absent"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	rec := store.Record{Kind: store.KindDocument, ID: "doc-1", Version: 1, Payload: map[string]any{}}
	if err := c.SetCurrent(ctx, rec); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}
	if err := c.Invalidate(ctx, store.KindDocument, "doc-1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := c.GetCurrent(ctx, store.KindDocument, "doc-1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after invalidate, got %v", err)
	}
}

func TestEntriesExpire(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	c, err := NewRedisCache("redis://"+s.Addr(), time.Second)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	rec := store.Record{Kind: store.KindInvestor, ID: "inv-1", Version: 1, Payload: map[string]any{}}
	if err := c.SetCurrent(ctx, rec); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}

	s.FastForward(2 * time.Second)

	if _, err := c.GetCurrent(ctx, store.KindInvestor, "inv-1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after expiry, got %v", err)
	}
}
