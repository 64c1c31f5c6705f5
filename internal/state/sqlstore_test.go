package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStoreKV(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get missing = (ok=%v, err=%v)", ok, err)
	}

	if err := s.Set(ctx, "k", "v1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "k", "v2", 0); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "v2" {
		t.Fatalf("Get = (%q, %v, %v), want (v2, true, nil)", v, ok, err)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("Get after Delete reported ok")
	}
}

func TestSQLStoreTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)

	if err := s.Set(ctx, "hb", "1", 25*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "hb"); !ok {
		t.Fatal("key expired immediately")
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "hb"); ok {
		t.Fatal("key still present after its TTL lapsed")
	}

	// Overwriting with ttl=0 clears a previous expiry.
	if err := s.Set(ctx, "hb", "1", 25*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "hb", "1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "hb"); !ok {
		t.Fatal("key with cleared TTL expired")
	}
}

func TestSQLStoreHash(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)

	if err := s.HSet(ctx, "h", "a", "1"); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := s.HSet(ctx, "h", "a", "2"); err != nil {
		t.Fatalf("HSet overwrite: %v", err)
	}
	if err := s.HSet(ctx, "h", "b", "3"); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	v, ok, _ := s.HGet(ctx, "h", "a")
	if !ok || v != "2" {
		t.Fatalf("HGet = (%q, %v), want (2, true)", v, ok)
	}

	all, err := s.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if len(all) != 2 || all["a"] != "2" || all["b"] != "3" {
		t.Fatalf("HGetAll = %v", all)
	}

	if err := s.HDel(ctx, "h", "b"); err != nil {
		t.Fatalf("HDel: %v", err)
	}
	if _, ok, _ := s.HGet(ctx, "h", "b"); ok {
		t.Fatal("HGet after HDel reported ok")
	}
}

func TestSQLStoreSetAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)

	for _, member := range []string{"a", "b", "a"} {
		if err := s.SAdd(ctx, "s", member); err != nil {
			t.Fatalf("SAdd: %v", err)
		}
	}
	members, err := s.SMembers(ctx, "s")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("SMembers = %v, want 2 unique members", members)
	}
	if err := s.SRem(ctx, "s", "a"); err != nil {
		t.Fatalf("SRem: %v", err)
	}
	members, _ = s.SMembers(ctx, "s")
	if len(members) != 1 || members[0] != "b" {
		t.Fatalf("SMembers after SRem = %v, want [b]", members)
	}

	for _, v := range []string{"one", "two", "three"} {
		if err := s.RPush(ctx, "l", v); err != nil {
			t.Fatalf("RPush: %v", err)
		}
	}
	items, err := s.LRange(ctx, "l")
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	want := []string{"one", "two", "three"}
	for i := range want {
		if items[i] != want[i] {
			t.Fatalf("LRange = %v, want %v", items, want)
		}
	}
}

func TestSQLStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := NewSQLStore(path)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	if err := s.Set(ctx, "durable", "yes", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewSQLStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	v, ok, err := s2.Get(ctx, "durable")
	if err != nil || !ok || v != "yes" {
		t.Fatalf("Get after reopen = (%q, %v, %v), want (yes, true, nil)", v, ok, err)
	}
}
