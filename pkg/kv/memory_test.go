package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	val, ok, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || val != "v" {
		t.Errorf("expected (v, true), got (%s, %v)", val, ok)
	}

	_, ok, err = s.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected miss for unknown key")
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	_, ok, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected key to expire")
	}
}

func TestMemoryStore_SetNX(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", "first", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first SetNX to succeed")
	}

	ok, err = s.SetNX(ctx, "k", "second", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second SetNX to fail")
	}

	val, _, _ := s.Get(ctx, "k")
	if val != "first" {
		t.Errorf("expected value first, got %s", val)
	}
}

func TestMemoryStore_ZPopMin_Ordering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.ZAdd(ctx, "z", "c", 3)
	s.ZAdd(ctx, "z", "a", 1)
	s.ZAdd(ctx, "z", "b", 2)

	want := []string{"a", "b", "c"}
	for _, expected := range want {
		member, ok, err := s.ZPopMin(ctx, "z")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok || member != expected {
			t.Errorf("expected %s, got (%s, %v)", expected, member, ok)
		}
	}

	_, ok, _ := s.ZPopMin(ctx, "z")
	if ok {
		t.Error("expected empty zset")
	}
}

func TestMemoryStore_ZPopMin_EqualScoresFIFO(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.ZAdd(ctx, "z", "first", 1)
	s.ZAdd(ctx, "z", "second", 1)

	member, _, _ := s.ZPopMin(ctx, "z")
	if member != "first" {
		t.Errorf("expected insertion order tie-break, got %s", member)
	}
}

func TestMemoryStore_ZAddCapped(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := s.ZAddCapped(ctx, "z", string(rune('a'+i)), float64(i), 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("expected add %d to succeed", i)
		}
	}

	ok, err := s.ZAddCapped(ctx, "z", "c", 3, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected add beyond cap to be rejected")
	}

	n, _ := s.ZCard(ctx, "z")
	if n != 2 {
		t.Errorf("expected 2 members, got %d", n)
	}
}

func TestMemoryStore_ZPopByScore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.ZAdd(ctx, "z", "due1", 10)
	s.ZAdd(ctx, "z", "due2", 20)
	s.ZAdd(ctx, "z", "future", 100)

	due, err := s.ZPopByScore(ctx, "z", 50, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 2 || due[0] != "due1" || due[1] != "due2" {
		t.Errorf("expected [due1 due2], got %v", due)
	}

	n, _ := s.ZCard(ctx, "z")
	if n != 1 {
		t.Errorf("expected future member to remain, got %d members", n)
	}
}

func TestMemoryStore_IncrBy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n, err := s.IncrBy(ctx, "counter", 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}

	n, _ = s.IncrBy(ctx, "counter", 3, 0)
	if n != 5 {
		t.Errorf("expected 5, got %d", n)
	}
}

func TestMemoryStore_IncrByFloat(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	v, err := s.IncrByFloat(ctx, "spend", 0.25, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0.25 {
		t.Errorf("expected 0.25, got %f", v)
	}

	v, _ = s.IncrByFloat(ctx, "spend", 0.50, 0)
	if v != 0.75 {
		t.Errorf("expected 0.75, got %f", v)
	}
}

func TestMemoryStore_Sets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SAdd(ctx, "tags", "a", "b")
	s.SAdd(ctx, "tags", "b", "c")

	members, err := s.SMembers(ctx, "tags")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 3 {
		t.Errorf("expected 3 members, got %v", members)
	}

	s.SRem(ctx, "tags", "b")
	members, _ = s.SMembers(ctx, "tags")
	if len(members) != 2 {
		t.Errorf("expected 2 members after SRem, got %v", members)
	}
}

func TestMemoryStore_KeysPattern(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "cost:org-1:a", "1", 0)
	s.Set(ctx, "cost:org-1:b", "1", 0)
	s.Set(ctx, "cost:org-2:a", "1", 0)

	keys, err := s.Keys(ctx, "cost:org-1:*")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 keys, got %v", keys)
	}
}
