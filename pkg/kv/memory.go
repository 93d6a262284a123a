package kv

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and single-node
// development mode. All operations take one lock, which gives the same
// atomicity guarantees the Redis implementation gets from single-threaded
// command execution and Lua scripts.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memValue
	zsets   map[string]map[string]zmember
	sets    map[string]map[string]struct{}
	nextSeq int64
}

type memValue struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

type zmember struct {
	score float64
	seq   int64 // insertion order, tie-break for equal scores
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memValue),
		zsets:  make(map[string]map[string]zmember),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) expired(v memValue) bool {
	return !v.expiresAt.IsZero() && time.Now().After(v.expiresAt)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok || s.expired(v) {
		delete(s.values, key)
		return "", false, nil
	}
	return v.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = newMemValue(value, ttl)
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok && !s.expired(v) {
		return false, nil
	}
	s.values[key] = newMemValue(value, ttl)
	return true, nil
}

func newMemValue(value string, ttl time.Duration) memValue {
	v := memValue{value: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	return v
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
		delete(s.zsets, k)
		delete(s.sets, k)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, v := range s.values {
		if s.expired(v) {
			delete(s.values, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	if v, ok := s.values[key]; ok && !s.expired(v) {
		cur, _ = strconv.ParseInt(v.value, 10, 64)
		cur += delta
		v.value = strconv.FormatInt(cur, 10)
		s.values[key] = v
		return cur, nil
	}
	cur = delta
	s.values[key] = newMemValue(strconv.FormatInt(cur, 10), ttl)
	return cur, nil
}

func (s *MemoryStore) IncrByFloat(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur float64
	if v, ok := s.values[key]; ok && !s.expired(v) {
		cur, _ = strconv.ParseFloat(v.value, 64)
		cur += delta
		v.value = strconv.FormatFloat(cur, 'f', 10, 64)
		s.values[key] = v
		return cur, nil
	}
	cur = delta
	s.values[key] = newMemValue(strconv.FormatFloat(cur, 'f', 10, 64), ttl)
	return cur, nil
}

func (s *MemoryStore) zset(key string) map[string]zmember {
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]zmember)
		s.zsets[key] = z
	}
	return z
}

func (s *MemoryStore) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	s.zset(key)[member] = zmember{score: score, seq: s.nextSeq}
	return nil
}

func (s *MemoryStore) ZAddCapped(_ context.Context, key, member string, score float64, max int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zset(key)
	if int64(len(z)) >= max {
		return false, nil
	}
	s.nextSeq++
	z[member] = zmember{score: score, seq: s.nextSeq}
	return true, nil
}

func (s *MemoryStore) ZPopMin(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	if len(z) == 0 {
		return "", false, nil
	}
	var best string
	var bestM zmember
	first := true
	for m, zm := range z {
		if first || zm.score < bestM.score || (zm.score == bestM.score && zm.seq < bestM.seq) {
			best, bestM, first = m, zm, false
		}
	}
	delete(z, best)
	return best, true, nil
}

func (s *MemoryStore) ZPopByScore(_ context.Context, key string, max float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	type pair struct {
		member string
		zm     zmember
	}
	var due []pair
	for m, zm := range z {
		if zm.score <= max {
			due = append(due, pair{m, zm})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].zm.score != due[j].zm.score {
			return due[i].zm.score < due[j].zm.score
		}
		return due[i].zm.seq < due[j].zm.seq
	})
	if int64(len(due)) > limit {
		due = due[:limit]
	}
	members := make([]string, 0, len(due))
	for _, p := range due {
		delete(z, p.member)
		members = append(members, p.member)
	}
	return members, nil
}

func (s *MemoryStore) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	var removed int64
	for _, m := range members {
		if _, ok := z[m]; ok {
			delete(z, m)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) set(key string) map[string]struct{} {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	return set
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.set(key)
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}
