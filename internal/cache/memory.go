package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memoryBackend struct {
	defaultTTL time.Duration

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemory returns an in-process Backend with lazy expiry.
func NewMemory(defaultTTL time.Duration) Backend {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &memoryBackend{defaultTTL: defaultTTL, entries: make(map[string]memoryEntry)}
}

func (b *memoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(b.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (b *memoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = memoryEntry{value: stored, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (b *memoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *memoryBackend) DeleteContains(_ context.Context, substr string) error {
	if substr == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.entries {
		if strings.Contains(key, substr) {
			delete(b.entries, key)
		}
	}
	return nil
}

func (b *memoryBackend) Scan(_ context.Context, substr string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	now := time.Now()
	var keys []string
	for key, entry := range b.entries {
		if now.After(entry.expiresAt) {
			continue
		}
		if substr == "" || strings.Contains(key, substr) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (b *memoryBackend) Size(_ context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.entries)), nil
}

func (b *memoryBackend) Close(_ context.Context) error {
	return nil
}
