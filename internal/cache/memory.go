package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

type memoryProvider struct {
	defaultTTL time.Duration
	entries    *lru.Cache[string, memoryEntry]

	lockMu sync.Mutex
	locks  map[string]time.Time
}

// NewMemory builds a bounded in-process provider with LRU eviction and
// per-entry expiry. Locks are process-local.
func NewMemory(size int, defaultTTL time.Duration) (Provider, error) {
	if size <= 0 {
		size = 4096
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, err
	}
	return &memoryProvider{
		defaultTTL: defaultTTL,
		entries:    entries,
		locks:      make(map[string]time.Time),
	}, nil
}

func (c *memoryProvider) Get(_ context.Context, key string) (Entry, bool, error) {
	item, ok := c.entries.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if time.Now().After(item.expiresAt) {
		c.entries.Remove(key)
		return Entry{}, false, nil
	}
	return cloneEntry(item.entry), true, nil
}

func (c *memoryProvider) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	c.entries.Add(key, memoryEntry{entry: cloneEntry(entry), expiresAt: time.Now().Add(ttl)})
	return nil
}

func (c *memoryProvider) Remove(_ context.Context, key string) error {
	c.entries.Remove(key)
	return nil
}

func (c *memoryProvider) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
	return nil
}

func (c *memoryProvider) AcquireLock(ctx context.Context, key string, expiry, wait, retry time.Duration) (Lock, error) {
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	deadline := time.Now().Add(wait)
	for {
		if c.tryLock(key, expiry) {
			return &memoryLock{provider: c, key: key}, nil
		}
		if wait <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (c *memoryProvider) tryLock(key string, expiry time.Duration) bool {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	if until, held := c.locks[key]; held && time.Now().Before(until) {
		return false
	}
	c.locks[key] = time.Now().Add(expiry)
	return true
}

func (c *memoryProvider) Size(_ context.Context) (int64, error) {
	return int64(c.entries.Len()), nil
}

func (c *memoryProvider) Close(_ context.Context) error {
	c.entries.Purge()
	return nil
}

type memoryLock struct {
	provider *memoryProvider
	key      string
	once     sync.Once
}

func (l *memoryLock) Release(context.Context) error {
	l.once.Do(func() {
		l.provider.lockMu.Lock()
		delete(l.provider.locks, l.key)
		l.provider.lockMu.Unlock()
	})
	return nil
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		StatusCode:  in.StatusCode,
		ContentType: in.ContentType,
		CreatedAt:   in.CreatedAt,
	}
	if len(in.Content) > 0 {
		out.Content = make([]byte, len(in.Content))
		copy(out.Content, in.Content)
	}
	if len(in.Headers) > 0 {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
