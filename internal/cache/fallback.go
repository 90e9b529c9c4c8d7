package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	reconnectInitial = time.Second
	reconnectMax     = time.Minute
)

// fallbackProvider serves from the distributed backend while it is healthy
// and degrades to the memory provider when it is not. A background loop
// probes the distributed backend with exponential backoff until it answers,
// then traffic shifts back.
type fallbackProvider struct {
	logger  *slog.Logger
	primary Provider
	memory  Provider
	rebuild func() (Provider, error)

	degraded atomic.Bool
	mu       sync.Mutex
	probing  bool
	closed   chan struct{}
}

// NewWithFallback wraps a distributed provider with a memory fallback.
// rebuild reconstructs the distributed client during reconnection attempts.
func NewWithFallback(logger *slog.Logger, primary, memory Provider, rebuild func() (Provider, error)) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	f := &fallbackProvider{
		logger:  logger.With(slog.String("agent", "cache_fallback")),
		primary: primary,
		memory:  memory,
		rebuild: rebuild,
		closed:  make(chan struct{}),
	}
	if primary == nil {
		// No backend yet: serve from memory and probe until one answers.
		f.degraded.Store(true)
		f.probing = true
		go f.reconnectLoop()
	}
	return f
}

func (f *fallbackProvider) active() Provider {
	if f.degraded.Load() {
		return f.memory
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.primary
}

// degrade flips traffic to the memory provider and kicks off reconnection.
func (f *fallbackProvider) degrade(err error) {
	if f.degraded.Swap(true) {
		return
	}
	f.logger.Warn("distributed cache unavailable, serving from memory", slog.Any("error", err))
	f.mu.Lock()
	alreadyProbing := f.probing
	f.probing = true
	f.mu.Unlock()
	if !alreadyProbing {
		go f.reconnectLoop()
	}
}

func (f *fallbackProvider) reconnectLoop() {
	backoff := reconnectInitial
	for {
		select {
		case <-f.closed:
			return
		case <-time.After(backoff):
		}
		replacement, err := f.rebuild()
		if err == nil {
			f.mu.Lock()
			old := f.primary
			f.primary = replacement
			f.probing = false
			f.mu.Unlock()
			if old != nil {
				_ = old.Close(context.Background())
			}
			f.degraded.Store(false)
			f.logger.Info("distributed cache reconnected")
			return
		}
		f.logger.Debug("distributed cache reconnect failed", slog.Any("error", err), slog.Duration("backoff", backoff))
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (f *fallbackProvider) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry, ok, err := f.active().Get(ctx, key)
	if err != nil && !f.degraded.Load() {
		f.degrade(err)
		return f.memory.Get(ctx, key)
	}
	return entry, ok, err
}

func (f *fallbackProvider) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	err := f.active().Set(ctx, key, entry, ttl)
	if err != nil && !f.degraded.Load() {
		f.degrade(err)
		return f.memory.Set(ctx, key, entry, ttl)
	}
	return err
}

func (f *fallbackProvider) Remove(ctx context.Context, key string) error {
	err := f.active().Remove(ctx, key)
	if err != nil && !f.degraded.Load() {
		f.degrade(err)
		return f.memory.Remove(ctx, key)
	}
	return err
}

func (f *fallbackProvider) DeletePrefix(ctx context.Context, prefix string) error {
	err := f.active().DeletePrefix(ctx, prefix)
	if err != nil && !f.degraded.Load() {
		f.degrade(err)
		return f.memory.DeletePrefix(ctx, prefix)
	}
	return err
}

func (f *fallbackProvider) AcquireLock(ctx context.Context, key string, expiry, wait, retry time.Duration) (Lock, error) {
	lock, err := f.active().AcquireLock(ctx, key, expiry, wait, retry)
	if err != nil && ctx.Err() == nil && !f.degraded.Load() {
		f.degrade(err)
		return f.memory.AcquireLock(ctx, key, expiry, wait, retry)
	}
	return lock, err
}

func (f *fallbackProvider) Size(ctx context.Context) (int64, error) {
	return f.active().Size(ctx)
}

func (f *fallbackProvider) Close(ctx context.Context) error {
	close(f.closed)
	f.mu.Lock()
	primary := f.primary
	f.mu.Unlock()
	var err error
	if primary != nil {
		err = primary.Close(ctx)
	}
	if memErr := f.memory.Close(ctx); err == nil {
		err = memErr
	}
	return err
}
