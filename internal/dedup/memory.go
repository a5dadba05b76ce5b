package dedup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// defaultMemoryEntries bounds the in-process claim table.
const defaultMemoryEntries = 10000

// ErrClaimTableFull is returned when every slot holds a live claim. The
// caller skips the trigger; evicting a live claim would allow a second
// analysis inside its window.
var ErrClaimTableFull = errors.New("claim table full")

// MemoryBackend keeps claims in a bounded in-process LRU. It is only correct
// for a single process; use RedisBackend when ingestion runs replicated.
type MemoryBackend struct {
	mu   sync.Mutex
	size int
	lru  *expirable.LRU[string, time.Time] // key -> claim deadline
	now  func() time.Time
}

// NewMemoryBackend returns a MemoryBackend holding at most size live claims,
// each purged no later than maxTTL after it was set.
func NewMemoryBackend(size int, maxTTL time.Duration) *MemoryBackend {
	if size <= 0 {
		size = defaultMemoryEntries
	}
	if maxTTL <= 0 {
		maxTTL = DefaultTTL
	}
	return &MemoryBackend{
		size: size,
		lru:  expirable.NewLRU[string, time.Time](size, nil, maxTTL),
		now:  time.Now,
	}
}

// SetNX implements Backend. The deadline check makes per-key ttl exact even
// when it is shorter than the LRU's purge interval.
func (b *MemoryBackend) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if deadline, ok := b.lru.Get(key); ok && now.Before(deadline) {
		return false, nil
	}
	// the LRU must never evict on Add, so make room from expired claims only
	if _, present := b.lru.Peek(key); !present && b.lru.Len() >= b.size {
		b.dropExpired(now)
		if b.lru.Len() >= b.size {
			return false, ErrClaimTableFull
		}
	}
	b.lru.Add(key, now.Add(ttl))
	return true, nil
}

func (b *MemoryBackend) dropExpired(now time.Time) {
	for _, k := range b.lru.Keys() {
		if deadline, ok := b.lru.Peek(k); ok && !now.Before(deadline) {
			b.lru.Remove(k)
		}
	}
}

// Del implements Backend.
func (b *MemoryBackend) Del(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lru.Remove(key)
	return nil
}
