package subscriptionregistry

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"streamquery/internal/metrics"
)

// DefaultSlot is the slot used by entries without a page cursor
const DefaultSlot = ""

// Unsubscriber is a live stream handle held by the registry
type Unsubscriber interface {
	Unsubscribe()
}

// Registry tracks the live background stream subscriptions of a cache,
// keyed by hashed query key and then by cursor slot. Every cleanup path
// unsubscribes the handles it removes.
type Registry struct {
	mu      sync.Mutex
	entries map[string]map[string]Unsubscriber

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an empty registry
func New(logger zerolog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		entries: make(map[string]map[string]Unsubscriber),
		logger:  logger.With().Str("component", "subscription-registry").Logger(),
		metrics: m,
	}
}

// Store records sub under (hash, slot). A handle already stored in the same
// slot is replaced without being unsubscribed; sibling slots are untouched.
func (r *Registry) Store(hash, slot string, sub Unsubscriber) {
	r.StoreLive(context.Background(), hash, slot, sub)
}

// StoreLive records sub like Store unless ctx is already done, in which case
// sub is unsubscribed instead. A canceller that cleans up after cancelling ctx
// therefore never misses a handle stored for it.
func (r *Registry) StoreLive(ctx context.Context, hash, slot string, sub Unsubscriber) bool {
	r.mu.Lock()
	if ctx.Err() != nil {
		r.mu.Unlock()
		sub.Unsubscribe()
		r.logger.Debug().Str("key", hash).Str("slot", slot).Msg("dropped subscription of a cancelled fetch")
		return false
	}
	slots, ok := r.entries[hash]
	if !ok {
		slots = make(map[string]Unsubscriber)
		r.entries[hash] = slots
	}
	_, replaced := slots[slot]
	slots[slot] = sub
	r.mu.Unlock()

	if !replaced {
		r.metrics.SlotStored()
	}
	r.logger.Debug().Str("key", hash).Str("slot", slot).Bool("replaced", replaced).Msg("stored subscription")
	return true
}

// Cleanup unsubscribes and removes every slot of hash. Absent keys are ignored.
func (r *Registry) Cleanup(hash string) {
	r.mu.Lock()
	slots, ok := r.entries[hash]
	delete(r.entries, hash)
	r.mu.Unlock()

	if !ok {
		return
	}

	// Unsubscribe outside the lock; teardown may call back into the registry
	for _, sub := range slots {
		sub.Unsubscribe()
	}
	r.metrics.SlotsReleased(len(slots))
	r.logger.Debug().Str("key", hash).Int("slots", len(slots)).Msg("cleaned up subscriptions")
}

// CleanupSlot unsubscribes and removes a single slot of hash. Absent keys or
// slots are ignored. The key itself is dropped once its last slot is gone.
func (r *Registry) CleanupSlot(hash, slot string) {
	r.mu.Lock()
	slots, ok := r.entries[hash]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub, ok := slots[slot]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(slots, slot)
	if len(slots) == 0 {
		delete(r.entries, hash)
	}
	r.mu.Unlock()

	sub.Unsubscribe()
	r.metrics.SlotsReleased(1)
	r.logger.Debug().Str("key", hash).Str("slot", slot).Msg("cleaned up subscription slot")
}

// Has reports whether hash has a handle stored in slot
func (r *Registry) Has(hash, slot string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[hash][slot]
	return ok
}

// Slots returns the sorted slots stored under hash
func (r *Registry) Slots(hash string) []string {
	r.mu.Lock()
	slots := make([]string, 0, len(r.entries[hash]))
	for slot := range r.entries[hash] {
		slots = append(slots, slot)
	}
	r.mu.Unlock()

	sort.Strings(slots)
	return slots
}

// Len returns the number of keys with at least one live slot
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close unsubscribes every stored handle
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]map[string]Unsubscriber)
	r.mu.Unlock()

	total := 0
	for _, slots := range entries {
		for _, sub := range slots {
			sub.Unsubscribe()
		}
		total += len(slots)
	}
	r.metrics.SlotsReleased(total)
	r.logger.Info().Int("keys", len(entries)).Int("slots", total).Msg("subscription registry closed")
}
