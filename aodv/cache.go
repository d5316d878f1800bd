package aodv

import (
	"net/netip"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

const cacheCapacity = 8192

// expiringSet remembers keys until a deadline on the protocol clock.
// The backing cache only bounds memory; expiry is judged against the caller's time.
type expiringSet[K comparable] struct {
	lifetime time.Duration
	cache    *ttlcache.Cache[K, time.Time]
}

func newExpiringSet[K comparable](lifetime time.Duration) *expiringSet[K] {
	return &expiringSet[K]{
		lifetime: lifetime,
		cache: ttlcache.New[K, time.Time](
			ttlcache.WithCapacity[K, time.Time](cacheCapacity),
			ttlcache.WithDisableTouchOnHit[K, time.Time](),
		),
	}
}

// seen reports whether key is still remembered, otherwise records it
func (s *expiringSet[K]) seen(key K, now time.Time) bool {
	if item := s.cache.Get(key); item != nil && now.Before(item.Value()) {
		return true
	}
	s.cache.Set(key, now.Add(s.lifetime), ttlcache.NoTTL)
	return false
}

func (s *expiringSet[K]) purge(now time.Time) {
	for key, item := range s.cache.Items() {
		if !now.Before(item.Value()) {
			s.cache.Delete(key)
		}
	}
}

func (s *expiringSet[K]) len() int {
	return s.cache.Len()
}

func (s *expiringSet[K]) clear() {
	s.cache.DeleteAll()
}

type requestKey struct {
	origin netip.Addr
	id     uint32
}

// IdCache suppresses route requests that were already processed
type IdCache struct {
	set *expiringSet[requestKey]
}

func NewIdCache(lifetime time.Duration) *IdCache {
	return &IdCache{set: newExpiringSet[requestKey](lifetime)}
}

// IsDuplicate returns true if (origin, id) was seen within the lifetime, otherwise remembers it
func (c *IdCache) IsDuplicate(origin netip.Addr, id uint32, now time.Time) bool {
	return c.set.seen(requestKey{origin: origin, id: id}, now)
}

func (c *IdCache) Purge(now time.Time) {
	c.set.purge(now)
}

func (c *IdCache) Len() int {
	return c.set.len()
}

// DuplicatePacketDetector suppresses rebroadcast loops of flooded data packets
type DuplicatePacketDetector struct {
	set *expiringSet[uint64]
}

func NewDuplicatePacketDetector(lifetime time.Duration) *DuplicatePacketDetector {
	return &DuplicatePacketDetector{set: newExpiringSet[uint64](lifetime)}
}

func packetKey(src netip.Addr, id uuid.UUID) uint64 {
	d := xxhash.New()
	_, _ = d.Write(src.AsSlice())
	_, _ = d.Write(id[:])
	return d.Sum64()
}

func (d *DuplicatePacketDetector) IsDuplicate(src netip.Addr, id uuid.UUID, now time.Time) bool {
	return d.set.seen(packetKey(src, id), now)
}

func (d *DuplicatePacketDetector) Purge(now time.Time) {
	d.set.purge(now)
}
