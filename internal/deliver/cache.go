package deliver

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/example/guest-scheduler/internal/hostaway"
)

// ListingCache bounds listing lookups against the provider. Entries expire
// after the configured TTL; the door-code path bypasses reads entirely and
// overwrites the entry with a fresh fetch.
type ListingCache struct {
	c *cache.Cache
}

func NewListingCache(ttl time.Duration) *ListingCache {
	return &ListingCache{c: cache.New(ttl, 2*ttl)}
}

func (lc *ListingCache) Get(tenantID string, listingID int64) (hostaway.Listing, bool) {
	v, found := lc.c.Get(listingKey(tenantID, listingID))
	if !found {
		return hostaway.Listing{}, false
	}
	return v.(hostaway.Listing), true
}

func (lc *ListingCache) Set(tenantID string, listingID int64, l hostaway.Listing) {
	lc.c.Set(listingKey(tenantID, listingID), l, cache.DefaultExpiration)
}

func listingKey(tenantID string, listingID int64) string {
	return fmt.Sprintf("%s/%d", tenantID, listingID)
}
