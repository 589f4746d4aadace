package tenant

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedProvider keeps resolved tenants in memory so token auth does not hit
// the database (and decrypt credentials) on every request.
type CachedProvider struct {
	store   *Store
	byID    *cache.Cache
	byToken *cache.Cache
}

func NewCachedProvider(store *Store, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		store:   store,
		byID:    cache.New(ttl, 2*ttl),
		byToken: cache.New(ttl, 2*ttl),
	}
}

func (p *CachedProvider) GetByID(ctx context.Context, id string) (Tenant, error) {
	if v, found := p.byID.Get(id); found {
		return v.(Tenant), nil
	}
	t, err := p.store.GetByID(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	p.remember(t)
	return t, nil
}

func (p *CachedProvider) GetByToken(ctx context.Context, token string) (Tenant, error) {
	if v, found := p.byToken.Get(token); found {
		return v.(Tenant), nil
	}
	t, err := p.store.GetByToken(ctx, token)
	if err != nil {
		return Tenant{}, err
	}
	p.remember(t)
	return t, nil
}

func (p *CachedProvider) remember(t Tenant) {
	p.byID.Set(t.ID, t, cache.DefaultExpiration)
	p.byToken.Set(t.APIToken, t, cache.DefaultExpiration)
}
