package directory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stubRepo struct {
	locations map[string]Location
	products  map[string]Product

	locationCalls int
	productCalls  int
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		locations: map[string]Location{
			"1":    {ID: 1, Kind: LocationKindWarehouse, Code: "WH-1", Name: "Main Warehouse"},
			"WH-1": {ID: 1, Kind: LocationKindWarehouse, Code: "WH-1", Name: "Main Warehouse"},
			"2":    {ID: 2, Kind: LocationKindStore, Code: "ST-1", Name: "Downtown Store"},
			"ST-1": {ID: 2, Kind: LocationKindStore, Code: "ST-1", Name: "Downtown Store"},
		},
		products: map[string]Product{
			"10":     {ID: 10, SKU: "SKU-10", Name: "Espresso Beans"},
			"SKU-10": {ID: 10, SKU: "SKU-10", Name: "Espresso Beans"},
		},
	}
}

func (r *stubRepo) GetLocation(ctx context.Context, ref string) (Location, error) {
	r.locationCalls++
	if loc, ok := r.locations[ref]; ok {
		return loc, nil
	}
	return Location{}, ErrNotFound
}

func (r *stubRepo) GetProduct(ctx context.Context, ref string) (Product, error) {
	r.productCalls++
	if p, ok := r.products[ref]; ok {
		return p, nil
	}
	return Product{}, ErrNotFound
}

func (r *stubRepo) SearchProducts(ctx context.Context, query string, limit int) ([]Product, error) {
	var out []Product
	seen := make(map[int64]bool)
	for _, p := range r.products {
		if seen[p.ID] {
			continue
		}
		if strings.Contains(strings.ToLower(p.Name), strings.ToLower(query)) {
			out = append(out, p)
			seen[p.ID] = true
		}
	}
	return out, nil
}

func newCachedService(t *testing.T) (*Service, *stubRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := newStubRepo()
	return NewService(repo, NewCache(client, time.Minute)), repo, mr
}

func TestResolveLocationCaches(t *testing.T) {
	svc, repo, _ := newCachedService(t)
	ctx := context.Background()

	loc, err := svc.ResolveLocationID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Main Warehouse", loc.Name)
	require.Equal(t, 1, repo.locationCalls)

	// Second resolve is served from Redis.
	loc, err = svc.ResolveLocationID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, LocationKindWarehouse, loc.Kind)
	require.Equal(t, 1, repo.locationCalls)
}

func TestResolveByCode(t *testing.T) {
	svc, _, _ := newCachedService(t)
	ctx := context.Background()

	loc, err := svc.ResolveLocation(ctx, "ST-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), loc.ID)

	p, err := svc.ResolveProduct(ctx, "SKU-10")
	require.NoError(t, err)
	require.Equal(t, int64(10), p.ID)
}

func TestResolveMissesAreNotCached(t *testing.T) {
	svc, repo, _ := newCachedService(t)
	ctx := context.Background()

	_, err := svc.ResolveProductID(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.ResolveProductID(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 2, repo.productCalls)

	_, err = svc.ResolveProductID(ctx, 0)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 2, repo.productCalls, "non-positive ids never hit the repository")
}

func TestCacheInvalidate(t *testing.T) {
	svc, repo, _ := newCachedService(t)
	ctx := context.Background()
	cache := svc.cache

	_, err := svc.ResolveProductID(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, repo.productCalls)

	require.NoError(t, cache.Invalidate(ctx, cache.BuildKey("product", "10")))

	_, err = svc.ResolveProductID(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, repo.productCalls)
}

func TestCacheExpiry(t *testing.T) {
	svc, repo, mr := newCachedService(t)
	ctx := context.Background()

	_, err := svc.ResolveLocationID(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 1, repo.locationCalls)

	mr.FastForward(2 * time.Minute)

	_, err = svc.ResolveLocationID(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, repo.locationCalls)
}

func TestServiceWithoutRedis(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo, NewCache(nil, time.Minute))
	ctx := context.Background()

	loc, err := svc.ResolveLocationID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "WH-1", loc.Code)

	// Every resolve goes to the repository when no cache is wired.
	_, err = svc.ResolveLocationID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, repo.locationCalls)
}

func TestSearchProducts(t *testing.T) {
	svc, _, _ := newCachedService(t)
	ctx := context.Background()

	products, err := svc.SearchProducts(ctx, "espresso", 10)
	require.NoError(t, err)
	require.Len(t, products, 1)

	_, err = svc.SearchProducts(ctx, "", 10)
	require.Error(t, err)
}
