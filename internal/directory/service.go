package directory

import (
	"context"
	"errors"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// RepositoryPort abstracts the directory lookups used by the service.
type RepositoryPort interface {
	GetLocation(ctx context.Context, ref string) (Location, error)
	GetProduct(ctx context.Context, ref string) (Product, error)
	SearchProducts(ctx context.Context, query string, limit int) ([]Product, error)
}

// Service resolves directory references with caching. Concurrent resolves
// for the same reference collapse into a single repository call.
type Service struct {
	repo  RepositoryPort
	cache *Cache
	group singleflight.Group
}

// NewService builds Service.
func NewService(repo RepositoryPort, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// ResolveLocation resolves a location by id or code.
func (s *Service) ResolveLocation(ctx context.Context, ref string) (Location, error) {
	if ref == "" {
		return Location{}, ErrNotFound
	}
	key := s.cache.BuildKey("location", ref)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		var loc Location
		err := s.cache.FetchJSON(ctx, key, &loc, func(ctx context.Context) (interface{}, error) {
			return s.repo.GetLocation(ctx, ref)
		})
		return loc, err
	})
	if err != nil {
		return Location{}, err
	}
	return v.(Location), nil
}

// ResolveLocationID resolves a location by numeric id.
func (s *Service) ResolveLocationID(ctx context.Context, id int64) (Location, error) {
	if id <= 0 {
		return Location{}, ErrNotFound
	}
	return s.ResolveLocation(ctx, strconv.FormatInt(id, 10))
}

// ResolveProduct resolves a product by id or SKU.
func (s *Service) ResolveProduct(ctx context.Context, ref string) (Product, error) {
	if ref == "" {
		return Product{}, ErrNotFound
	}
	key := s.cache.BuildKey("product", ref)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		var p Product
		err := s.cache.FetchJSON(ctx, key, &p, func(ctx context.Context) (interface{}, error) {
			return s.repo.GetProduct(ctx, ref)
		})
		return p, err
	})
	if err != nil {
		return Product{}, err
	}
	return v.(Product), nil
}

// ResolveProductID resolves a product by numeric id.
func (s *Service) ResolveProductID(ctx context.Context, id int64) (Product, error) {
	if id <= 0 {
		return Product{}, ErrNotFound
	}
	return s.ResolveProduct(ctx, strconv.FormatInt(id, 10))
}

// SearchProducts finds products by name or SKU substring. Search results
// are not cached; the balance listing is already paginated upstream.
func (s *Service) SearchProducts(ctx context.Context, query string, limit int) ([]Product, error) {
	if query == "" {
		return nil, errors.New("directory: search query required")
	}
	return s.repo.SearchProducts(ctx, query, limit)
}
