package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/bookhaven/api/internal/platform/firestore"
	"github.com/bookhaven/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	products     *ProductRepository
	stock        *StockRepository
	carts        *CartRepository
	orders       *OrderRepository
	activityLogs *ActivityLogRepository
	counters     *CounterRepository
	health       repositories.HealthRepository
}

// RegistryDeps customises registry construction.
type RegistryDeps struct {
	Provider *pfirestore.Provider
	// Health overrides the default dependency probe set. When nil the
	// registry probes Firestore connectivity only.
	Health repositories.HealthRepository
}

// NewRegistry wires every Firestore repository against a shared provider.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	provider := deps.Provider
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}

	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	stock, err := NewStockRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	activityLogs, err := NewActivityLogRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	health := deps.Health
	if health == nil {
		health, err = repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
			{
				Name: "firestore",
				Check: func(ctx context.Context) error {
					_, err := provider.Client(ctx)
					return err
				},
			},
		})
		if err != nil {
			return nil, err
		}
	}

	return &Registry{
		provider:     provider,
		products:     products,
		stock:        stock,
		carts:        carts,
		orders:       orders,
		activityLogs: activityLogs,
		counters:     counters,
		health:       health,
	}, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Products returns the catalog repository.
func (r *Registry) Products() repositories.ProductRepository { return r.products }

// Stock returns the stock level repository.
func (r *Registry) Stock() repositories.StockRepository { return r.stock }

// Carts returns the cart repository.
func (r *Registry) Carts() repositories.CartRepository { return r.carts }

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// ActivityLogs returns the moderation activity repository.
func (r *Registry) ActivityLogs() repositories.ActivityLogRepository { return r.activityLogs }

// Counters returns the sequence counter repository.
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx invokes fn directly. Each repository mutation already runs inside
// its own Firestore transaction, so there is no cross-repository transaction
// to open here.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return fn(ctx)
}

var _ repositories.Registry = (*Registry)(nil)
