package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookhaven/api/internal/platform/config"
	"github.com/bookhaven/api/internal/repositories"
	"github.com/bookhaven/api/internal/services"
)

// Publishers groups the event sinks the service layer emits to. Any of them
// may be nil; the services degrade to logging-only behaviour.
type Publishers struct {
	OrderEvents services.OrderEventPublisher
	StockEvents services.StockEventPublisher
	Jobs        services.JobMessagePublisher
}

// Deps enumerates the external collaborators needed to assemble the service
// layer on top of a repository registry.
type Deps struct {
	Registry   repositories.Registry
	Images     services.ImageURLResolver
	Publishers Publishers
	Refunds    services.PaymentRefundGateway
	Build      services.BuildInfo
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// Services bundles the service-layer contracts that handlers rely upon.
// Concrete implementations are assembled via dependency injection in
// NewContainer.
type Services struct {
	Catalog  services.CatalogService
	Cart     services.CartService
	Stock    services.StockService
	Checkout services.CheckoutService
	Orders   services.OrderService
	Activity services.ActivityLogService
	Counters services.CounterService
	System   services.SystemService
	Jobs     services.BackgroundJobDispatcher
	Pricer   *services.PriceCalculator
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependency graph. Production wiring
// provides a Firestore-backed registry, while tests can supply in-memory
// implementations.
func NewContainer(cfg config.Config, deps Deps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases resources held by the repository layer.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, deps Deps) (Services, error) {
	var svc Services
	reg := deps.Registry

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	pricer, err := services.NewPriceCalculator(pricingFromConfig(cfg.Pricing))
	if err != nil {
		return Services{}, fmt.Errorf("build price calculator: %w", err)
	}
	svc.Pricer = pricer

	counters, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
		Clock:      clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counters

	activity, err := services.NewActivityLogService(services.ActivityLogServiceDeps{
		Repository: reg.ActivityLogs(),
		Clock:      clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build activity log service: %w", err)
	}
	svc.Activity = activity

	stock, err := services.NewStockService(services.StockServiceDeps{
		Stock:  reg.Stock(),
		Events: deps.Publishers.StockEvents,
		Clock:  clock,
		Logger: logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock service: %w", err)
	}
	svc.Stock = stock

	catalog, err := services.NewCatalogService(services.CatalogServiceDeps{
		Products: reg.Products(),
		Stock:    stock,
		Activity: activity,
		Images:   deps.Images,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalog

	cart, err := services.NewCartService(services.CartServiceDeps{
		Repository:      reg.Carts(),
		Products:        reg.Products(),
		Stock:           stock,
		Pricer:          pricer,
		Images:          deps.Images,
		Clock:           clock,
		DefaultCurrency: cfg.Pricing.Currency,
		Logger:          logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cart

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Products:   reg.Products(),
		Counters:   counters,
		Stock:      stock,
		Pricer:     pricer,
		UnitOfWork: reg,
		Clock:      clock,
		Events:     deps.Publishers.OrderEvents,
		Refunds:    deps.Refunds,
		Logger:     logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:    cart,
		Orders:   orders,
		CartRepo: reg.Carts(),
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkout

	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            clock,
		Build:            deps.Build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = system

	if deps.Publishers.Jobs != nil {
		dispatcher, err := services.NewBackgroundJobDispatcher(services.BackgroundJobDispatcherDeps{
			Publisher: deps.Publishers.Jobs,
			Clock:     clock,
			Logger:    logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build background job dispatcher: %w", err)
		}
		svc.Jobs = dispatcher
	}

	return svc, nil
}

func pricingFromConfig(cfg config.PricingConfig) services.PricingConfig {
	return services.PricingConfig{
		Currency:         cfg.Currency,
		TaxRateBps:       int64(cfg.TaxRateBps),
		FlatShippingFee:  int64(cfg.FlatShippingFee),
		FreeShippingOver: int64(cfg.FreeShippingOver),
		RushSurcharge:    int64(cfg.RushSurcharge),
		RushCities:       cfg.RushCities,
	}
}
