package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/repositories"
)

const (
	eventStockReserve = "stock.reserve"
	eventStockRelease = "stock.release"
	eventStockCommit  = "stock.commit"
	eventStockRestock = "stock.restock"
	eventStockSet     = "stock.set"
)

var (
	// ErrStockInvalidInput signals the caller provided invalid arguments.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrStockInsufficient indicates the requested quantity exceeds availability.
	ErrStockInsufficient = errors.New("stock: insufficient stock")
	// ErrStockNotFound indicates no stock row exists for the product.
	ErrStockNotFound = errors.New("stock: not found")
)

// StockServiceDeps bundles the collaborators required to construct a stock service.
type StockServiceDeps struct {
	Stock  repositories.StockRepository
	Events StockEventPublisher
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type stockService struct {
	repo   repositories.StockRepository
	events StockEventPublisher
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewStockService wires dependencies into a concrete StockService implementation.
func NewStockService(deps StockServiceDeps) (StockService, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock service: stock repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockService{
		repo:   deps.Stock,
		events: deps.Events,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

func (s *stockService) Reserve(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error) {
	productID, quantity, err := validateAdjust(cmd)
	if err != nil {
		return StockLevel{}, err
	}
	level, err := s.repo.Reserve(ctx, productID, quantity, s.clock())
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	s.emit(ctx, eventStockReserve, cmd, level, 0, quantity)
	return level, nil
}

func (s *stockService) Release(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error) {
	productID, quantity, err := validateAdjust(cmd)
	if err != nil {
		return StockLevel{}, err
	}
	level, err := s.repo.Release(ctx, productID, quantity, s.clock())
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	s.emit(ctx, eventStockRelease, cmd, level, 0, -quantity)
	return level, nil
}

func (s *stockService) Commit(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error) {
	productID, quantity, err := validateAdjust(cmd)
	if err != nil {
		return StockLevel{}, err
	}
	level, err := s.repo.Commit(ctx, productID, quantity, s.clock())
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	s.emit(ctx, eventStockCommit, cmd, level, -quantity, -quantity)
	return level, nil
}

func (s *stockService) Restock(ctx context.Context, cmd StockAdjustCommand) (StockLevel, error) {
	productID, quantity, err := validateAdjust(cmd)
	if err != nil {
		return StockLevel{}, err
	}
	level, err := s.repo.Restock(ctx, productID, quantity, s.clock())
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	s.emit(ctx, eventStockRestock, cmd, level, quantity, 0)
	return level, nil
}

func (s *stockService) SetOnHand(ctx context.Context, productID string, onHand int) (StockLevel, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return StockLevel{}, fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
	}
	if onHand < 0 {
		return StockLevel{}, fmt.Errorf("%w: on-hand count must be >= 0", ErrStockInvalidInput)
	}
	level, err := s.repo.SetOnHand(ctx, productID, onHand, s.clock())
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	s.emit(ctx, eventStockSet, StockAdjustCommand{ProductID: productID}, level, 0, 0)
	return level, nil
}

func (s *stockService) Get(ctx context.Context, productID string) (StockLevel, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return StockLevel{}, fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
	}
	level, err := s.repo.Get(ctx, productID)
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	return level, nil
}

func (s *stockService) ListLowStock(ctx context.Context, filter LowStockFilter) (domain.CursorPage[StockLevel], error) {
	page, err := s.repo.ListLowStock(ctx, repositories.LowStockQuery{
		Threshold: filter.Threshold,
		PageSize:  filter.Pagination.PageSize,
		PageToken: filter.Pagination.PageToken,
	})
	if err != nil {
		return domain.CursorPage[StockLevel]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *stockService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficient:
			// Keep the typed error in the chain so callers can read the
			// available and requested quantities.
			return fmt.Errorf("%w: %w", ErrStockInsufficient, stockErr)
		case repositories.StockErrorNotFound:
			return fmt.Errorf("%w: %s", ErrStockNotFound, stockErr.Message)
		case repositories.StockErrorInvalidQuantity:
			return fmt.Errorf("%w: %s", ErrStockInvalidInput, stockErr.Message)
		}
	}
	return err
}

// emit publishes a stock change event; publish failures are logged and never
// interrupt the primary mutation.
func (s *stockService) emit(ctx context.Context, eventType string, cmd StockAdjustCommand, level StockLevel, deltaOnHand, deltaReserved int) {
	if s.events == nil {
		return
	}
	event := StockEvent{
		Type:          eventType,
		ProductID:     level.ProductID,
		UserRef:       strings.TrimSpace(cmd.UserRef),
		OrderRef:      strings.TrimSpace(cmd.OrderRef),
		DeltaOnHand:   deltaOnHand,
		DeltaReserved: deltaReserved,
		OnHand:        level.OnHand,
		Reserved:      level.Reserved,
		OccurredAt:    level.UpdatedAt,
	}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		event.Metadata = map[string]any{"reason": reason}
	}
	if err := s.events.PublishStockEvent(ctx, event); err != nil {
		s.logger(ctx, "stock_event_publish_failed", map[string]any{"error": err.Error(), "type": eventType, "productId": level.ProductID})
	}
}

func validateAdjust(cmd StockAdjustCommand) (string, int, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return "", 0, fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return "", 0, fmt.Errorf("%w: quantity must be positive", ErrStockInvalidInput)
	}
	return productID, cmd.Quantity, nil
}
