package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/repositories"
)

type stubStockRepository struct {
	reserveFn   func(context.Context, string, int, time.Time) (domain.StockLevel, error)
	releaseFn   func(context.Context, string, int, time.Time) (domain.StockLevel, error)
	commitFn    func(context.Context, string, int, time.Time) (domain.StockLevel, error)
	restockFn   func(context.Context, string, int, time.Time) (domain.StockLevel, error)
	setOnHandFn func(context.Context, string, int, time.Time) (domain.StockLevel, error)
	getFn       func(context.Context, string) (domain.StockLevel, error)
	listFn      func(context.Context, repositories.LowStockQuery) (domain.CursorPage[domain.StockLevel], error)
}

func (s *stubStockRepository) Reserve(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error) {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, productID, quantity, now)
	}
	return domain.StockLevel{ProductID: productID, Reserved: quantity, UpdatedAt: now}, nil
}

func (s *stubStockRepository) Release(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error) {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, productID, quantity, now)
	}
	return domain.StockLevel{ProductID: productID, UpdatedAt: now}, nil
}

func (s *stubStockRepository) Commit(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error) {
	if s.commitFn != nil {
		return s.commitFn(ctx, productID, quantity, now)
	}
	return domain.StockLevel{ProductID: productID, UpdatedAt: now}, nil
}

func (s *stubStockRepository) Restock(ctx context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error) {
	if s.restockFn != nil {
		return s.restockFn(ctx, productID, quantity, now)
	}
	return domain.StockLevel{ProductID: productID, OnHand: quantity, Available: quantity, UpdatedAt: now}, nil
}

func (s *stubStockRepository) SetOnHand(ctx context.Context, productID string, onHand int, now time.Time) (domain.StockLevel, error) {
	if s.setOnHandFn != nil {
		return s.setOnHandFn(ctx, productID, onHand, now)
	}
	return domain.StockLevel{ProductID: productID, OnHand: onHand, Available: onHand, UpdatedAt: now}, nil
}

func (s *stubStockRepository) Get(ctx context.Context, productID string) (domain.StockLevel, error) {
	if s.getFn != nil {
		return s.getFn(ctx, productID)
	}
	return domain.StockLevel{ProductID: productID}, nil
}

func (s *stubStockRepository) ListLowStock(ctx context.Context, query repositories.LowStockQuery) (domain.CursorPage[domain.StockLevel], error) {
	if s.listFn != nil {
		return s.listFn(ctx, query)
	}
	return domain.CursorPage[domain.StockLevel]{}, nil
}

var _ repositories.StockRepository = (*stubStockRepository)(nil)

type stubStockEventPublisher struct {
	mu     sync.Mutex
	events []StockEvent
	err    error
}

func (s *stubStockEventPublisher) PublishStockEvent(ctx context.Context, event StockEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func newTestStockService(t *testing.T, repo *stubStockRepository, events StockEventPublisher) StockService {
	t.Helper()
	svc, err := NewStockService(StockServiceDeps{
		Stock:  repo,
		Events: events,
		Clock:  fixedClock(time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("new stock service: %v", err)
	}
	return svc
}

func TestStockReservePublishesEvent(t *testing.T) {
	repo := &stubStockRepository{
		reserveFn: func(_ context.Context, productID string, quantity int, now time.Time) (domain.StockLevel, error) {
			return domain.StockLevel{ProductID: productID, OnHand: 10, Reserved: quantity, Available: 10 - quantity, UpdatedAt: now}, nil
		},
	}
	events := &stubStockEventPublisher{}
	svc := newTestStockService(t, repo, events)

	level, err := svc.Reserve(context.Background(), StockAdjustCommand{
		ProductID: "p1",
		Quantity:  3,
		UserRef:   "user-1",
		Reason:    "cart_add",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if level.Available != 7 {
		t.Fatalf("expected available 7, got %d", level.Available)
	}

	if len(events.events) != 1 {
		t.Fatalf("expected one stock event, got %d", len(events.events))
	}
	event := events.events[0]
	if event.Type != "stock.reserve" {
		t.Fatalf("expected stock.reserve event, got %s", event.Type)
	}
	if event.DeltaReserved != 3 || event.DeltaOnHand != 0 {
		t.Fatalf("unexpected deltas %+v", event)
	}
	if event.Metadata["reason"] != "cart_add" {
		t.Fatalf("expected reason metadata, got %+v", event.Metadata)
	}
}

func TestStockCommitEventDeltas(t *testing.T) {
	events := &stubStockEventPublisher{}
	svc := newTestStockService(t, &stubStockRepository{}, events)

	if _, err := svc.Commit(context.Background(), StockAdjustCommand{ProductID: "p1", Quantity: 2}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	event := events.events[0]
	if event.Type != "stock.commit" || event.DeltaOnHand != -2 || event.DeltaReserved != -2 {
		t.Fatalf("unexpected commit event %+v", event)
	}
}

func TestStockPublishFailureDoesNotFailMutation(t *testing.T) {
	events := &stubStockEventPublisher{err: errors.New("pubsub down")}
	svc := newTestStockService(t, &stubStockRepository{}, events)

	if _, err := svc.Restock(context.Background(), StockAdjustCommand{ProductID: "p1", Quantity: 5}); err != nil {
		t.Fatalf("restock must succeed despite publish failure, got %v", err)
	}
}

func TestStockMapsRepositoryErrors(t *testing.T) {
	cases := []struct {
		name string
		code repositories.StockErrorCode
		want error
	}{
		{name: "insufficient", code: repositories.StockErrorInsufficient, want: ErrStockInsufficient},
		{name: "not found", code: repositories.StockErrorNotFound, want: ErrStockNotFound},
		{name: "invalid quantity", code: repositories.StockErrorInvalidQuantity, want: ErrStockInvalidInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubStockRepository{
				reserveFn: func(context.Context, string, int, time.Time) (domain.StockLevel, error) {
					return domain.StockLevel{}, repositories.NewStockError(tc.code, "boom", nil)
				},
			}
			svc := newTestStockService(t, repo, nil)
			_, err := svc.Reserve(context.Background(), StockAdjustCommand{ProductID: "p1", Quantity: 1})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestStockValidatesAdjustInput(t *testing.T) {
	svc := newTestStockService(t, &stubStockRepository{}, nil)

	if _, err := svc.Reserve(context.Background(), StockAdjustCommand{ProductID: " ", Quantity: 1}); !errors.Is(err, ErrStockInvalidInput) {
		t.Fatalf("expected invalid input for blank product id, got %v", err)
	}
	if _, err := svc.Release(context.Background(), StockAdjustCommand{ProductID: "p1", Quantity: 0}); !errors.Is(err, ErrStockInvalidInput) {
		t.Fatalf("expected invalid input for zero quantity, got %v", err)
	}
	if _, err := svc.SetOnHand(context.Background(), "p1", -1); !errors.Is(err, ErrStockInvalidInput) {
		t.Fatalf("expected invalid input for negative on-hand, got %v", err)
	}
}

func TestStockListLowStockPassesQuery(t *testing.T) {
	var captured repositories.LowStockQuery
	repo := &stubStockRepository{
		listFn: func(_ context.Context, query repositories.LowStockQuery) (domain.CursorPage[domain.StockLevel], error) {
			captured = query
			return domain.CursorPage[domain.StockLevel]{Items: []domain.StockLevel{{ProductID: "p1", OnHand: 2}}}, nil
		},
	}
	svc := newTestStockService(t, repo, nil)

	page, err := svc.ListLowStock(context.Background(), LowStockFilter{
		Threshold:  5,
		Pagination: Pagination{PageSize: 20, PageToken: "tok"},
	})
	if err != nil {
		t.Fatalf("list low stock: %v", err)
	}
	if captured.Threshold != 5 || captured.PageSize != 20 || captured.PageToken != "tok" {
		t.Fatalf("query not forwarded: %+v", captured)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected one row, got %d", len(page.Items))
	}
}
