package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/repositories"
)

type stubActivityLogRepository struct {
	appendFn       func(context.Context, domain.ActivityLogEntry) error
	countUserFn    func(context.Context, string, []domain.ActivityAction, time.Time, time.Time) (int, error)
	countProductFn func(context.Context, string, string, []domain.ActivityAction, time.Time, time.Time) (int, error)
	listFn         func(context.Context, string, domain.Pagination) (domain.CursorPage[domain.ActivityLogEntry], error)
	appended       []domain.ActivityLogEntry
}

func (s *stubActivityLogRepository) Append(ctx context.Context, entry domain.ActivityLogEntry) error {
	s.appended = append(s.appended, entry)
	if s.appendFn != nil {
		return s.appendFn(ctx, entry)
	}
	return nil
}

func (s *stubActivityLogRepository) CountByUserBetween(ctx context.Context, userID string, actions []domain.ActivityAction, from, to time.Time) (int, error) {
	if s.countUserFn != nil {
		return s.countUserFn(ctx, userID, actions, from, to)
	}
	return 0, nil
}

func (s *stubActivityLogRepository) CountByProductBetween(ctx context.Context, userID, productID string, actions []domain.ActivityAction, from, to time.Time) (int, error) {
	if s.countProductFn != nil {
		return s.countProductFn(ctx, userID, productID, actions, from, to)
	}
	return 0, nil
}

func (s *stubActivityLogRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.ActivityLogEntry], error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID, pager)
	}
	return domain.CursorPage[domain.ActivityLogEntry]{}, nil
}

var _ repositories.ActivityLogRepository = (*stubActivityLogRepository)(nil)

func TestActivityRecordFillsDefaults(t *testing.T) {
	repo := &stubActivityLogRepository{}
	now := time.Date(2025, 4, 1, 15, 0, 0, 0, time.UTC)
	svc, err := NewActivityLogService(ActivityLogServiceDeps{
		Repository:  repo,
		Clock:       fixedClock(now),
		IDGenerator: func() string { return "act_TEST01" },
	})
	if err != nil {
		t.Fatalf("new activity log service: %v", err)
	}

	if err := svc.Record(context.Background(), ActivityLogRecord{
		UserID:    " admin-1 ",
		ProductID: "p1",
		Action:    domain.ActivityActionUpdate,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if len(repo.appended) != 1 {
		t.Fatalf("expected one appended entry, got %d", len(repo.appended))
	}
	entry := repo.appended[0]
	if entry.ID != "act_TEST01" {
		t.Fatalf("unexpected id %s", entry.ID)
	}
	if entry.UserID != "admin-1" {
		t.Fatalf("expected trimmed user id, got %q", entry.UserID)
	}
	if !entry.CreatedAt.Equal(now) {
		t.Fatalf("expected clock timestamp, got %s", entry.CreatedAt)
	}
}

func TestActivityRecordRejectsUnknownAction(t *testing.T) {
	svc, err := NewActivityLogService(ActivityLogServiceDeps{Repository: &stubActivityLogRepository{}})
	if err != nil {
		t.Fatalf("new activity log service: %v", err)
	}

	err = svc.Record(context.Background(), ActivityLogRecord{
		UserID:    "admin-1",
		ProductID: "p1",
		Action:    "publish",
	})
	if !errors.Is(err, ErrActivityLogInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestActivityCountDeletesUsesDayBounds(t *testing.T) {
	var gotFrom, gotTo time.Time
	var gotActions []domain.ActivityAction
	repo := &stubActivityLogRepository{
		countUserFn: func(_ context.Context, _ string, actions []domain.ActivityAction, from, to time.Time) (int, error) {
			gotActions = actions
			gotFrom, gotTo = from, to
			return 7, nil
		},
	}
	svc, err := NewActivityLogService(ActivityLogServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new activity log service: %v", err)
	}

	at := time.Date(2025, 4, 1, 15, 30, 0, 0, time.UTC)
	count, err := svc.CountDeletesOn(context.Background(), "admin-1", at)
	if err != nil {
		t.Fatalf("count deletes: %v", err)
	}
	if count != 7 {
		t.Fatalf("expected count 7, got %d", count)
	}
	if !gotFrom.Equal(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected day start, got %s", gotFrom)
	}
	if !gotTo.Equal(time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected next day start, got %s", gotTo)
	}
	if len(gotActions) != 2 {
		t.Fatalf("expected single and bulk delete actions, got %v", gotActions)
	}
}

func TestActivityDayBucketsFollowConfiguredTimezone(t *testing.T) {
	var gotFrom, gotTo time.Time
	repo := &stubActivityLogRepository{
		countUserFn: func(_ context.Context, _ string, _ []domain.ActivityAction, from, to time.Time) (int, error) {
			gotFrom, gotTo = from, to
			return 0, nil
		},
	}
	loc := time.FixedZone("UTC+7", 7*3600)
	svc, err := NewActivityLogService(ActivityLogServiceDeps{Repository: repo, Location: loc})
	if err != nil {
		t.Fatalf("new activity log service: %v", err)
	}

	// 20:00 UTC is already the next day at UTC+7.
	at := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)
	if _, err := svc.CountDeletesOn(context.Background(), "admin-1", at); err != nil {
		t.Fatalf("count deletes: %v", err)
	}
	if !gotFrom.Equal(time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected local midnight in UTC, got %s", gotFrom)
	}
	if !gotTo.Equal(time.Date(2025, 3, 11, 17, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected next local midnight in UTC, got %s", gotTo)
	}
}

func TestActivityCountPriceUpdatesRequiresProduct(t *testing.T) {
	svc, err := NewActivityLogService(ActivityLogServiceDeps{Repository: &stubActivityLogRepository{}})
	if err != nil {
		t.Fatalf("new activity log service: %v", err)
	}

	_, err = svc.CountPriceUpdatesOn(context.Background(), "admin-1", "  ", time.Now())
	if !errors.Is(err, ErrActivityLogInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestActivityRecordPropagatesAppendFailure(t *testing.T) {
	repo := &stubActivityLogRepository{
		appendFn: func(context.Context, domain.ActivityLogEntry) error {
			return errors.New("firestore write failed")
		},
	}
	svc, err := NewActivityLogService(ActivityLogServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new activity log service: %v", err)
	}

	err = svc.Record(context.Background(), ActivityLogRecord{
		UserID:    "admin-1",
		ProductID: "p1",
		Action:    domain.ActivityActionDelete,
	})
	if err == nil || !strings.Contains(err.Error(), "firestore write failed") {
		t.Fatalf("append failures must propagate, got %v", err)
	}
}
