package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/bookhaven/api/internal/domain"
	"github.com/bookhaven/api/internal/repositories"
)

var (
	// ErrActivityLogInvalidInput indicates a malformed activity record or query.
	ErrActivityLogInvalidInput = errors.New("activity log: invalid input")
)

// ActivityLogServiceDeps bundles constructor inputs for the activity log service.
type ActivityLogServiceDeps struct {
	Repository repositories.ActivityLogRepository
	Clock      func() time.Time
	// Location fixes the timezone used for day bucketing; defaults to UTC.
	Location    *time.Location
	IDGenerator func() string
}

type activityLogService struct {
	repo  repositories.ActivityLogRepository
	clock func() time.Time
	loc   *time.Location
	newID func() string
}

// NewActivityLogService creates the append-only activity writer backing the
// daily moderation rate limits.
func NewActivityLogService(deps ActivityLogServiceDeps) (ActivityLogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("activity log service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return "act_" + ulid.Make().String() }
	}

	return &activityLogService{
		repo:  deps.Repository,
		clock: func() time.Time { return clock().UTC() },
		loc:   loc,
		newID: newID,
	}, nil
}

// Record appends one immutable entry. Failures propagate: a mutation that
// counts toward a daily limit must never be applied without its log entry,
// otherwise the next limit check would undercount.
func (s *activityLogService) Record(ctx context.Context, record ActivityLogRecord) error {
	userID := strings.TrimSpace(record.UserID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrActivityLogInvalidInput)
	}
	productID := strings.TrimSpace(record.ProductID)
	if productID == "" {
		return fmt.Errorf("%w: product id is required", ErrActivityLogInvalidInput)
	}
	if !isKnownActivityAction(record.Action) {
		return fmt.Errorf("%w: unknown action %q", ErrActivityLogInvalidInput, record.Action)
	}

	occurred := record.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock()
	} else {
		occurred = occurred.UTC()
	}

	entry := domain.ActivityLogEntry{
		ID:        s.newID(),
		UserID:    userID,
		ProductID: productID,
		Action:    record.Action,
		CreatedAt: occurred,
	}
	return s.repo.Append(ctx, entry)
}

// CountDeletesOn counts single and bulk deletes for a user within the day
// containing the given instant.
func (s *activityLogService) CountDeletesOn(ctx context.Context, userID string, day time.Time) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrActivityLogInvalidInput)
	}
	from, to := s.dayBounds(day)
	actions := []domain.ActivityAction{domain.ActivityActionDelete, domain.ActivityActionBulkDelete}
	return s.repo.CountByUserBetween(ctx, userID, actions, from, to)
}

// CountPriceUpdatesOn counts a user's price changes to one product within the
// day containing the given instant.
func (s *activityLogService) CountPriceUpdatesOn(ctx context.Context, userID, productID string, day time.Time) (int, error) {
	userID = strings.TrimSpace(userID)
	productID = strings.TrimSpace(productID)
	if userID == "" || productID == "" {
		return 0, fmt.Errorf("%w: user and product ids are required", ErrActivityLogInvalidInput)
	}
	from, to := s.dayBounds(day)
	actions := []domain.ActivityAction{domain.ActivityActionUpdatePrice}
	return s.repo.CountByProductBetween(ctx, userID, productID, actions, from, to)
}

// History lists a user's activity entries newest first.
func (s *activityLogService) History(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[ActivityLogEntry], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[ActivityLogEntry]{}, fmt.Errorf("%w: user id is required", ErrActivityLogInvalidInput)
	}
	return s.repo.ListByUser(ctx, userID, pager)
}

// dayBounds returns the [start, next-day-start) window around the given
// instant in the configured timezone.
func (s *activityLogService) dayBounds(at time.Time) (time.Time, time.Time) {
	local := at.In(s.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

func isKnownActivityAction(action ActivityAction) bool {
	switch action {
	case domain.ActivityActionCreate,
		domain.ActivityActionUpdate,
		domain.ActivityActionUpdatePrice,
		domain.ActivityActionDelete,
		domain.ActivityActionBulkDelete:
		return true
	default:
		return false
	}
}
