package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bookhaven/api/internal/repositories"
)

const (
	jobKindOrderExpirySweep = "orders.expiry_sweep"
	jobKindExpiryWarning    = "orders.expiry_warning"

	jobEventQueued = "job.queued"

	defaultExpiryWarningHours = 2
)

// ErrJobInvalidInput indicates required fields were missing from the job payload.
var ErrJobInvalidInput = errors.New("jobs: invalid input")

// JobMessagePublisher publishes background job messages to the queue.
type JobMessagePublisher interface {
	PublishJob(ctx context.Context, message JobMessage) (string, error)
}

// JobMessage is the payload delivered to background workers via Pub/Sub.
type JobMessage struct {
	JobID       string         `json:"jobId"`
	Kind        string         `json:"kind"`
	QueuedAt    time.Time      `json:"queuedAt"`
	RequestedBy string         `json:"requestedBy,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// BackgroundJobDispatcherDeps enumerates collaborators required to construct the dispatcher.
type BackgroundJobDispatcherDeps struct {
	Publisher   JobMessagePublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type backgroundJobDispatcher struct {
	publisher JobMessagePublisher
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewBackgroundJobDispatcher wires dependencies into a BackgroundJobDispatcher implementation.
func NewBackgroundJobDispatcher(deps BackgroundJobDispatcherDeps) (BackgroundJobDispatcher, error) {
	if deps.Publisher == nil {
		return nil, errors.New("background job dispatcher: publisher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &backgroundJobDispatcher{
		publisher: deps.Publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// EnqueueOrderExpirySweep queues one run of the pending-order expiry sweep.
func (d *backgroundJobDispatcher) EnqueueOrderExpirySweep(ctx context.Context, payload ExpirySweepPayload) error {
	now := d.clock()
	msg := JobMessage{
		JobID:       ensureJobID(d.newID()),
		Kind:        jobKindOrderExpirySweep,
		QueuedAt:    now,
		RequestedBy: strings.TrimSpace(payload.RequestedBy),
	}

	if _, err := d.publisher.PublishJob(ctx, msg); err != nil {
		return fmt.Errorf("publish expiry sweep job: %w", err)
	}

	d.logger(ctx, jobEventQueued, map[string]any{
		"jobId": msg.JobID,
		"kind":  msg.Kind,
	})
	return nil
}

// EnqueueExpiryWarning queues a reminder pass over orders whose payment
// window closes within the given number of hours.
func (d *backgroundJobDispatcher) EnqueueExpiryWarning(ctx context.Context, payload ExpiryWarningPayload) error {
	hours := payload.WithinHours
	if hours < 0 {
		return fmt.Errorf("%w: warning window cannot be negative", ErrJobInvalidInput)
	}
	if hours == 0 {
		hours = defaultExpiryWarningHours
	}

	now := d.clock()
	msg := JobMessage{
		JobID:    ensureJobID(d.newID()),
		Kind:     jobKindExpiryWarning,
		QueuedAt: now,
		Attributes: map[string]any{
			"withinHours": hours,
		},
	}

	if _, err := d.publisher.PublishJob(ctx, msg); err != nil {
		return fmt.Errorf("publish expiry warning job: %w", err)
	}

	d.logger(ctx, jobEventQueued, map[string]any{
		"jobId": msg.JobID,
		"kind":  msg.Kind,
		"hours": hours,
	})
	return nil
}

func ensureJobID(candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		trimmed = ulid.Make().String()
	}
	if strings.HasPrefix(trimmed, "job_") {
		return trimmed
	}
	return "job_" + trimmed
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
