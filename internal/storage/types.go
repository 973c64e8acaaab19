package storage

import (
	"context"
	"errors"
	"time"

	"chanpost/internal/domain"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrTransition is returned when a status change does not match the
	// item's current status (for example marking a pending item sent).
	ErrTransition = errors.New("invalid status transition")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a libpq-style connection string or URL
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only

	// TrackWindow limits the trackable set to posts sent within the window.
	// Zero tracks every post.
	TrackWindow time.Duration
}

// ScheduleStore owns ScheduledItem rows. ClaimDue is the only operation that
// needs mutual exclusion and is a single conditional update.
type ScheduleStore interface {
	CreateItem(ctx context.Context, it domain.ScheduledItem) (domain.ScheduledItem, error)
	GetItem(ctx context.Context, id string) (domain.ScheduledItem, error)
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]domain.ScheduledItem, error)
	SetStatus(ctx context.Context, id string, status domain.Status, now time.Time) error
	// MarkSent moves a sending item to sent and creates its TrackedPost in
	// the same transaction.
	MarkSent(ctx context.Context, id, externalMessageID string, now time.Time) (domain.TrackedPost, error)
	MarkFailed(ctx context.Context, id, reason string, rateLimited bool, now time.Time) error
	// Requeue puts a sending item back to pending after a transient failure
	// and returns the new attempt count.
	Requeue(ctx context.Context, id, reason string, now time.Time) (int, error)
	RequeueStuck(ctx context.Context, maxAge time.Duration, now time.Time) (int, error)
}

// MetricsStore owns TrackedPost rows and the delivery audit log.
type MetricsStore interface {
	GetTrackablePosts(ctx context.Context, now time.Time) ([]domain.TrackedPost, error)
	GetChannelPostsForTracking(ctx context.Context, channelID string) ([]domain.TrackedPost, error)
	// BatchUpdateViews writes all updates in one statement and stamps
	// last_synced_at.
	BatchUpdateViews(ctx context.Context, updates []domain.ViewUpdate, now time.Time) (int, error)
	// MarkSynced stamps last_synced_at for posts whose count did not change.
	MarkSynced(ctx context.Context, postIDs []string, now time.Time) error
	AppendAudit(ctx context.Context, o domain.DeliveryOutcome, now time.Time) error
}

type Store interface {
	ScheduleStore
	MetricsStore
	Ping(ctx context.Context) error
	Close() error
}

func targetGuard(status domain.Status) ([]domain.Status, error) {
	switch status {
	case domain.StatusSending:
		return []domain.Status{domain.StatusPending}, nil
	case domain.StatusSent, domain.StatusPending:
		return []domain.Status{domain.StatusSending}, nil
	case domain.StatusError:
		return []domain.Status{domain.StatusPending, domain.StatusSending}, nil
	default:
		return nil, ErrTransition
	}
}
