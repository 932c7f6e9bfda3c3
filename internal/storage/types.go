package storage

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/domain"
)

var (
	ErrClosed            = errors.New("storage closed")
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrDuplicate is returned by PutRecord when the key already exists.
	ErrDuplicate = errors.New("record already exists")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default)
//   - "sqlite": Path is required
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Store is the persistence API used by the pipeline, the feed and the ops server.
type Store interface {
	// Ack marks a record processed. notifications and topic_notifications
	// rows are deleted; events rows are kept and stamped as notified.
	// Acking a missing record is not an error.
	Ack(ctx context.Context, c domain.Collection, key string) error

	GetClub(ctx context.Context, id string) (domain.Club, bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	// ClearPushToken clears one user's token. Unknown users are ignored.
	ClearPushToken(ctx context.Context, userID string) error

	// AppendHistory stores e, assigning an ID and SentAt when empty.
	AppendHistory(ctx context.Context, e domain.HistoryEntry) (domain.HistoryEntry, error)
	// RecentHistory returns up to limit entries, newest first.
	RecentHistory(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
	PruneHistory(ctx context.Context, olderThan time.Time) (int64, error)

	// Changes returns created records with Seq > afterSeq in Seq order.
	Changes(ctx context.Context, afterSeq int64, limit int) ([]domain.ChangeEvent, error)
	// LastChangeSeq is the highest Seq in the change log, 0 when empty.
	LastChangeSeq(ctx context.Context) (int64, error)
	// PendingChanges is Changes restricted to records not yet acked.
	PendingChanges(ctx context.Context, afterSeq int64, limit int) ([]domain.ChangeEvent, error)
	PruneChanges(ctx context.Context, olderThan time.Time) (int64, error)
	// Pending lists records of c created before the cutoff and not yet acked.
	Pending(ctx context.Context, c domain.Collection, createdBefore time.Time) ([]domain.ChangeEvent, error)

	// PutRecord creates a record; the change log gets one entry per create.
	PutRecord(ctx context.Context, c domain.Collection, key string, payload map[string]any) error
	PutUser(ctx context.Context, u domain.User) error
	PutClub(ctx context.Context, c domain.Club) error

	Close() error
}
