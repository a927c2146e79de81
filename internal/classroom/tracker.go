package classroom

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	opTrackerNew    = "classroom.tracker.new"
	opTrackerLoad   = "classroom.tracker.load"
	opTrackerChange = "classroom.tracker.change"
)

var errMissingSessionReader = errors.New("session reader is required")

// SessionReader is the durable-store read surface the tracker needs.
type SessionReader interface {
	LoadSession(ctx context.Context, subject Subject) (SessionSnapshot, error)
}

// TrackerConfig assembles a SessionTracker.
type TrackerConfig struct {
	Subject Subject
	Reader  SessionReader
	Logger  *zap.Logger
}

// SessionTracker caches whether a class is active for one subject. It is
// read-only: all writes originate from the lifecycle service and arrive here
// as row-change notifications.
type SessionTracker struct {
	subject Subject
	reader  SessionReader
	logger  *zap.Logger

	mu      sync.RWMutex
	active  bool
	started *int64
	ended   *int64
}

// NewSessionTracker validates the configuration and returns a tracker with
// inactive default state.
func NewSessionTracker(cfg TrackerConfig) (*SessionTracker, error) {
	if cfg.Subject == "" {
		return nil, newServiceError(opTrackerNew, "missing_subject", errMissingSubject)
	}
	if cfg.Reader == nil {
		return nil, newServiceError(opTrackerNew, "missing_reader", errMissingSessionReader)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SessionTracker{
		subject: cfg.Subject,
		reader:  cfg.Reader,
		logger:  logger,
	}, nil
}

// Refresh fetches the current session state once. A read failure leaves the
// cached state at its default and is logged; there is no retry.
func (t *SessionTracker) Refresh(ctx context.Context) {
	snapshot, err := t.reader.LoadSession(ctx, t.subject)
	if err != nil {
		t.logger.Error("session state load failed",
			zap.String("operation", opTrackerLoad),
			zap.String("subject", t.subject.String()),
			zap.Error(err))
		return
	}
	t.mu.Lock()
	t.active = snapshot.Active
	t.started = snapshot.StartedAtMillis
	t.ended = snapshot.EndedAtMillis
	t.mu.Unlock()
}

// ApplyChange folds a class_sessions row-change notification into the cache.
// Fields update only when they differ from the cached value.
func (t *SessionTracker) ApplyChange(change SessionChange) {
	row, err := change.Row()
	if err != nil {
		t.logger.Error("session change rejected",
			zap.String("operation", opTrackerChange),
			zap.String("reason", "malformed_event"),
			zap.String("subject", t.subject.String()),
			zap.Error(err))
		return
	}

	active := row.IsActive
	started := row.StartedAtMillis
	ended := row.EndedAtMillis
	if change.Kind == ChangeKindDelete {
		active = false
		started = nil
		ended = nil
	}

	t.mu.Lock()
	if t.active != active {
		t.active = active
	}
	if !millisEqual(t.started, started) {
		t.started = started
	}
	if !millisEqual(t.ended, ended) {
		t.ended = ended
	}
	t.mu.Unlock()
}

// Active reports whether a class is currently in session.
func (t *SessionTracker) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// StartedAt returns the class start time, or zero time when no class is
// active.
func (t *SessionTracker) StartedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.started == nil {
		return time.Time{}
	}
	return time.UnixMilli(*t.started).UTC()
}

// Snapshot returns the cached state.
func (t *SessionTracker) Snapshot() SessionSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return SessionSnapshot{
		Active:          t.active,
		StartedAtMillis: copyMillis(t.started),
		EndedAtMillis:   copyMillis(t.ended),
	}
}

func millisEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func copyMillis(value *int64) *int64 {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
