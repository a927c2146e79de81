package classroom

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	opLifecycleNew   = "classroom.lifecycle.new"
	opStartClass     = "classroom.start_class"
	opEndClass       = "classroom.end_class"
)

var (
	errMissingLifecycleStore = errors.New("lifecycle store is required")
	errMissingIDProvider     = errors.New("id provider is required")
)

// IDProvider issues identifiers for archive entries and revisions.
type IDProvider interface {
	NewID() (string, error)
}

// LifecycleStore is the durable-store surface the lifecycle service needs.
type LifecycleStore interface {
	LoadNotes(ctx context.Context, subject Subject) (string, error)
	SaveNotes(ctx context.Context, subject Subject, content string) error
	LoadSession(ctx context.Context, subject Subject) (SessionSnapshot, error)
	SaveSession(ctx context.Context, session ClassSession) error
	InsertArchiveEntry(ctx context.Context, entry ArchiveEntry) error
}

// LifecycleConfig assembles a Lifecycle service.
type LifecycleConfig struct {
	Store      LifecycleStore
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Lifecycle owns the privileged start/end class transitions. It is the only
// writer of session state; callers are expected to be authorized already.
type Lifecycle struct {
	store      LifecycleStore
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewLifecycle validates the configuration and returns the service.
func NewLifecycle(cfg LifecycleConfig) (*Lifecycle, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opLifecycleNew, "missing_store", errMissingLifecycleStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opLifecycleNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Lifecycle{
		store:      cfg.Store,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// StartClass activates the session and clears the notes document. Calling it
// while a class is already active resets the start time and wipes in-progress
// notes; that is deliberate restart behavior, logged rather than guarded.
func (l *Lifecycle) StartClass(ctx context.Context, subject Subject) (SessionSnapshot, error) {
	if subject == "" {
		return SessionSnapshot{}, newServiceError(opStartClass, "missing_subject", errMissingSubject)
	}

	current, err := l.store.LoadSession(ctx, subject)
	if err == nil && current.Active {
		l.logger.Info("class restarted while active",
			zap.String("subject", subject.String()))
	}

	startedAt := l.clock().UnixMilli()
	session := ClassSession{
		Subject:         subject.String(),
		IsActive:        true,
		StartedAtMillis: &startedAt,
		EndedAtMillis:   nil,
	}
	if err := l.store.SaveSession(ctx, session); err != nil {
		l.logError(opStartClass, "session_save_failed", err, subject)
		return SessionSnapshot{}, newServiceError(opStartClass, "session_save_failed", err)
	}
	if err := l.store.SaveNotes(ctx, subject, ""); err != nil {
		l.logError(opStartClass, "notes_clear_failed", err, subject)
		return SessionSnapshot{}, newServiceError(opStartClass, "notes_clear_failed", err)
	}

	return SessionSnapshot{Active: true, StartedAtMillis: &startedAt}, nil
}

// EndResult reports the outcome of EndClass. ArchiveErr is non-nil when the
// transcript could not be archived; the session still ends in that case and
// the content is lost, which the caller must surface.
type EndResult struct {
	ArchiveID  string
	ArchiveErr error
	EndedAt    time.Time
}

// EndClass archives the current notes document, deactivates the session, and
// clears the document. The archive insert is attempted before anything is
// cleared so a failure cannot be compounded by losing the only copy silently.
func (l *Lifecycle) EndClass(ctx context.Context, subject Subject) (EndResult, error) {
	if subject == "" {
		return EndResult{}, newServiceError(opEndClass, "missing_subject", errMissingSubject)
	}

	endedAt := l.clock().UnixMilli()
	result := EndResult{EndedAt: time.UnixMilli(endedAt).UTC()}

	current, err := l.store.LoadSession(ctx, subject)
	if err != nil {
		l.logError(opEndClass, "session_load_failed", err, subject)
		return EndResult{}, newServiceError(opEndClass, "session_load_failed", err)
	}

	startedAt := endedAt
	if current.StartedAtMillis != nil {
		startedAt = *current.StartedAtMillis
	}

	content, err := l.store.LoadNotes(ctx, subject)
	if err != nil {
		l.logError(opEndClass, "notes_load_failed", err, subject)
		return EndResult{}, newServiceError(opEndClass, "notes_load_failed", err)
	}

	entryID, err := l.idProvider.NewID()
	if err != nil {
		l.logError(opEndClass, "id_generation_failed", err, subject)
		return EndResult{}, newServiceError(opEndClass, "id_generation_failed", err)
	}

	entry := ArchiveEntry{
		ID:                   entryID,
		Subject:              subject.String(),
		Content:              content,
		ClassStartedAtMillis: startedAt,
		ClassEndedAtMillis:   endedAt,
	}
	if err := l.store.InsertArchiveEntry(ctx, entry); err != nil {
		// The session still ends; the transcript is lost and the caller is told.
		result.ArchiveErr = newServiceError(opEndClass, "archive_insert_failed", err)
		l.logError(opEndClass, "archive_insert_failed", err, subject)
	} else {
		result.ArchiveID = entryID
	}

	session := ClassSession{
		Subject:         subject.String(),
		IsActive:        false,
		StartedAtMillis: nil,
		EndedAtMillis:   &endedAt,
	}
	if err := l.store.SaveSession(ctx, session); err != nil {
		l.logError(opEndClass, "session_save_failed", err, subject)
		return result, newServiceError(opEndClass, "session_save_failed", err)
	}
	if err := l.store.SaveNotes(ctx, subject, ""); err != nil {
		l.logError(opEndClass, "notes_clear_failed", err, subject)
		return result, newServiceError(opEndClass, "notes_clear_failed", err)
	}

	return result, nil
}

func (l *Lifecycle) logError(operation, reason string, err error, subject Subject) {
	l.logger.Error("lifecycle error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("subject", subject.String()),
		zap.Error(err))
}
