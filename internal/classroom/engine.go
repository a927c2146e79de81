package classroom

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultDebounceInterval   = 500 * time.Millisecond
	defaultPersistGraceWindow = 800 * time.Millisecond

	opEngineNew        = "classroom.engine.new"
	opEnginePersist    = "classroom.engine.persist"
	opEngineFeedChange = "classroom.engine.feed_change"
)

var (
	errMissingSubject   = errors.New("subject is required")
	errMissingClientID  = errors.New("client identity is required")
	errMissingPersister = errors.New("notes persister is required")
	errMissingPublisher = errors.New("note publisher is required")
	noOpLogger          = zap.NewNop()
)

// SaveStatus reflects the durable-path state of the current document.
type SaveStatus string

const (
	SaveStatusIdle   SaveStatus = "idle"
	SaveStatusSaving SaveStatus = "saving"
	SaveStatusSaved  SaveStatus = "saved"
)

// NotesPersister is the durable-store write surface the engine needs.
type NotesPersister interface {
	SaveNotes(ctx context.Context, subject Subject, content string) error
}

// NotePublisher is the ephemeral fast-path write surface the engine needs.
// Implementations are already scoped to the engine's subject.
type NotePublisher interface {
	PublishNote(ctx context.Context, message NoteBroadcast) error
}

// EngineConfig assembles a NotesEngine.
type EngineConfig struct {
	Subject   Subject
	ClientID  string
	Persister NotesPersister
	Publisher NotePublisher
	// ActiveFn reports whether a class is currently in session; writes are
	// gated on it. Nil means always active.
	ActiveFn           func() bool
	Clock              func() time.Time
	Logger             *zap.Logger
	DebounceInterval   time.Duration
	PersistGraceWindow time.Duration
}

// NotesEngine holds the merged current text of one subject's notes document
// and reconciles three edit sources: local keystrokes, peer broadcasts, and
// durable-store change notifications.
//
// The two remote paths use different staleness rules. Broadcasts order by
// sender timestamp against a per-subject high-water mark; store notifications
// are accepted unconditionally unless they land inside a short grace window
// after this client's own persist. The paths are independent and can race;
// the durable side wins once the grace window has passed.
type NotesEngine struct {
	subject   Subject
	clientID  string
	persister NotesPersister
	publisher NotePublisher
	activeFn  func() bool
	clock     func() time.Time
	logger    *zap.Logger
	debounce  time.Duration
	grace     time.Duration

	mu                  sync.Mutex
	text                string
	status              SaveStatus
	highWaterMillis     int64
	lastPersistAtMillis int64
	lastPersistContent  string
	timer               *time.Timer
	closed              bool
}

// NewNotesEngine validates the configuration and returns an engine seeded
// with empty text and an idle save status.
func NewNotesEngine(cfg EngineConfig) (*NotesEngine, error) {
	if cfg.Subject == "" {
		return nil, newServiceError(opEngineNew, "missing_subject", errMissingSubject)
	}
	if cfg.ClientID == "" {
		return nil, newServiceError(opEngineNew, "missing_client_id", errMissingClientID)
	}
	if cfg.Persister == nil {
		return nil, newServiceError(opEngineNew, "missing_persister", errMissingPersister)
	}
	if cfg.Publisher == nil {
		return nil, newServiceError(opEngineNew, "missing_publisher", errMissingPublisher)
	}

	activeFn := cfg.ActiveFn
	if activeFn == nil {
		activeFn = func() bool { return true }
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	debounce := cfg.DebounceInterval
	if debounce <= 0 {
		debounce = defaultDebounceInterval
	}
	grace := cfg.PersistGraceWindow
	if grace <= 0 {
		grace = defaultPersistGraceWindow
	}

	return &NotesEngine{
		subject:   cfg.Subject,
		clientID:  cfg.ClientID,
		persister: cfg.Persister,
		publisher: cfg.Publisher,
		activeFn:  activeFn,
		clock:     clock,
		logger:    logger,
		debounce:  debounce,
		grace:     grace,
		status:    SaveStatusIdle,
	}, nil
}

// CurrentText returns the latest merged content.
func (e *NotesEngine) CurrentText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text
}

// SaveStatus returns the durable-path status for display.
func (e *NotesEngine) SaveStatus() SaveStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Seed installs content loaded from the durable store at mount time without
// broadcasting or persisting it.
func (e *NotesEngine) Seed(content string) {
	e.mu.Lock()
	e.text = content
	e.mu.Unlock()
}

// LocalEdit applies a keystroke. The local text updates synchronously, the
// broadcast goes out best-effort, and the debounced persist timer is re-armed.
// While no class is active the edit is rejected with ErrSessionInactive.
func (e *NotesEngine) LocalEdit(ctx context.Context, content string) error {
	if !e.activeFn() {
		return ErrSessionInactive
	}

	sentAt := e.clock().UnixMilli()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.text = content
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, e.flushDebounced)
	e.mu.Unlock()

	if err := e.publisher.PublishNote(ctx, NoteBroadcast{
		Content:      content,
		Sender:       e.clientID,
		SentAtMillis: sentAt,
	}); err != nil {
		// Fast path is best-effort; the debounced persist still carries the edit.
		e.logger.Warn("note broadcast failed",
			zap.String("subject", e.subject.String()),
			zap.Error(err))
	}
	return nil
}

// ApplyBroadcast merges a fast-path message from a peer. Own echoes are
// dropped, as is anything at or below the high-water send timestamp.
func (e *NotesEngine) ApplyBroadcast(message NoteBroadcast) {
	if message.Sender == e.clientID {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if message.SentAtMillis <= e.highWaterMillis {
		return
	}
	e.highWaterMillis = message.SentAtMillis
	e.text = message.Content
}

// ApplyStoreChange merges a durable-store row-change notification. An event
// that lands inside the grace window after this client's own persist and
// carries the persisted content is an echo and is skipped. Everything else
// overwrites local state, the durable store being authoritative on this path;
// different content inside the window implies another writer.
func (e *NotesEngine) ApplyStoreChange(change NotesChange) {
	row, err := change.Row()
	if err != nil {
		e.logError(opEngineFeedChange, "malformed_event", err)
		return
	}

	content := row.Content
	if change.Kind == ChangeKindDelete {
		content = ""
	}

	now := e.clock().UnixMilli()
	e.mu.Lock()
	defer e.mu.Unlock()
	withinGrace := e.lastPersistAtMillis > 0 && now-e.lastPersistAtMillis < e.grace.Milliseconds()
	if withinGrace && content == e.lastPersistContent {
		return
	}
	e.text = content
}

// Close cancels any pending debounce timer without firing a stale write.
// Further timer fires and edits become no-ops.
func (e *NotesEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *NotesEngine) flushDebounced() {
	e.mu.Lock()
	if e.closed || !e.activeFn() {
		e.mu.Unlock()
		return
	}
	content := e.text
	e.status = SaveStatusSaving
	e.mu.Unlock()

	err := e.persister.SaveNotes(context.Background(), e.subject, content)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		// Local state is preserved; the durable copy stays stale until the
		// next edit re-arms the timer.
		e.status = SaveStatusIdle
		e.logError(opEnginePersist, "save_failed", err,
			zap.String("subject", e.subject.String()))
		return
	}
	e.lastPersistAtMillis = e.clock().UnixMilli()
	e.lastPersistContent = content
	e.status = SaveStatusSaved
}

func (e *NotesEngine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("notes engine error", attrs...)
}
