// Package store persists session, notes, and archive records and emits
// row-change notifications for every successful write.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/practicehall/lessonroom/internal/classroom"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrEntryNotFound indicates an archive entry id with no matching row.
	ErrEntryNotFound = errors.New("store: archive entry not found")
	noOpLogger       = zap.NewNop()
)

// Config assembles a Store.
type Config struct {
	Database *gorm.DB
	Feed     *Feed
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the gorm-backed durable store. Writes that touch subscribed
// tables publish a typed change event on the feed after they commit.
type Store struct {
	db     *gorm.DB
	feed   *Feed
	clock  func() time.Time
	logger *zap.Logger
}

// New validates the configuration and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	feed := cfg.Feed
	if feed == nil {
		feed = NewFeed()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, feed: feed, clock: clock, logger: logger}, nil
}

// Feed exposes the change feed for subscribers.
func (s *Store) Feed() *Feed {
	return s.feed
}

// LoadNotes returns the current notes content for a subject. A subject with
// no row yet reads as the implicit empty document.
func (s *Store) LoadNotes(ctx context.Context, subject classroom.Subject) (string, error) {
	var doc classroom.NotesDocument
	err := s.db.WithContext(ctx).
		Where("subject = ?", subject.String()).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return doc.Content, nil
}

// SaveNotes upserts the subject's current document and publishes the row
// change.
func (s *Store) SaveNotes(ctx context.Context, subject classroom.Subject, content string) error {
	before, hadRow, err := s.loadNotesRow(ctx, subject)
	if err != nil {
		return err
	}

	after := classroom.NotesDocument{
		Subject:         subject.String(),
		Content:         content,
		UpdatedAtMillis: s.clock().UnixMilli(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject"}},
			UpdateAll: true,
		}).
		Create(&after).Error
	if err != nil {
		return err
	}

	change := classroom.NotesChange{Kind: classroom.ChangeKindInsert, After: &after}
	if hadRow {
		change.Kind = classroom.ChangeKindUpdate
		change.Before = before
	}
	s.feed.publishNotes(subject.String(), change)
	return nil
}

// LoadSession returns the subject's session state. A subject with no row yet
// reads as inactive.
func (s *Store) LoadSession(ctx context.Context, subject classroom.Subject) (classroom.SessionSnapshot, error) {
	var session classroom.ClassSession
	err := s.db.WithContext(ctx).
		Where("subject = ?", subject.String()).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return classroom.SessionSnapshot{}, nil
	}
	if err != nil {
		return classroom.SessionSnapshot{}, err
	}
	return classroom.SessionSnapshot{
		Active:          session.IsActive,
		StartedAtMillis: session.StartedAtMillis,
		EndedAtMillis:   session.EndedAtMillis,
	}, nil
}

// SaveSession upserts the subject's session row and publishes the row change.
func (s *Store) SaveSession(ctx context.Context, session classroom.ClassSession) error {
	var before classroom.ClassSession
	hadRow := true
	err := s.db.WithContext(ctx).
		Where("subject = ?", session.Subject).
		Take(&before).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		hadRow = false
	} else if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject"}},
			UpdateAll: true,
		}).
		Create(&session).Error
	if err != nil {
		return err
	}

	change := classroom.SessionChange{Kind: classroom.ChangeKindInsert, After: &session}
	if hadRow {
		change.Kind = classroom.ChangeKindUpdate
		change.Before = &before
	}
	s.feed.publishSessions(session.Subject, change)
	return nil
}

// InsertArchiveEntry appends one immutable transcript snapshot.
func (s *Store) InsertArchiveEntry(ctx context.Context, entry classroom.ArchiveEntry) error {
	return s.db.WithContext(ctx).Create(&entry).Error
}

// ListArchiveEntries returns a subject's archive, most recent class first.
// Content is omitted; it is fetched per entry on expand.
func (s *Store) ListArchiveEntries(ctx context.Context, subject classroom.Subject) ([]classroom.ArchiveEntry, error) {
	var entries []classroom.ArchiveEntry
	err := s.db.WithContext(ctx).
		Select("entry_id", "subject", "class_started_at_ms", "class_ended_at_ms", "published").
		Where("subject = ?", subject.String()).
		Order("class_started_at_ms DESC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetArchiveEntry fetches one entry including its content.
func (s *Store) GetArchiveEntry(ctx context.Context, entryID string) (classroom.ArchiveEntry, error) {
	var entry classroom.ArchiveEntry
	err := s.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return classroom.ArchiveEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return classroom.ArchiveEntry{}, err
	}
	return entry, nil
}

// UpdateArchiveEntry overwrites an entry's content and appends the revision
// in one transaction, so the history can never disagree with the content.
func (s *Store) UpdateArchiveEntry(ctx context.Context, entryID, content string, revision classroom.NoteRevision) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&classroom.ArchiveEntry{}).
			Where("entry_id = ?", entryID).
			Update("content", content)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrEntryNotFound
		}
		return tx.Create(&revision).Error
	})
}

// ListRevisions returns an entry's edit history, newest first.
func (s *Store) ListRevisions(ctx context.Context, entryID string) ([]classroom.NoteRevision, error) {
	var revisions []classroom.NoteRevision
	err := s.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Order("edited_at_ms DESC").
		Find(&revisions).Error
	if err != nil {
		return nil, err
	}
	return revisions, nil
}

func (s *Store) loadNotesRow(ctx context.Context, subject classroom.Subject) (*classroom.NotesDocument, bool, error) {
	var doc classroom.NotesDocument
	err := s.db.WithContext(ctx).
		Where("subject = ?", subject.String()).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &doc, true, nil
}
