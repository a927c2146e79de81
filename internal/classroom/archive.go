package classroom

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	opArchiveNew       = "classroom.archive.new"
	opArchiveList      = "classroom.archive.list"
	opArchiveGet       = "classroom.archive.get"
	opArchiveEdit      = "classroom.archive.edit"
	opArchiveRevisions = "classroom.archive.revisions"
)

var (
	errMissingArchiveStore = errors.New("archive store is required")
	errMissingEntryID      = errors.New("archive entry id is required")
	errMissingEditor       = errors.New("editor identity is required")
)

// ArchiveStore is the durable-store surface the archive service needs.
type ArchiveStore interface {
	ListArchiveEntries(ctx context.Context, subject Subject) ([]ArchiveEntry, error)
	GetArchiveEntry(ctx context.Context, entryID string) (ArchiveEntry, error)
	UpdateArchiveEntry(ctx context.Context, entryID, content string, revision NoteRevision) error
	ListRevisions(ctx context.Context, entryID string) ([]NoteRevision, error)
}

// ArchiveConfig assembles an ArchiveService.
type ArchiveConfig struct {
	Store      ArchiveStore
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// ArchiveService browses past-class transcripts and supports post-hoc edits
// with an append-only revision trail. Single-editor synchronous CRUD; none of
// the live-session merge rules apply here.
type ArchiveService struct {
	store      ArchiveStore
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewArchiveService validates the configuration and returns the service.
func NewArchiveService(cfg ArchiveConfig) (*ArchiveService, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opArchiveNew, "missing_store", errMissingArchiveStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opArchiveNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ArchiveService{
		store:      cfg.Store,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// List returns a subject's archive entries, most recent class first.
func (s *ArchiveService) List(ctx context.Context, subject Subject) ([]ArchiveEntry, error) {
	if subject == "" {
		return nil, newServiceError(opArchiveList, "missing_subject", errMissingSubject)
	}
	entries, err := s.store.ListArchiveEntries(ctx, subject)
	if err != nil {
		s.logError(opArchiveList, "query_failed", err)
		return nil, newServiceError(opArchiveList, "query_failed", err)
	}
	return entries, nil
}

// Get fetches one entry with its content. Listing omits content; the view
// fetches it lazily on expand.
func (s *ArchiveService) Get(ctx context.Context, entryID string) (ArchiveEntry, error) {
	if entryID == "" {
		return ArchiveEntry{}, newServiceError(opArchiveGet, "missing_entry_id", errMissingEntryID)
	}
	entry, err := s.store.GetArchiveEntry(ctx, entryID)
	if err != nil {
		s.logError(opArchiveGet, "query_failed", err)
		return ArchiveEntry{}, newServiceError(opArchiveGet, "query_failed", err)
	}
	return entry, nil
}

// Edit overwrites an entry's content and appends a revision capturing the
// previous and new content, the editor, and the edit time.
func (s *ArchiveService) Edit(ctx context.Context, entryID, content, editedBy string) (NoteRevision, error) {
	if entryID == "" {
		return NoteRevision{}, newServiceError(opArchiveEdit, "missing_entry_id", errMissingEntryID)
	}
	if editedBy == "" {
		return NoteRevision{}, newServiceError(opArchiveEdit, "missing_editor", errMissingEditor)
	}

	existing, err := s.store.GetArchiveEntry(ctx, entryID)
	if err != nil {
		s.logError(opArchiveEdit, "entry_load_failed", err)
		return NoteRevision{}, newServiceError(opArchiveEdit, "entry_load_failed", err)
	}

	revisionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opArchiveEdit, "id_generation_failed", err)
		return NoteRevision{}, newServiceError(opArchiveEdit, "id_generation_failed", err)
	}

	revision := NoteRevision{
		ID:              revisionID,
		ArchiveID:       entryID,
		PreviousContent: existing.Content,
		NewContent:      content,
		EditedBy:        editedBy,
		EditedAtMillis:  s.clock().UnixMilli(),
	}
	if err := s.store.UpdateArchiveEntry(ctx, entryID, content, revision); err != nil {
		s.logError(opArchiveEdit, "update_failed", err)
		return NoteRevision{}, newServiceError(opArchiveEdit, "update_failed", err)
	}
	return revision, nil
}

// Revisions lists an entry's edit history, newest first.
func (s *ArchiveService) Revisions(ctx context.Context, entryID string) ([]NoteRevision, error) {
	if entryID == "" {
		return nil, newServiceError(opArchiveRevisions, "missing_entry_id", errMissingEntryID)
	}
	revisions, err := s.store.ListRevisions(ctx, entryID)
	if err != nil {
		s.logError(opArchiveRevisions, "query_failed", err)
		return nil, newServiceError(opArchiveRevisions, "query_failed", err)
	}
	return revisions, nil
}

func (s *ArchiveService) logError(operation, reason string, err error) {
	s.logger.Error("archive service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
}
