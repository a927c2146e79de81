package classroom

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSubject indicates that a subject identifier is empty or exceeds storage bounds.
	ErrInvalidSubject = errors.New("classroom: invalid subject")
	// ErrInvalidClientID indicates that a per-connection client identity is empty.
	ErrInvalidClientID = errors.New("classroom: invalid client id")
	// ErrSessionInactive indicates a write attempted while no class is active.
	ErrSessionInactive = errors.New("classroom: session inactive")
)

// Subject identifies whose session and notes a record belongs to. It is the
// partition key for the notes document, the session row, the archive, the
// change feed, and the broadcast channel.
type Subject string

// NewSubject validates raw input and returns a Subject.
func NewSubject(rawInput string) (Subject, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSubject)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSubject, maxIdentifierLength)
	}
	return Subject(trimmed), nil
}

// String returns the underlying string identifier.
func (s Subject) String() string {
	return string(s)
}

// ClassSession tracks whether a class is currently in progress for a subject.
// StartedAtMillis is non-nil whenever IsActive is true; the lifecycle service
// enforces this, the row itself cannot.
type ClassSession struct {
	Subject         string `gorm:"column:subject;primaryKey;size:190;not null"`
	IsActive        bool   `gorm:"column:is_active;not null;default:false"`
	StartedAtMillis *int64 `gorm:"column:started_at_ms"`
	EndedAtMillis   *int64 `gorm:"column:ended_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (ClassSession) TableName() string {
	return "class_sessions"
}

// NotesDocument is the single mutable "current" notes record for a subject.
// It is overwritten on every save and reset to empty when a class ends; past
// content lives in the archive, not here.
type NotesDocument struct {
	Subject         string `gorm:"column:subject;primaryKey;size:190;not null"`
	Content         string `gorm:"column:content;type:text;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (NotesDocument) TableName() string {
	return "notes_documents"
}

// ArchiveEntry is the immutable transcript snapshot written once per ended
// class. Content may be hand-edited afterwards; each such edit appends a
// NoteRevision.
type ArchiveEntry struct {
	ID                   string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	Subject              string `gorm:"column:subject;size:190;not null;index:idx_archive_subject_started,priority:1"`
	Content              string `gorm:"column:content;type:text;not null"`
	ClassStartedAtMillis int64  `gorm:"column:class_started_at_ms;not null;index:idx_archive_subject_started,priority:2"`
	ClassEndedAtMillis   int64  `gorm:"column:class_ended_at_ms;not null"`
	Published            bool   `gorm:"column:published;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (ArchiveEntry) TableName() string {
	return "notes_archive"
}

// NoteRevision captures one post-hoc edit of an archived transcript. This is
// provenance tracking, append-only, never merged.
type NoteRevision struct {
	ID              string `gorm:"column:revision_id;primaryKey;size:190;not null"`
	ArchiveID       string `gorm:"column:entry_id;size:190;not null;index:idx_revisions_entry_time,priority:1"`
	PreviousContent string `gorm:"column:previous_content;type:text;not null"`
	NewContent      string `gorm:"column:new_content;type:text;not null"`
	EditedBy        string `gorm:"column:edited_by;size:190;not null"`
	EditedAtMillis  int64  `gorm:"column:edited_at_ms;not null;index:idx_revisions_entry_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRevision) TableName() string {
	return "notes_archive_revisions"
}

// SessionSnapshot is the read-side view of a ClassSession row.
type SessionSnapshot struct {
	Active          bool
	StartedAtMillis *int64
	EndedAtMillis   *int64
}

// NoteBroadcast is the ephemeral fast-path message published on every
// keystroke. SentAtMillis is the ordering token: receivers apply a message
// only when it is strictly newer than anything already seen for the subject.
type NoteBroadcast struct {
	Content      string `json:"content"`
	Sender       string `json:"sender"`
	SentAtMillis int64  `json:"sent_at_ms"`
}

// PresenceState is the payload each connection tracks on the presence channel.
type PresenceState struct {
	Typing bool `json:"typing"`
}
