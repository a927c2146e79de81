package classroom

import (
	"errors"
	"fmt"
)

// ChangeKind enumerates row-change event kinds delivered by the durable
// store's change feed.
type ChangeKind string

const (
	ChangeKindInsert ChangeKind = "insert"
	ChangeKindUpdate ChangeKind = "update"
	ChangeKindDelete ChangeKind = "delete"
)

// ErrMalformedChange indicates a row-change event whose payload does not
// match its kind.
var ErrMalformedChange = errors.New("classroom: malformed change event")

// NotesChange is a tagged row-change event for the notes_documents table.
// Insert and Update carry After; Delete carries Before. Anything else is
// rejected rather than trusted.
type NotesChange struct {
	Kind   ChangeKind
	Before *NotesDocument
	After  *NotesDocument
}

// Row returns the relevant side of the change, mirroring how the durable
// store reports the new row for upserts and the old row for deletes.
func (c NotesChange) Row() (*NotesDocument, error) {
	if err := validateKindShape(c.Kind, c.Before != nil, c.After != nil); err != nil {
		return nil, err
	}
	if c.After != nil {
		return c.After, nil
	}
	return c.Before, nil
}

// SessionChange is a tagged row-change event for the class_sessions table.
type SessionChange struct {
	Kind   ChangeKind
	Before *ClassSession
	After  *ClassSession
}

// Row returns the relevant side of the change.
func (c SessionChange) Row() (*ClassSession, error) {
	if err := validateKindShape(c.Kind, c.Before != nil, c.After != nil); err != nil {
		return nil, err
	}
	if c.After != nil {
		return c.After, nil
	}
	return c.Before, nil
}

func validateKindShape(kind ChangeKind, hasBefore, hasAfter bool) error {
	switch kind {
	case ChangeKindInsert, ChangeKindUpdate:
		if !hasAfter {
			return fmt.Errorf("%w: %s without after row", ErrMalformedChange, kind)
		}
	case ChangeKindDelete:
		if !hasBefore {
			return fmt.Errorf("%w: delete without before row", ErrMalformedChange)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedChange, kind)
	}
	return nil
}
