package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/practicehall/lessonroom/internal/broadcast"
	"github.com/practicehall/lessonroom/internal/classroom"
	"github.com/practicehall/lessonroom/internal/database"
	"github.com/practicehall/lessonroom/internal/identity"
	"github.com/practicehall/lessonroom/internal/store"
	"github.com/redis/go-redis/v9"
)

type fixture struct {
	store     *store.Store
	hub       *broadcast.Hub
	lifecycle *classroom.Lifecycle
	archive   *classroom.ArchiveService
	subject   classroom.Subject
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:integration_%s?mode=memory&cache=shared", t.Name())
	db, err := database.OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})

	durable, err := store.New(store.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	hub, err := broadcast.NewHubWithClient(client, nil)
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}

	lifecycle, err := classroom.NewLifecycle(classroom.LifecycleConfig{
		Store:      durable,
		IDProvider: identity.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct lifecycle: %v", err)
	}
	archive, err := classroom.NewArchiveService(classroom.ArchiveConfig{
		Store:      durable,
		IDProvider: identity.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct archive service: %v", err)
	}

	subject, err := classroom.NewSubject("student-1")
	if err != nil {
		t.Fatalf("failed to build subject: %v", err)
	}

	return &fixture{
		store:     durable,
		hub:       hub,
		lifecycle: lifecycle,
		archive:   archive,
		subject:   subject,
	}
}

func (f *fixture) openClient(t *testing.T) *classroom.Client {
	t.Helper()
	ctx := context.Background()
	clientID := identity.NewClientID()

	conn, err := f.hub.Join(ctx, f.subject, clientID)
	if err != nil {
		t.Fatalf("failed to join channel: %v", err)
	}

	client, err := classroom.OpenClient(ctx, classroom.ClientConfig{
		Subject:          f.subject,
		ClientID:         clientID,
		Store:            f.store,
		Feed:             f.store.Feed(),
		Conn:             conn,
		DebounceInterval: 50 * time.Millisecond,
		TypingDecay:      150 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to open client: %v", err)
	}
	t.Cleanup(func() { client.Close(context.Background()) })
	return client
}

func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTwoClientsConvergeDuringClass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.lifecycle.StartClass(ctx, f.subject); err != nil {
		t.Fatalf("failed to start class: %v", err)
	}

	alpha := f.openClient(t)
	beta := f.openClient(t)

	if !alpha.Editable() || !beta.Editable() {
		t.Fatalf("both clients must see the active session at mount")
	}

	if err := alpha.LocalEdit(ctx, "Scale practice at 90 bpm"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alpha.CurrentText() != "Scale practice at 90 bpm" {
		t.Fatalf("editor must see its keystroke immediately")
	}

	waitUntil(t, "peer to converge on the broadcast", func() bool {
		return beta.CurrentText() == "Scale practice at 90 bpm"
	})
	waitUntil(t, "debounced persist to land", func() bool {
		content, err := f.store.LoadNotes(ctx, f.subject)
		return err == nil && content == "Scale practice at 90 bpm"
	})
	waitUntil(t, "save status to settle", func() bool {
		return alpha.SaveStatus() == classroom.SaveStatusSaved
	})
}

func TestTypingPresencePropagatesAndDecays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.lifecycle.StartClass(ctx, f.subject); err != nil {
		t.Fatalf("failed to start class: %v", err)
	}

	alpha := f.openClient(t)
	beta := f.openClient(t)

	if err := alpha.LocalEdit(ctx, "warmup"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitUntil(t, "peer to see the typing flag", func() bool {
		return beta.PeersTyping() == 1
	})
	waitUntil(t, "typing flag to decay", func() bool {
		return beta.PeersTyping() == 0
	})
}

func TestEndClassArchivesAndLocksEditing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.lifecycle.StartClass(ctx, f.subject); err != nil {
		t.Fatalf("failed to start class: %v", err)
	}

	alpha := f.openClient(t)

	if err := alpha.LocalEdit(ctx, "final transcript"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitUntil(t, "debounced persist to land", func() bool {
		content, err := f.store.LoadNotes(ctx, f.subject)
		return err == nil && content == "final transcript"
	})

	result, err := f.lifecycle.EndClass(ctx, f.subject)
	if err != nil {
		t.Fatalf("failed to end class: %v", err)
	}
	if result.ArchiveErr != nil {
		t.Fatalf("unexpected archive error: %v", result.ArchiveErr)
	}

	entry, err := f.archive.Get(ctx, result.ArchiveID)
	if err != nil {
		t.Fatalf("failed to load archive entry: %v", err)
	}
	if entry.Content != "final transcript" {
		t.Fatalf("archive must hold the transcript, got %q", entry.Content)
	}

	content, err := f.store.LoadNotes(ctx, f.subject)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "" {
		t.Fatalf("notes must be cleared after end, got %q", content)
	}

	waitUntil(t, "client to see the session end", func() bool {
		return !alpha.Editable()
	})
	if err := alpha.LocalEdit(ctx, "too late"); !errors.Is(err, classroom.ErrSessionInactive) {
		t.Fatalf("edits after end must be rejected, got %v", err)
	}
	waitUntil(t, "client document to clear", func() bool {
		return alpha.CurrentText() == ""
	})
}

func TestRestartWipesInProgressNotesEverywhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.lifecycle.StartClass(ctx, f.subject); err != nil {
		t.Fatalf("failed to start class: %v", err)
	}

	alpha := f.openClient(t)
	if err := alpha.LocalEdit(ctx, "half-finished"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitUntil(t, "debounced persist to land", func() bool {
		content, err := f.store.LoadNotes(ctx, f.subject)
		return err == nil && content == "half-finished"
	})

	if _, err := f.lifecycle.StartClass(ctx, f.subject); err != nil {
		t.Fatalf("restart must not error: %v", err)
	}

	waitUntil(t, "client document to reset", func() bool {
		return alpha.CurrentText() == ""
	})
	if !alpha.Editable() {
		t.Fatalf("restarted session must stay editable")
	}
}
