package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/practicehall/lessonroom/internal/auth"
	"github.com/practicehall/lessonroom/internal/classroom"
	"github.com/practicehall/lessonroom/internal/database"
	"github.com/practicehall/lessonroom/internal/identity"
	"github.com/practicehall/lessonroom/internal/store"
)

type testEnv struct {
	handler http.Handler
	tokens  *auth.TokenManager
	store   *store.Store
}

type fakeRoomProvider struct {
	err error
}

func (p *fakeRoomProvider) JoinURL(_ context.Context, subject classroom.Subject) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "https://rooms.example/" + subject.String() + "?t=tok", nil
}

func newTestEnv(t *testing.T, rooms RoomProvider) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_%s?mode=memory&cache=shared", t.Name())
	db, err := database.OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
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

	tokens := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "lessonroom-auth",
		Audience:      "lessonroom-api",
		TokenTTL:      time.Hour,
	})

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokens,
		Store:        durable,
		Lifecycle:    lifecycle,
		Archive:      archive,
		Rooms:        rooms,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &testEnv{handler: handler, tokens: tokens, store: durable}
}

func (env *testEnv) bearerFor(t *testing.T, userID, role string) string {
	t.Helper()
	token, _, err := env.tokens.IssueToken(context.Background(), userID, role)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return "Bearer " + token
}

func (env *testEnv) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		request.Header.Set("Authorization", bearer)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestRequestsWithoutTokenRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, bearer := range []string{"", "Bearer ", "Basic abc", "Bearer not-a-jwt"} {
		recorder := env.do(t, http.MethodGet, "/session/student-1", bearer, nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("bearer %q: expected 401, got %d", bearer, recorder.Code)
		}
	}
}

func TestStudentsReachOnlyTheirOwnSubject(t *testing.T) {
	env := newTestEnv(t, nil)
	bearer := env.bearerFor(t, "student-1", auth.RoleStudent)

	if recorder := env.do(t, http.MethodGet, "/session/student-1", bearer, nil); recorder.Code != http.StatusOK {
		t.Fatalf("own subject: expected 200, got %d", recorder.Code)
	}
	if recorder := env.do(t, http.MethodGet, "/session/student-2", bearer, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("other subject: expected 403, got %d", recorder.Code)
	}
	if recorder := env.do(t, http.MethodGet, "/notes/student-2", bearer, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("other notes: expected 403, got %d", recorder.Code)
	}
}

func TestAdminsReachAnySubject(t *testing.T) {
	env := newTestEnv(t, nil)
	bearer := env.bearerFor(t, "mentor-1", auth.RoleAdmin)

	for _, path := range []string{"/session/student-1", "/notes/student-2", "/archive/student-3"} {
		if recorder := env.do(t, http.MethodGet, path, bearer, nil); recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, recorder.Code)
		}
	}
}

func TestLifecycleEndpointsRequireAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	bearer := env.bearerFor(t, "student-1", auth.RoleStudent)

	for _, path := range []string{"/session/student-1/start", "/session/student-1/end"} {
		recorder := env.do(t, http.MethodPost, path, bearer, nil)
		if recorder.Code != http.StatusForbidden {
			t.Fatalf("%s: students must not run lifecycle operations, got %d", path, recorder.Code)
		}
	}
}

func TestStartEndClassFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.bearerFor(t, "mentor-1", auth.RoleAdmin)
	student := env.bearerFor(t, "student-1", auth.RoleStudent)
	ctx := context.Background()

	recorder := env.do(t, http.MethodPost, "/session/student-1/start", admin, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload["active"] != true {
		t.Fatalf("start must report an active session, got %+v", payload)
	}

	subject, err := classroom.NewSubject("student-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.store.SaveNotes(ctx, subject, "lesson notes"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recorder = env.do(t, http.MethodPost, "/session/student-1/end", admin, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload = decodeBody(t, recorder)
	if payload["ended"] != true {
		t.Fatalf("end must report ended, got %+v", payload)
	}
	archiveID, _ := payload["archive_id"].(string)
	if archiveID == "" {
		t.Fatalf("end must report the archive id, got %+v", payload)
	}
	if _, present := payload["archive_error"]; present {
		t.Fatalf("no archive error expected, got %+v", payload)
	}

	recorder = env.do(t, http.MethodGet, "/session/student-1", student, nil)
	payload = decodeBody(t, recorder)
	if payload["active"] != false {
		t.Fatalf("session must be inactive after end, got %+v", payload)
	}

	recorder = env.do(t, http.MethodGet, "/notes/student-1", student, nil)
	payload = decodeBody(t, recorder)
	if payload["content"] != "" {
		t.Fatalf("notes must be cleared after end, got %+v", payload)
	}

	recorder = env.do(t, http.MethodGet, "/entries/"+archiveID, student, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("entry fetch: expected 200, got %d", recorder.Code)
	}
	payload = decodeBody(t, recorder)
	if payload["content"] != "lesson notes" {
		t.Fatalf("archive must hold the transcript, got %+v", payload)
	}
}

func TestArchiveListOmitsContent(t *testing.T) {
	env := newTestEnv(t, nil)
	bearer := env.bearerFor(t, "student-1", auth.RoleStudent)
	ctx := context.Background()

	entry := classroom.ArchiveEntry{
		ID:                   "entry-1",
		Subject:              "student-1",
		Content:              "secretly long transcript",
		ClassStartedAtMillis: 1000,
		ClassEndedAtMillis:   2000,
	}
	if err := env.store.InsertArchiveEntry(ctx, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recorder := env.do(t, http.MethodGet, "/archive/student-1", bearer, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	entries, ok := payload["entries"].([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("expected one listed entry, got %+v", payload)
	}
	listed, ok := entries[0].(map[string]any)
	if !ok {
		t.Fatalf("unexpected entry shape %+v", entries[0])
	}
	if _, present := listed["content"]; present {
		t.Fatalf("listing must omit content, got %+v", listed)
	}
}

func TestArchiveEntryAccessFollowsOwner(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	entry := classroom.ArchiveEntry{ID: "entry-1", Subject: "student-1", Content: "transcript"}
	if err := env.store.InsertArchiveEntry(ctx, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other := env.bearerFor(t, "student-2", auth.RoleStudent)
	if recorder := env.do(t, http.MethodGet, "/entries/entry-1", other, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("foreign entry: expected 403, got %d", recorder.Code)
	}

	owner := env.bearerFor(t, "student-1", auth.RoleStudent)
	if recorder := env.do(t, http.MethodGet, "/entries/entry-1", owner, nil); recorder.Code != http.StatusOK {
		t.Fatalf("own entry: expected 200, got %d", recorder.Code)
	}

	if recorder := env.do(t, http.MethodGet, "/entries/entry-404", owner, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("missing entry: expected 404, got %d", recorder.Code)
	}
}

func TestArchiveEditRequiresAdminAndRecordsRevision(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	entry := classroom.ArchiveEntry{ID: "entry-1", Subject: "student-1", Content: "v1"}
	if err := env.store.InsertArchiveEntry(ctx, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	student := env.bearerFor(t, "student-1", auth.RoleStudent)
	recorder := env.do(t, http.MethodPut, "/entries/entry-1", student, archiveEditRequest{Content: "hacked"})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("students must not edit the archive, got %d", recorder.Code)
	}

	admin := env.bearerFor(t, "mentor-1", auth.RoleAdmin)
	recorder = env.do(t, http.MethodPut, "/entries/entry-1", admin, archiveEditRequest{Content: "v2"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("admin edit: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload["revision_id"] == "" {
		t.Fatalf("edit must report the revision id, got %+v", payload)
	}

	recorder = env.do(t, http.MethodGet, "/entries/entry-1/revisions", admin, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("revisions: expected 200, got %d", recorder.Code)
	}
	payload = decodeBody(t, recorder)
	revisions, ok := payload["revisions"].([]any)
	if !ok || len(revisions) != 1 {
		t.Fatalf("expected one revision, got %+v", payload)
	}
	revision, ok := revisions[0].(map[string]any)
	if !ok {
		t.Fatalf("unexpected revision shape %+v", revisions[0])
	}
	if revision["edited_by"] != "mentor-1" {
		t.Fatalf("revision must carry the editing admin, got %+v", revision)
	}
	if revision["previous_content"] != "v1" || revision["new_content"] != "v2" {
		t.Fatalf("revision must carry both contents, got %+v", revision)
	}

	recorder = env.do(t, http.MethodPut, "/entries/entry-404", admin, archiveEditRequest{Content: "v2"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("missing entry edit: expected 404, got %d", recorder.Code)
	}
}

func TestRoomJoinReturnsURL(t *testing.T) {
	env := newTestEnv(t, &fakeRoomProvider{})
	bearer := env.bearerFor(t, "student-1", auth.RoleStudent)

	recorder := env.do(t, http.MethodGet, "/rooms/student-1", bearer, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["join_url"] != "https://rooms.example/student-1?t=tok" {
		t.Fatalf("unexpected join url %+v", payload)
	}
}

func TestRoomJoinProviderFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t, &fakeRoomProvider{err: errors.New("provider down")})
	bearer := env.bearerFor(t, "student-1", auth.RoleStudent)

	recorder := env.do(t, http.MethodGet, "/rooms/student-1", bearer, nil)
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", recorder.Code)
	}
}

func TestRoomJoinWithoutProviderUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	bearer := env.bearerFor(t, "student-1", auth.RoleStudent)

	recorder := env.do(t, http.MethodGet, "/rooms/student-1", bearer, nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}
