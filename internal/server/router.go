package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/practicehall/lessonroom/internal/auth"
	"github.com/practicehall/lessonroom/internal/classroom"
	"github.com/practicehall/lessonroom/internal/store"
	"go.uber.org/zap"
)

const principalContextKey = "lessonroom_principal"

var (
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingStore          = errors.New("store dependency required")
	errMissingLifecycle      = errors.New("lifecycle dependency required")
	errMissingArchiveService = errors.New("archive service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator turns a bearer token into a principal.
type TokenValidator interface {
	ValidateToken(token string) (auth.Principal, error)
}

// RoomProvider mints a join URL for a subject's video room.
type RoomProvider interface {
	JoinURL(ctx context.Context, subject classroom.Subject) (string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenManager TokenValidator
	Store        *store.Store
	Lifecycle    *classroom.Lifecycle
	Archive      *classroom.ArchiveService
	Rooms        RoomProvider
	Logger       *zap.Logger
}

// NewHTTPHandler assembles the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Lifecycle == nil {
		return nil, errMissingLifecycle
	}
	if deps.Archive == nil {
		return nil, errMissingArchiveService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		store:     deps.Store,
		lifecycle: deps.Lifecycle,
		archive:   deps.Archive,
		rooms:     deps.Rooms,
		logger:    logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/session/:subject", handler.handleSessionState)
	protected.POST("/session/:subject/start", handler.handleStartClass)
	protected.POST("/session/:subject/end", handler.handleEndClass)
	protected.GET("/notes/:subject", handler.handleNotes)
	protected.GET("/archive/:subject", handler.handleArchiveList)
	protected.GET("/entries/:id", handler.handleArchiveEntry)
	protected.PUT("/entries/:id", handler.handleArchiveEdit)
	protected.GET("/entries/:id/revisions", handler.handleArchiveRevisions)
	protected.GET("/rooms/:subject", handler.handleRoomJoin)

	return router, nil
}

type httpHandler struct {
	tokens    TokenValidator
	store     *store.Store
	lifecycle *classroom.Lifecycle
	archive   *classroom.ArchiveService
	rooms     RoomProvider
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func (h *httpHandler) principal(c *gin.Context) (auth.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}, false
	}
	principal, ok := value.(auth.Principal)
	return principal, ok
}

// subjectParam resolves the :subject route parameter and enforces the access
// rule: students reach only their own subject, admins reach any.
func (h *httpHandler) subjectParam(c *gin.Context) (classroom.Subject, bool) {
	principal, ok := h.principal(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	subject, err := classroom.NewSubject(c.Param("subject"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_subject"})
		return "", false
	}
	if !principal.IsAdmin() && principal.UserID != subject.String() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return "", false
	}
	return subject, true
}

func (h *httpHandler) requireAdmin(c *gin.Context) (auth.Principal, bool) {
	principal, ok := h.principal(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.Principal{}, false
	}
	if !principal.IsAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return auth.Principal{}, false
	}
	return principal, true
}

type sessionStatePayload struct {
	Active          bool   `json:"active"`
	StartedAtMillis *int64 `json:"started_at_ms"`
	EndedAtMillis   *int64 `json:"ended_at_ms"`
}

func (h *httpHandler) handleSessionState(c *gin.Context) {
	subject, ok := h.subjectParam(c)
	if !ok {
		return
	}
	snapshot, err := h.store.LoadSession(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("session state read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_read_failed"})
		return
	}
	c.JSON(http.StatusOK, sessionStatePayload{
		Active:          snapshot.Active,
		StartedAtMillis: snapshot.StartedAtMillis,
		EndedAtMillis:   snapshot.EndedAtMillis,
	})
}

func (h *httpHandler) handleStartClass(c *gin.Context) {
	if _, ok := h.requireAdmin(c); !ok {
		return
	}
	subject, ok := h.subjectParam(c)
	if !ok {
		return
	}
	snapshot, err := h.lifecycle.StartClass(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("start class failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "start_failed"})
		return
	}
	c.JSON(http.StatusOK, sessionStatePayload{
		Active:          snapshot.Active,
		StartedAtMillis: snapshot.StartedAtMillis,
	})
}

type endClassPayload struct {
	Ended        bool   `json:"ended"`
	ArchiveID    string `json:"archive_id,omitempty"`
	ArchiveError string `json:"archive_error,omitempty"`
}

func (h *httpHandler) handleEndClass(c *gin.Context) {
	if _, ok := h.requireAdmin(c); !ok {
		return
	}
	subject, ok := h.subjectParam(c)
	if !ok {
		return
	}
	result, err := h.lifecycle.EndClass(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("end class failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "end_failed"})
		return
	}
	payload := endClassPayload{Ended: true, ArchiveID: result.ArchiveID}
	if result.ArchiveErr != nil {
		// The session ended but the transcript is gone; the caller must see it.
		payload.ArchiveError = result.ArchiveErr.Error()
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleNotes(c *gin.Context) {
	subject, ok := h.subjectParam(c)
	if !ok {
		return
	}
	content, err := h.store.LoadNotes(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("notes read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notes_read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": content})
}

type archiveEntryPayload struct {
	ID                   string `json:"id"`
	ClassStartedAtMillis int64  `json:"class_started_at_ms"`
	ClassEndedAtMillis   int64  `json:"class_ended_at_ms"`
	Published            bool   `json:"published"`
}

func (h *httpHandler) handleArchiveList(c *gin.Context) {
	subject, ok := h.subjectParam(c)
	if !ok {
		return
	}
	entries, err := h.archive.List(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("archive list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive_list_failed"})
		return
	}
	payload := make([]archiveEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, archiveEntryPayload{
			ID:                   entry.ID,
			ClassStartedAtMillis: entry.ClassStartedAtMillis,
			ClassEndedAtMillis:   entry.ClassEndedAtMillis,
			Published:            entry.Published,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

// entryForRequest loads an archive entry and enforces the subject access rule
// against the entry's owner.
func (h *httpHandler) entryForRequest(c *gin.Context) (classroom.ArchiveEntry, bool) {
	principal, ok := h.principal(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return classroom.ArchiveEntry{}, false
	}
	entry, err := h.archive.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return classroom.ArchiveEntry{}, false
		}
		h.logger.Error("archive entry read failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "archive_read_failed"})
		return classroom.ArchiveEntry{}, false
	}
	if !principal.IsAdmin() && principal.UserID != entry.Subject {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return classroom.ArchiveEntry{}, false
	}
	return entry, true
}

func (h *httpHandler) handleArchiveEntry(c *gin.Context) {
	entry, ok := h.entryForRequest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                  entry.ID,
		"content":             entry.Content,
		"class_started_at_ms": entry.ClassStartedAtMillis,
		"class_ended_at_ms":   entry.ClassEndedAtMillis,
		"published":           entry.Published,
	})
}

type archiveEditRequest struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleArchiveEdit(c *gin.Context) {
	principal, ok := h.requireAdmin(c)
	if !ok {
		return
	}
	var request archiveEditRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	revision, err := h.archive.Edit(c.Request.Context(), c.Param("id"), request.Content, principal.UserID)
	if err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("archive edit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive_edit_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"revision_id":  revision.ID,
		"edited_at_ms": revision.EditedAtMillis,
	})
}

type revisionPayload struct {
	ID              string `json:"id"`
	PreviousContent string `json:"previous_content"`
	NewContent      string `json:"new_content"`
	EditedBy        string `json:"edited_by"`
	EditedAtMillis  int64  `json:"edited_at_ms"`
}

func (h *httpHandler) handleArchiveRevisions(c *gin.Context) {
	entry, ok := h.entryForRequest(c)
	if !ok {
		return
	}
	revisions, err := h.archive.Revisions(c.Request.Context(), entry.ID)
	if err != nil {
		h.logger.Error("revision list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revision_list_failed"})
		return
	}
	payload := make([]revisionPayload, 0, len(revisions))
	for _, revision := range revisions {
		payload = append(payload, revisionPayload{
			ID:              revision.ID,
			PreviousContent: revision.PreviousContent,
			NewContent:      revision.NewContent,
			EditedBy:        revision.EditedBy,
			EditedAtMillis:  revision.EditedAtMillis,
		})
	}
	c.JSON(http.StatusOK, gin.H{"revisions": payload})
}

func (h *httpHandler) handleRoomJoin(c *gin.Context) {
	subject, ok := h.subjectParam(c)
	if !ok {
		return
	}
	if h.rooms == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rooms_unavailable"})
		return
	}
	joinURL, err := h.rooms.JoinURL(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("room join failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"join_url": joinURL})
}
