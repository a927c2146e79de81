package classroom

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	opClientOpen = "classroom.client.open"
)

var (
	errMissingClientStore = errors.New("client store is required")
	errMissingChangeFeed  = errors.New("change feed is required")
	errMissingEphemeral   = errors.New("ephemeral connection is required")
)

// ClientStore is the durable-store surface one connected client needs.
type ClientStore interface {
	LoadNotes(ctx context.Context, subject Subject) (string, error)
	SaveNotes(ctx context.Context, subject Subject, content string) error
	LoadSession(ctx context.Context, subject Subject) (SessionSnapshot, error)
}

// ChangeFeed delivers durable-store row-change notifications scoped to a
// subject. Cancelling the returned func stops delivery; no event arrives
// afterwards.
type ChangeFeed interface {
	SubscribeNotes(ctx context.Context, subject Subject) (<-chan NotesChange, func())
	SubscribeSessions(ctx context.Context, subject Subject) (<-chan SessionChange, func())
}

// EphemeralConn is one connection to the per-subject broadcast and presence
// channel.
type EphemeralConn interface {
	PublishNote(ctx context.Context, message NoteBroadcast) error
	Track(ctx context.Context, state PresenceState) error
	Notes() <-chan NoteBroadcast
	PresenceSync() <-chan map[string]PresenceState
	Leave(ctx context.Context) error
}

// ClientConfig assembles a Client.
type ClientConfig struct {
	Subject            Subject
	ClientID           string
	Store              ClientStore
	Feed               ChangeFeed
	Conn               EphemeralConn
	Clock              func() time.Time
	Logger             *zap.Logger
	DebounceInterval   time.Duration
	PersistGraceWindow time.Duration
	TypingDecay        time.Duration
}

// Client is one participant's live view of a subject's session: the session
// tracker, the notes engine, and the typing aggregator wired to the durable
// change feed and the ephemeral channel. It mirrors what a connected editor
// does at mount time and tears everything down on Close.
type Client struct {
	subject Subject
	tracker *SessionTracker
	engine  *NotesEngine
	typing  *TypingAggregator
	conn    EphemeralConn
	logger  *zap.Logger

	cancel       context.CancelFunc
	unsubNotes   func()
	unsubSession func()
	done         chan struct{}
}

// OpenClient performs the mount sequence: fetch current state once, seed the
// engine, join presence, then subscribe to the three live channels.
func OpenClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Subject == "" {
		return nil, newServiceError(opClientOpen, "missing_subject", errMissingSubject)
	}
	if cfg.ClientID == "" {
		return nil, newServiceError(opClientOpen, "missing_client_id", errMissingClientID)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opClientOpen, "missing_store", errMissingClientStore)
	}
	if cfg.Feed == nil {
		return nil, newServiceError(opClientOpen, "missing_feed", errMissingChangeFeed)
	}
	if cfg.Conn == nil {
		return nil, newServiceError(opClientOpen, "missing_conn", errMissingEphemeral)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	tracker, err := NewSessionTracker(TrackerConfig{
		Subject: cfg.Subject,
		Reader:  cfg.Store,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	tracker.Refresh(ctx)

	engine, err := NewNotesEngine(EngineConfig{
		Subject:            cfg.Subject,
		ClientID:           cfg.ClientID,
		Persister:          cfg.Store,
		Publisher:          cfg.Conn,
		ActiveFn:           tracker.Active,
		Clock:              cfg.Clock,
		Logger:             logger,
		DebounceInterval:   cfg.DebounceInterval,
		PersistGraceWindow: cfg.PersistGraceWindow,
	})
	if err != nil {
		return nil, err
	}

	content, err := cfg.Store.LoadNotes(ctx, cfg.Subject)
	if err != nil {
		// Mount-time read failure leaves the document empty; no retry.
		logger.Error("initial notes load failed",
			zap.String("operation", opClientOpen),
			zap.String("subject", cfg.Subject.String()),
			zap.Error(err))
	} else {
		engine.Seed(content)
	}

	typing, err := NewTypingAggregator(TypingConfig{
		ClientID: cfg.ClientID,
		Tracker:  cfg.Conn,
		Logger:   logger,
		Decay:    cfg.TypingDecay,
	})
	if err != nil {
		return nil, err
	}
	if err := typing.Join(ctx); err != nil {
		logger.Warn("presence join failed",
			zap.String("subject", cfg.Subject.String()),
			zap.Error(err))
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	notesChanges, unsubNotes := cfg.Feed.SubscribeNotes(pumpCtx, cfg.Subject)
	sessionChanges, unsubSession := cfg.Feed.SubscribeSessions(pumpCtx, cfg.Subject)

	client := &Client{
		subject:      cfg.Subject,
		tracker:      tracker,
		engine:       engine,
		typing:       typing,
		conn:         cfg.Conn,
		logger:       logger,
		cancel:       cancel,
		unsubNotes:   unsubNotes,
		unsubSession: unsubSession,
		done:         make(chan struct{}),
	}
	go client.pump(pumpCtx, notesChanges, sessionChanges)
	return client, nil
}

func (c *Client) pump(ctx context.Context, notesChanges <-chan NotesChange, sessionChanges <-chan SessionChange) {
	defer close(c.done)
	broadcasts := c.conn.Notes()
	presence := c.conn.PresenceSync()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-broadcasts:
			if !ok {
				broadcasts = nil
				continue
			}
			c.engine.ApplyBroadcast(message)
		case change, ok := <-notesChanges:
			if !ok {
				notesChanges = nil
				continue
			}
			c.engine.ApplyStoreChange(change)
		case change, ok := <-sessionChanges:
			if !ok {
				sessionChanges = nil
				continue
			}
			c.tracker.ApplyChange(change)
		case snapshot, ok := <-presence:
			if !ok {
				presence = nil
				continue
			}
			c.typing.ApplySync(snapshot)
		}
	}
}

// LocalEdit applies one keystroke and refreshes this connection's typing flag.
func (c *Client) LocalEdit(ctx context.Context, content string) error {
	if err := c.engine.LocalEdit(ctx, content); err != nil {
		return err
	}
	c.typing.NoteLocalEdit(ctx)
	return nil
}

// CurrentText returns the latest merged content.
func (c *Client) CurrentText() string {
	return c.engine.CurrentText()
}

// SaveStatus returns the durable-path status for display.
func (c *Client) SaveStatus() SaveStatus {
	return c.engine.SaveStatus()
}

// Editable reports whether the document accepts writes right now.
func (c *Client) Editable() bool {
	return c.tracker.Active()
}

// Session returns the cached session state.
func (c *Client) Session() SessionSnapshot {
	return c.tracker.Snapshot()
}

// PeersTyping returns how many other participants are currently typing.
func (c *Client) PeersTyping() int {
	return c.typing.PeersTyping()
}

// Close unsubscribes from all live channels, cancels pending timers, and
// leaves the presence set. Safe to call once.
func (c *Client) Close(ctx context.Context) {
	c.cancel()
	c.unsubNotes()
	c.unsubSession()
	c.engine.Close()
	c.typing.Close()
	if err := c.conn.Leave(ctx); err != nil {
		c.logger.Warn("channel leave failed",
			zap.String("subject", c.subject.String()),
			zap.Error(err))
	}
	<-c.done
}
