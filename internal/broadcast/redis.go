// Package broadcast carries the ephemeral fast path between connected
// editors: per-subject note broadcasts and typing presence over Redis
// pub/sub. Nothing here is persisted; a reconnect starts from scratch.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/practicehall/lessonroom/internal/classroom"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	notesChannelPrefix    = "lessonroom:notes:"
	presenceKeyPrefix     = "lessonroom:presence:"
	presenceChannelPrefix = "lessonroom:presence-sync:"

	connBufferSize = 16
	dialTimeout    = 5 * time.Second
)

var errMissingRedisClient = errors.New("broadcast: redis client is required")

// Hub is the shared connection handle to the ephemeral channel provider.
// It is injected into components explicitly and disposed with Close, never
// reached through a package-level singleton.
type Hub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewHub connects to Redis and verifies the connection.
func NewHub(redisURL string, logger *zap.Logger) (*Hub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return newHub(client, logger), nil
}

// NewHubWithClient wraps an existing Redis client.
func NewHubWithClient(client *redis.Client, logger *zap.Logger) (*Hub, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	return newHub(client, logger), nil
}

func newHub(client *redis.Client, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{client: client, logger: logger}
}

// Close disposes the underlying connection.
func (h *Hub) Close() error {
	return h.client.Close()
}

// Join opens one connection to a subject's channel, keyed by the caller's
// per-connection client identity, and announces it on the presence set.
func (h *Hub) Join(ctx context.Context, subject classroom.Subject, clientID string) (*Conn, error) {
	if subject == "" {
		return nil, classroom.ErrInvalidSubject
	}
	if clientID == "" {
		return nil, classroom.ErrInvalidClientID
	}

	conn := &Conn{
		client:          h.client,
		logger:          h.logger,
		clientID:        clientID,
		notesChannel:    notesChannelPrefix + subject.String(),
		presenceKey:     presenceKeyPrefix + subject.String(),
		presenceChannel: presenceChannelPrefix + subject.String(),
		notes:           make(chan classroom.NoteBroadcast, connBufferSize),
		presenceSync:    make(chan map[string]classroom.PresenceState, connBufferSize),
		done:            make(chan struct{}),
	}

	conn.pubsub = h.client.Subscribe(ctx, conn.notesChannel, conn.presenceChannel)
	if _, err := conn.pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	go conn.pump()
	return conn, nil
}

// Conn is one live connection to a subject's broadcast and presence channel.
type Conn struct {
	client          *redis.Client
	logger          *zap.Logger
	clientID        string
	notesChannel    string
	presenceKey     string
	presenceChannel string

	pubsub       *redis.PubSub
	notes        chan classroom.NoteBroadcast
	presenceSync chan map[string]classroom.PresenceState
	done         chan struct{}
}

// PublishNote sends a fast-path note message to every peer on the subject's
// channel, this connection included; receivers drop their own echoes.
func (c *Conn) PublishNote(ctx context.Context, message classroom.NoteBroadcast) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.notesChannel, payload).Err()
}

// Track publishes this connection's presence payload and nudges every peer
// to resync the full snapshot.
func (c *Conn) Track(ctx context.Context, state classroom.PresenceState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := c.client.HSet(ctx, c.presenceKey, c.clientID, payload).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, c.presenceChannel, c.clientID).Err()
}

// Notes delivers peer note broadcasts.
func (c *Conn) Notes() <-chan classroom.NoteBroadcast {
	return c.notes
}

// PresenceSync delivers full presence snapshots, one per sync event.
func (c *Conn) PresenceSync() <-chan map[string]classroom.PresenceState {
	return c.presenceSync
}

// Leave removes this connection's presence entry, notifies peers, and stops
// delivery. No message arrives on Notes or PresenceSync afterwards.
func (c *Conn) Leave(ctx context.Context) error {
	delErr := c.client.HDel(ctx, c.presenceKey, c.clientID).Err()
	pubErr := c.client.Publish(ctx, c.presenceChannel, c.clientID).Err()
	closeErr := c.pubsub.Close()
	<-c.done
	if delErr != nil {
		return delErr
	}
	if pubErr != nil {
		return pubErr
	}
	return closeErr
}

func (c *Conn) pump() {
	defer close(c.done)
	defer close(c.notes)
	defer close(c.presenceSync)
	for message := range c.pubsub.Channel() {
		switch message.Channel {
		case c.notesChannel:
			var note classroom.NoteBroadcast
			if err := json.Unmarshal([]byte(message.Payload), &note); err != nil {
				c.logger.Warn("malformed note broadcast dropped",
					zap.String("channel", c.notesChannel),
					zap.Error(err))
				continue
			}
			select {
			case c.notes <- note:
			default:
			}
		case c.presenceChannel:
			snapshot, err := c.snapshot(context.Background())
			if err != nil {
				c.logger.Warn("presence snapshot failed",
					zap.String("channel", c.presenceChannel),
					zap.Error(err))
				continue
			}
			select {
			case c.presenceSync <- snapshot:
			default:
			}
		}
	}
}

func (c *Conn) snapshot(ctx context.Context) (map[string]classroom.PresenceState, error) {
	entries, err := c.client.HGetAll(ctx, c.presenceKey).Result()
	if err != nil {
		return nil, err
	}
	state := make(map[string]classroom.PresenceState, len(entries))
	for key, payload := range entries {
		var entry classroom.PresenceState
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			c.logger.Warn("malformed presence entry skipped",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		state[key] = entry
	}
	return state, nil
}
