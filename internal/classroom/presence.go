package classroom

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTypingDecay = 1200 * time.Millisecond

	opTypingNew = "classroom.typing.new"
)

var errMissingPresenceTracker = errors.New("presence tracker is required")

// PresenceTracker is the ephemeral-channel presence surface the aggregator
// needs: publish this connection's state, keyed by client identity.
type PresenceTracker interface {
	Track(ctx context.Context, state PresenceState) error
}

// TypingConfig assembles a TypingAggregator.
type TypingConfig struct {
	ClientID string
	Tracker  PresenceTracker
	Logger   *zap.Logger
	// Decay is the idle period after which typing flips back to false.
	Decay time.Duration
}

// TypingAggregator publishes this connection's typing flag and counts how
// many other participants are currently typing. State is entirely ephemeral
// and resets to zero on reconnect.
type TypingAggregator struct {
	clientID string
	tracker  PresenceTracker
	logger   *zap.Logger
	decay    time.Duration

	mu          sync.Mutex
	peersTyping int
	timer       *time.Timer
	closed      bool
}

// NewTypingAggregator validates the configuration and returns an aggregator.
func NewTypingAggregator(cfg TypingConfig) (*TypingAggregator, error) {
	if cfg.ClientID == "" {
		return nil, newServiceError(opTypingNew, "missing_client_id", errMissingClientID)
	}
	if cfg.Tracker == nil {
		return nil, newServiceError(opTypingNew, "missing_tracker", errMissingPresenceTracker)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	decay := cfg.Decay
	if decay <= 0 {
		decay = defaultTypingDecay
	}
	return &TypingAggregator{
		clientID: cfg.ClientID,
		tracker:  cfg.Tracker,
		logger:   logger,
		decay:    decay,
	}, nil
}

// Join announces this connection on the presence channel with typing false.
func (a *TypingAggregator) Join(ctx context.Context) error {
	return a.tracker.Track(ctx, PresenceState{Typing: false})
}

// NoteLocalEdit flags this connection as typing and re-arms the decay timer
// that flips it back after the idle period. Both publishes are best-effort.
func (a *TypingAggregator) NoteLocalEdit(ctx context.Context) {
	if err := a.tracker.Track(ctx, PresenceState{Typing: true}); err != nil {
		a.logger.Warn("typing presence publish failed", zap.Error(err))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.decay, func() {
		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}
		if err := a.tracker.Track(context.Background(), PresenceState{Typing: false}); err != nil {
			a.logger.Warn("typing presence publish failed", zap.Error(err))
		}
	})
}

// ApplySync recomputes the count of other identities currently typing from a
// full presence snapshot.
func (a *TypingAggregator) ApplySync(state map[string]PresenceState) {
	count := 0
	for key, entry := range state {
		if key == a.clientID {
			continue
		}
		if entry.Typing {
			count++
		}
	}
	a.mu.Lock()
	a.peersTyping = count
	a.mu.Unlock()
}

// PeersTyping returns how many other participants are currently typing.
func (a *TypingAggregator) PeersTyping() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peersTyping
}

// Close cancels the pending decay timer; no publish fires after close.
func (a *TypingAggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
