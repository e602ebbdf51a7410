package sync

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/TomPython98/pinit-backend-sub005/cache"
	"github.com/TomPython98/pinit-backend-sub005/config"
	"github.com/TomPython98/pinit-backend-sub005/models"
	"github.com/TomPython98/pinit-backend-sub005/pkg/changes"
	"github.com/TomPython98/pinit-backend-sub005/repository"
	"github.com/TomPython98/pinit-backend-sub005/store"
	"github.com/TomPython98/pinit-backend-sub005/types"
	"github.com/TomPython98/pinit-backend-sub005/websocket"
)

// SessionState is the orchestrator-level lifecycle, distinct from the push
// channel's own connection state. Connectivity loss while Live does not leave
// Live; the auto-refresh backstop covers the gap until reconnection.
type SessionState string

const (
	StateNoSession SessionState = "nosession"
	StateSyncing   SessionState = "syncing"
	StateLive      SessionState = "live"
)

// Deps carries injectable collaborators; zero-value fields get production
// defaults.
type Deps struct {
	// Source overrides the REST layer, mainly for tests.
	Source cache.EventSource
	// Snapshots enables warm-start persistence. Optional.
	Snapshots *store.SnapshotStore
}

// Session owns the synchronization lifecycle for exactly one user identity:
// one full fetch on start, then the push channel plus a periodic refresh as a
// backstop against missed notifications. Sessions are constructed per login
// and torn down per logout; they are never shared across identities.
type Session struct {
	cfg       *config.Config
	user      string
	engine    *cache.Engine
	channel   *websocket.Channel
	snapshots *store.SnapshotStore

	mu     sync.Mutex
	state  SessionState
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSession(cfg *config.Config, user string, deps Deps) *Session {
	cfg.Normalize()
	src := deps.Source
	if src == nil {
		src = repository.NewEventsRepository(cfg.ServerURL, cfg.Token)
	}
	s := &Session{
		cfg:       cfg,
		user:      user,
		engine:    cache.NewEngine(src, user, cache.WithHostGrace(cfg.HostGrace)),
		snapshots: deps.Snapshots,
		state:     StateNoSession,
	}
	s.channel = s.newChannel()
	return s
}

func (s *Session) newChannel() *websocket.Channel {
	return websocket.NewChannel(websocket.Options{
		BuildURL:    s.channelURL,
		OnFrame:     s.onFrame,
		BaseBackoff: s.cfg.ReconnectBase,
		MaxBackoff:  s.cfg.ReconnectMax,
		MaxAttempts: s.cfg.ReconnectMaxAttempts,
	})
}

// User returns the identity this session is scoped to.
func (s *Session) User() string { return s.user }

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start performs the initial full fetch, connects the push channel, and arms
// the auto-refresh schedule. A failed initial fetch is logged, not fatal: the
// session goes Live on stale (or snapshot) data and the backstop retries.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateNoSession {
		s.mu.Unlock()
		return
	}
	s.state = StateSyncing
	ctx, s.cancel = context.WithCancel(ctx)
	s.ctx = ctx
	// Disconnect clears the previous channel's listener, so a restarted
	// session needs a fresh channel instance.
	s.channel = s.newChannel()
	channel := s.channel
	s.mu.Unlock()

	if s.snapshots != nil {
		if events, savedAt, err := s.snapshots.Load(s.user); err == nil && events != nil {
			slog.Info("seeding cache from snapshot", "user", s.user, "events", len(events), "saved_at", savedAt)
			s.engine.Seed(events)
		}
	}

	if err := s.engine.FullFetch(ctx); err != nil {
		slog.Warn("initial full fetch failed", "user", s.user, "err", err)
	} else {
		s.persistSnapshot()
	}

	channel.Connect()

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.RefreshSchedule, func() { s.refresh(ctx) }); err != nil {
		slog.Error("invalid refresh schedule, backstop disabled", "schedule", s.cfg.RefreshSchedule, "err", err)
	} else {
		c.Start()
	}

	s.mu.Lock()
	s.cron = c
	s.state = StateLive
	s.mu.Unlock()
	slog.Info("session live", "user", s.user)
}

// Stop tears the session down: the refresh schedule is stopped and drained
// before the cache is cleared so no refresh fires into a dead session, then
// the channel disconnects. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateNoSession {
		s.mu.Unlock()
		return
	}
	s.state = StateNoSession
	c := s.cron
	s.cron = nil
	cancel := s.cancel
	s.cancel = nil
	s.ctx = nil
	channel := s.channel
	s.mu.Unlock()

	if c != nil {
		// Stop returns once running jobs finish; clearing the cache earlier
		// would race a refresh carrying the old identity.
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	channel.Disconnect()
	s.engine.Clear()
	slog.Info("session stopped", "user", s.user)
}

// Events returns a snapshot copy of the visible event set.
func (s *Session) Events() []models.Event {
	return s.engine.Snapshot()
}

// Subscribe registers for change signals; take a fresh Events() on each wake.
func (s *Session) Subscribe() (<-chan struct{}, func()) {
	return s.engine.Subscribe()
}

// Rsvp toggles attendance optimistically and reports definitive failures via
// completion.
func (s *Session) Rsvp(ctx context.Context, eventID string, completion func(error)) {
	s.engine.RsvpToggle(ctx, eventID, completion)
}

// Status exposes the read-only sync state for the UI layer.
func (s *Session) Status() types.SyncStatus {
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()
	return types.SyncStatus{
		IsLoading:       s.engine.IsLoading(),
		LastRefreshTime: s.engine.LastRefresh(),
		ChannelState:    channel.State(),
	}
}

// Refresh forces a full fetch outside the schedule, e.g. pull-to-refresh.
func (s *Session) Refresh(ctx context.Context) error {
	if err := s.engine.FullFetch(ctx); err != nil {
		return err
	}
	s.persistSnapshot()
	return nil
}

func (s *Session) refresh(ctx context.Context) {
	if s.State() != StateLive {
		return
	}
	if err := s.engine.FullFetch(ctx); err != nil {
		slog.Warn("backstop refresh failed", "user", s.user, "err", err)
		return
	}
	s.persistSnapshot()
}

func (s *Session) channelURL() string {
	u := fmt.Sprintf("%s/ws/events/%s", s.cfg.WebSocketURL, url.PathEscape(s.user))
	if s.cfg.Token != "" {
		u += "?token=" + url.QueryEscape(s.cfg.Token)
	}
	return u
}

// onFrame decodes one push frame and applies it off the receive loop so a
// slow targeted refetch cannot stall inbound frames.
func (s *Session) onFrame(raw []byte) {
	n, ok := changes.Decode(raw)
	if !ok {
		slog.Warn("dropping undecodable frame", "len", len(raw))
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	// The session context bounds the refetch: Stop cancels it, aborting any
	// in-flight resolve so a dying session cannot repopulate the cache or
	// persist post-teardown state.
	go func() {
		s.engine.Apply(ctx, n)
		if ctx.Err() == nil && s.State() == StateLive {
			s.persistSnapshot()
		}
	}()
}

func (s *Session) persistSnapshot() {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Save(s.user, s.engine.Snapshot()); err != nil {
		slog.Warn("persisting snapshot failed", "user", s.user, "err", err)
	}
}

// Manager holds at most one live session and enforces that the cache never
// mixes events scoped to two identities: switching users tears the previous
// session down before the next one starts.
type Manager struct {
	cfg       *config.Config
	snapshots *store.SnapshotStore
	source    cache.EventSource

	mu      sync.Mutex
	session *Session
}

func NewManager(cfg *config.Config, deps Deps) *Manager {
	return &Manager{cfg: cfg, snapshots: deps.Snapshots, source: deps.Source}
}

// Login starts a session for the user. An existing session for another user
// is stopped first; logging in as the current user is a no-op.
func (m *Manager) Login(ctx context.Context, user string) *Session {
	m.mu.Lock()
	prev := m.session
	m.mu.Unlock()

	if prev != nil {
		if prev.User() == user && prev.State() != StateNoSession {
			return prev
		}
		prev.Stop()
	}

	s := NewSession(m.cfg, user, Deps{Source: m.source, Snapshots: m.snapshots})
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	s.Start(ctx)
	return s
}

// Logout stops the current session, if any.
func (m *Manager) Logout() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// Current returns the live session or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}
