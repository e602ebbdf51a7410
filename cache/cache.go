package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/TomPython98/pinit-backend-sub005/models"
	"github.com/TomPython98/pinit-backend-sub005/pkg/changes"
	"github.com/TomPython98/pinit-backend-sub005/repository"
	"github.com/TomPython98/pinit-backend-sub005/types"
)

// EventSource is the REST surface the engine fetches from. Satisfied by
// *repository.EventsRepository.
type EventSource interface {
	ListForUser(ctx context.Context, username string) ([]models.Event, error)
	EnhancedSearch(ctx context.Context) ([]models.Event, error)
	Rsvp(ctx context.Context, username, eventID string) (*types.RSVPResponse, error)
}

// PendingMutation records an optimistic RSVP flip awaiting authoritative
// confirmation. It is cleared by the next refetch that covers the event, or
// by a definitive server rejection.
type PendingMutation struct {
	EventID   string
	Attending bool
	IssuedAt  time.Time
}

// Engine owns the visible event set for exactly one user session. All writes
// are serialized through one mutex so a full fetch, a targeted refetch, and
// an optimistic mutation can never interleave into a torn state. Reads hand
// out deep copies.
type Engine struct {
	src       EventSource
	user      string
	hostGrace time.Duration
	now       func() time.Time

	mu          sync.Mutex
	events      map[string]models.Event
	pending     map[string]PendingMutation
	subs        map[int]chan struct{}
	nextSub     int
	loading     bool
	lastRefresh time.Time

	// fetchSeq orders overlapping full fetches; installedSeq is the sequence
	// of the snapshot currently installed. A fetch that started earlier than
	// the installed snapshot is discarded at swap time, so the newest server
	// snapshot wins regardless of response arrival order.
	fetchSeq     uint64
	installedSeq uint64
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithHostGrace overrides the host grace period.
func WithHostGrace(d time.Duration) Option {
	return func(e *Engine) { e.hostGrace = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(src EventSource, user string, opts ...Option) *Engine {
	e := &Engine{
		src:       src,
		user:      user,
		hostGrace: DefaultHostGracePeriod,
		now:       time.Now,
		events:    make(map[string]models.Event),
		pending:   make(map[string]PendingMutation),
		subs:      make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// User returns the identity this engine is scoped to.
func (e *Engine) User() string { return e.user }

// FullFetch replaces the entire cached set from the primary discovery
// endpoint, falling back to enhanced search on transport, rate-limit, or
// decode failure. On success the previous contents, including optimistic
// state, are discarded in favor of the server snapshot.
func (e *Engine) FullFetch(ctx context.Context) error {
	e.setLoading(true)
	defer e.setLoading(false)

	e.mu.Lock()
	e.fetchSeq++
	seq := e.fetchSeq
	e.mu.Unlock()

	fetched, err := e.src.ListForUser(ctx, e.user)
	if err != nil {
		slog.Warn("primary discovery failed, trying enhanced search", "err", err)
		fetched, err = e.src.EnhancedSearch(ctx)
		if err != nil {
			return fmt.Errorf("full fetch: %w", err)
		}
	}

	now := e.now()
	next := make(map[string]models.Event, len(fetched))
	for _, ev := range fetched {
		if Visible(&ev, e.user, now, e.hostGrace) {
			next[ev.ID.String()] = ev.Clone()
		}
	}

	e.mu.Lock()
	if err := ctx.Err(); err != nil {
		// The session was torn down while the fetch was in flight; a dead
		// session must not repopulate the cleared cache.
		e.mu.Unlock()
		return err
	}
	if seq <= e.installedSeq {
		// A fetch that started later already installed its snapshot.
		e.mu.Unlock()
		slog.Info("full fetch superseded", "user", e.user)
		return nil
	}
	e.installedSeq = seq
	e.events = next
	e.pending = make(map[string]PendingMutation)
	e.lastRefresh = now
	e.mu.Unlock()

	slog.Info("full fetch applied", "user", e.user, "visible", len(next))
	e.signal()
	return nil
}

// Seed installs a previously persisted snapshot without contacting the
// server, re-applying the visibility predicate at load time. Used for warm
// starts; the first full fetch will overwrite it.
func (e *Engine) Seed(events []models.Event) {
	now := e.now()
	next := make(map[string]models.Event, len(events))
	for _, ev := range events {
		if Visible(&ev, e.user, now, e.hostGrace) {
			next[ev.ID.String()] = ev.Clone()
		}
	}
	e.mu.Lock()
	e.events = next
	e.mu.Unlock()
	e.signal()
}

// Apply routes one change notification into the cache: deletions drop the
// event immediately with no network round-trip, creations and updates drive a
// targeted refetch.
func (e *Engine) Apply(ctx context.Context, n changes.Notification) {
	switch n.Kind {
	case changes.KindDeleted:
		e.mu.Lock()
		if ctx.Err() != nil {
			e.mu.Unlock()
			return
		}
		_, present := e.events[n.EventID]
		delete(e.events, n.EventID)
		delete(e.pending, n.EventID)
		e.mu.Unlock()
		if present {
			slog.Info("event removed by notification", "event", n.EventID)
			e.signal()
		}
	case changes.KindCreated, changes.KindUpdated:
		e.refetchOne(ctx, n.EventID)
	}
}

// refetchOne resolves a single event by id from the primary endpoint, then
// the fallback. A resolved event is inserted or removed per the visibility
// predicate; an unresolvable id leaves local state untouched but still emits
// a change signal so downstream observers refresh their own state.
func (e *Engine) refetchOne(ctx context.Context, eventID string) {
	ev, found := e.resolve(ctx, eventID)

	e.mu.Lock()
	// Checked under the lock: teardown cancels before it clears the cache, so
	// a refetch that resolved while the session was dying cannot write into
	// the cleared map.
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	if found {
		delete(e.pending, eventID)
		if Visible(&ev, e.user, e.now(), e.hostGrace) {
			e.events[eventID] = ev.Clone()
		} else {
			delete(e.events, eventID)
		}
	}
	e.mu.Unlock()
	e.signal()
}

func (e *Engine) resolve(ctx context.Context, eventID string) (models.Event, bool) {
	if list, err := e.src.ListForUser(ctx, e.user); err == nil {
		if ev, ok := findByID(list, eventID); ok {
			return ev, true
		}
	} else {
		slog.Warn("targeted refetch primary failed", "event", eventID, "err", err)
	}
	if list, err := e.src.EnhancedSearch(ctx); err == nil {
		if ev, ok := findByID(list, eventID); ok {
			return ev, true
		}
	} else {
		slog.Warn("targeted refetch fallback failed", "event", eventID, "err", err)
	}
	return models.Event{}, false
}

// RsvpToggle flips the current user's attendance optimistically, then issues
// the REST call in the background. A definitive server rejection reaches the
// caller through completion with a human-readable reason; the optimistic flip
// is NOT rolled back, the next refetch restores server truth.
func (e *Engine) RsvpToggle(ctx context.Context, eventID string, completion func(error)) {
	e.mu.Lock()
	if ev, ok := e.events[eventID]; ok {
		attending := ev.ToggleAttendance(e.user)
		e.events[eventID] = ev
		e.pending[eventID] = PendingMutation{EventID: eventID, Attending: attending, IssuedAt: e.now()}
		e.mu.Unlock()
		e.signal()
	} else {
		e.mu.Unlock()
	}

	go func() {
		_, err := e.src.Rsvp(ctx, e.user, eventID)
		if err != nil {
			var rej *repository.RejectionError
			if errors.As(err, &rej) {
				e.mu.Lock()
				delete(e.pending, eventID)
				e.mu.Unlock()
				slog.Warn("rsvp rejected", "event", eventID, "reason", rej.Message)
			} else {
				slog.Warn("rsvp request failed", "event", eventID, "err", err)
			}
			if completion != nil {
				completion(err)
			}
			return
		}
		// A success response is not re-applied locally; the push channel or
		// the next refetch delivers authoritative state.
		if completion != nil {
			completion(nil)
		}
	}()
}

// Snapshot returns a deep copy of the visible set, ordered by start time then
// id for stable presentation.
func (e *Engine) Snapshot() []models.Event {
	e.mu.Lock()
	out := make([]models.Event, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Get returns a copy of one cached event.
func (e *Engine) Get(eventID string) (models.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[eventID]
	if !ok {
		return models.Event{}, false
	}
	return ev.Clone(), true
}

// Len reports the current cache size.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// Pending returns a copy of the outstanding optimistic mutations.
func (e *Engine) Pending() []PendingMutation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingMutation, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p)
	}
	return out
}

// Subscribe registers a change-signal channel. The channel carries no data,
// it only wakes the observer to take a fresh Snapshot. The returned cancel
// func must be called to release the subscription.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()
	return ch, func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Clear empties the cache and pending set, e.g. on session teardown.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.events = make(map[string]models.Event)
	e.pending = make(map[string]PendingMutation)
	e.mu.Unlock()
	e.signal()
}

// IsLoading reports whether a full fetch is in flight.
func (e *Engine) IsLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// LastRefresh returns the time of the last successful full fetch.
func (e *Engine) LastRefresh() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRefresh
}

func (e *Engine) setLoading(v bool) {
	e.mu.Lock()
	e.loading = v
	e.mu.Unlock()
}

func (e *Engine) signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func findByID(list []models.Event, id string) (models.Event, bool) {
	for _, ev := range list {
		if ev.ID.String() == id {
			return ev, true
		}
	}
	return models.Event{}, false
}
