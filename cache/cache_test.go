package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomPython98/pinit-backend-sub005/models"
	"github.com/TomPython98/pinit-backend-sub005/pkg/changes"
	"github.com/TomPython98/pinit-backend-sub005/repository"
	"github.com/TomPython98/pinit-backend-sub005/types"
)

// fakeSource scripts the REST surface for engine tests.
type fakeSource struct {
	mu            sync.Mutex
	primary       []models.Event
	primaryErr    error
	fallback      []models.Event
	fallbackErr   error
	rsvpErr       error
	primaryCalls  int
	fallbackCalls int
	rsvpCalls     int
}

func (f *fakeSource) ListForUser(ctx context.Context, username string) ([]models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.primaryCalls++
	if f.primaryErr != nil {
		return nil, f.primaryErr
	}
	return append([]models.Event(nil), f.primary...), nil
}

func (f *fakeSource) EnhancedSearch(ctx context.Context) ([]models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbackCalls++
	if f.fallbackErr != nil {
		return nil, f.fallbackErr
	}
	return append([]models.Event(nil), f.fallback...), nil
}

func (f *fakeSource) Rsvp(ctx context.Context, username, eventID string) (*types.RSVPResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rsvpCalls++
	if f.rsvpErr != nil {
		return nil, f.rsvpErr
	}
	return &types.RSVPResponse{Success: true, IsAttending: true}, nil
}

func (f *fakeSource) calls() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.primaryCalls, f.fallbackCalls, f.rsvpCalls
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func futureEvent(host string, mutate func(*models.Event)) models.Event {
	e := models.Event{
		ID:    uuid.New(),
		Title: "ev",
		Time:  testNow.Add(time.Hour),
		Host:  host,
	}
	if mutate != nil {
		mutate(&e)
	}
	return e
}

func newTestEngine(src EventSource) *Engine {
	return NewEngine(src, "alice", WithClock(func() time.Time { return testNow }))
}

func TestFullFetchFiltersByVisibility(t *testing.T) {
	// Scenario: user hosts one event, attends one, and one is unrelated and
	// private. The cache must end with exactly the first two.
	hosted := futureEvent("alice", nil)
	attending := futureEvent("bob", func(e *models.Event) { e.Attendees = []string{"alice"} })
	unrelated := futureEvent("carol", nil)

	src := &fakeSource{primary: []models.Event{hosted, attending, unrelated}}
	eng := newTestEngine(src)

	require.NoError(t, eng.FullFetch(context.Background()))
	assert.Equal(t, 2, eng.Len())
	_, ok := eng.Get(hosted.ID.String())
	assert.True(t, ok)
	_, ok = eng.Get(attending.ID.String())
	assert.True(t, ok)
	_, ok = eng.Get(unrelated.ID.String())
	assert.False(t, ok)
}

func TestFullFetchIsFullReplace(t *testing.T) {
	stale := futureEvent("alice", nil)
	fresh := futureEvent("alice", nil)

	src := &fakeSource{primary: []models.Event{stale}}
	eng := newTestEngine(src)
	require.NoError(t, eng.FullFetch(context.Background()))
	require.Equal(t, 1, eng.Len())

	// Optimistic state before the next fetch.
	eng.RsvpToggle(context.Background(), stale.ID.String(), nil)

	src.mu.Lock()
	src.primary = []models.Event{fresh}
	src.mu.Unlock()
	require.NoError(t, eng.FullFetch(context.Background()))

	assert.Equal(t, 1, eng.Len(), "no leftovers from before the fetch")
	_, ok := eng.Get(stale.ID.String())
	assert.False(t, ok)
	_, ok = eng.Get(fresh.ID.String())
	assert.True(t, ok)
	assert.Empty(t, eng.Pending(), "full fetch discards optimistic state")
}

func TestFullFetchRateLimitedFallsBackOnce(t *testing.T) {
	visible := futureEvent("bob", func(e *models.Event) { e.IsPublic = true })
	hidden := futureEvent("carol", nil)

	src := &fakeSource{
		primaryErr: repository.ErrRateLimited,
		fallback:   []models.Event{visible, hidden},
	}
	eng := newTestEngine(src)

	require.NoError(t, eng.FullFetch(context.Background()))

	_, fallbackCalls, _ := src.calls()
	assert.Equal(t, 1, fallbackCalls, "fallback endpoint called exactly once")
	assert.Equal(t, 1, eng.Len())
	_, ok := eng.Get(visible.ID.String())
	assert.True(t, ok, "fallback results are filtered client-side")
}

// gatedListSource serves scripted responses per ListForUser call; a call can
// announce its arrival and block until released, so tests can overlap fetches
// deterministically.
type gatedListSource struct {
	mu    sync.Mutex
	calls []gatedCall
	next  int
}

type gatedCall struct {
	events  []models.Event
	started chan struct{}
	gate    chan struct{}
}

func (g *gatedListSource) ListForUser(ctx context.Context, username string) ([]models.Event, error) {
	g.mu.Lock()
	call := g.calls[g.next]
	g.next++
	g.mu.Unlock()
	if call.started != nil {
		close(call.started)
	}
	if call.gate != nil {
		<-call.gate
	}
	return append([]models.Event(nil), call.events...), nil
}

func (g *gatedListSource) EnhancedSearch(ctx context.Context) ([]models.Event, error) {
	return nil, errors.New("unused")
}

func (g *gatedListSource) Rsvp(ctx context.Context, username, eventID string) (*types.RSVPResponse, error) {
	return &types.RSVPResponse{Success: true}, nil
}

func TestOverlappingFullFetchesNewestWins(t *testing.T) {
	older := futureEvent("alice", nil)
	newer := futureEvent("alice", nil)

	started := make(chan struct{})
	gate := make(chan struct{})
	src := &gatedListSource{calls: []gatedCall{
		{events: []models.Event{older}, started: started, gate: gate},
		{events: []models.Event{newer}},
	}}
	eng := newTestEngine(src)

	firstDone := make(chan error, 1)
	go func() { firstDone <- eng.FullFetch(context.Background()) }()
	<-started

	// A second fetch starts while the first is still waiting on the server and
	// installs its snapshot first.
	require.NoError(t, eng.FullFetch(context.Background()))
	require.Equal(t, 1, eng.Len())

	// The slow first response lands afterwards and must not overwrite.
	close(gate)
	require.NoError(t, <-firstDone)

	_, ok := eng.Get(newer.ID.String())
	assert.True(t, ok, "the later-started fetch stays installed")
	_, ok = eng.Get(older.ID.String())
	assert.False(t, ok, "the stale response is discarded at swap time")
}

func TestFullFetchBothEndpointsFailingLeavesCacheUntouched(t *testing.T) {
	kept := futureEvent("alice", nil)
	src := &fakeSource{primary: []models.Event{kept}}
	eng := newTestEngine(src)
	require.NoError(t, eng.FullFetch(context.Background()))

	src.mu.Lock()
	src.primaryErr = errors.New("network down")
	src.fallbackErr = errors.New("network down")
	src.mu.Unlock()

	assert.Error(t, eng.FullFetch(context.Background()))
	assert.Equal(t, 1, eng.Len(), "stale cache kept best-effort fresh, never dropped on failure")
}

func TestDeleteNotificationRemovesWithoutNetwork(t *testing.T) {
	ev := futureEvent("alice", nil)
	src := &fakeSource{primary: []models.Event{ev}}
	eng := newTestEngine(src)
	require.NoError(t, eng.FullFetch(context.Background()))
	primaryBefore, fallbackBefore, _ := src.calls()

	eng.Apply(context.Background(), changes.Notification{Kind: changes.KindDeleted, EventID: ev.ID.String()})

	assert.Equal(t, 0, eng.Len())
	primaryAfter, fallbackAfter, _ := src.calls()
	assert.Equal(t, primaryBefore, primaryAfter, "deletion must not issue a network call")
	assert.Equal(t, fallbackBefore, fallbackAfter)
}

func TestDeleteNotificationIdempotent(t *testing.T) {
	eng := newTestEngine(&fakeSource{})
	n := changes.Notification{Kind: changes.KindDeleted, EventID: uuid.NewString()}
	eng.Apply(context.Background(), n)
	eng.Apply(context.Background(), n)
	assert.Equal(t, 0, eng.Len())
}

func TestUpdateNotificationRefetchesAndReplaces(t *testing.T) {
	ev := futureEvent("alice", nil)
	src := &fakeSource{primary: []models.Event{ev}}
	eng := newTestEngine(src)
	require.NoError(t, eng.FullFetch(context.Background()))

	renamed := ev.Clone()
	renamed.Title = "renamed"
	src.mu.Lock()
	src.primary = []models.Event{renamed}
	src.mu.Unlock()

	eng.Apply(context.Background(), changes.Notification{Kind: changes.KindUpdated, EventID: ev.ID.String()})

	got, ok := eng.Get(ev.ID.String())
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Title)
}

func TestUpdateNotificationRemovesWhenNoLongerVisible(t *testing.T) {
	ev := futureEvent("bob", func(e *models.Event) { e.Attendees = []string{"alice"} })
	src := &fakeSource{primary: []models.Event{ev}}
	eng := newTestEngine(src)
	require.NoError(t, eng.FullFetch(context.Background()))

	// Server state no longer includes alice and the event is private.
	kicked := ev.Clone()
	kicked.Attendees = nil
	src.mu.Lock()
	src.primary = []models.Event{kicked}
	src.mu.Unlock()

	eng.Apply(context.Background(), changes.Notification{Kind: changes.KindUpdated, EventID: ev.ID.String()})
	assert.Equal(t, 0, eng.Len())
}

func TestUpdateNotificationUnresolvableIdStillSignals(t *testing.T) {
	ev := futureEvent("alice", nil)
	src := &fakeSource{primary: []models.Event{ev}}
	eng := newTestEngine(src)
	require.NoError(t, eng.FullFetch(context.Background()))

	ch, cancel := eng.Subscribe()
	defer cancel()
	drain(ch)

	// The id is in neither source; the cached copy must stay untouched but a
	// change signal still fires.
	eng.Apply(context.Background(), changes.Notification{Kind: changes.KindUpdated, EventID: uuid.NewString()})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change signal for an unresolvable refetch")
	}
	assert.Equal(t, 1, eng.Len())
}

func TestRsvpToggleOptimisticBeforeNetwork(t *testing.T) {
	ev := futureEvent("bob", func(e *models.Event) { e.IsPublic = true })
	src := &fakeSource{primary: []models.Event{ev}}
	eng := newTestEngine(src)
	require.NoError(t, eng.FullFetch(context.Background()))

	done := make(chan error, 1)
	eng.RsvpToggle(context.Background(), ev.ID.String(), func(err error) { done <- err })

	// Attending immediately, before any server response is observed.
	got, ok := eng.Get(ev.ID.String())
	require.True(t, ok)
	assert.True(t, got.IsAttending("alice"))
	require.Len(t, eng.Pending(), 1)
	assert.True(t, eng.Pending()[0].Attending)

	require.NoError(t, <-done)
	// Confirmation does not re-apply anything; pending survives until the
	// next authoritative refetch.
	assert.Len(t, eng.Pending(), 1)

	require.NoError(t, eng.FullFetch(context.Background()))
	assert.Empty(t, eng.Pending())
}

func TestRsvpToggleTwiceRemovesAttendance(t *testing.T) {
	ev := futureEvent("bob", func(e *models.Event) { e.IsPublic = true })
	src := &fakeSource{primary: []models.Event{ev}}
	eng := newTestEngine(src)
	require.NoError(t, eng.FullFetch(context.Background()))

	eng.RsvpToggle(context.Background(), ev.ID.String(), nil)
	eng.RsvpToggle(context.Background(), ev.ID.String(), nil)

	got, _ := eng.Get(ev.ID.String())
	assert.False(t, got.IsAttending("alice"))
}

func TestRsvpRejectionSurfacesWithoutRollback(t *testing.T) {
	ev := futureEvent("bob", func(e *models.Event) { e.IsPublic = true })
	src := &fakeSource{
		primary: []models.Event{ev},
		rsvpErr: &repository.RejectionError{Message: "event is full"},
	}
	eng := newTestEngine(src)
	require.NoError(t, eng.FullFetch(context.Background()))

	done := make(chan error, 1)
	eng.RsvpToggle(context.Background(), ev.ID.String(), func(err error) { done <- err })

	err := <-done
	var rej *repository.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "event is full", rej.Message)

	// Documented policy: no automatic rollback; the flip stays until the next
	// refetch corrects it.
	got, _ := eng.Get(ev.ID.String())
	assert.True(t, got.IsAttending("alice"))
	assert.Empty(t, eng.Pending(), "definitive rejection clears the pending record")

	require.NoError(t, eng.FullFetch(context.Background()))
	got, _ = eng.Get(ev.ID.String())
	assert.False(t, got.IsAttending("alice"), "refetch restores server truth")
}

func TestRsvpOnUnknownEventStillCallsServer(t *testing.T) {
	src := &fakeSource{}
	eng := newTestEngine(src)
	done := make(chan error, 1)
	eng.RsvpToggle(context.Background(), uuid.NewString(), func(err error) { done <- err })
	require.NoError(t, <-done)
	_, _, rsvps := src.calls()
	assert.Equal(t, 1, rsvps)
}

func TestSnapshotIsACopy(t *testing.T) {
	ev := futureEvent("alice", func(e *models.Event) { e.Attendees = []string{"alice"} })
	src := &fakeSource{primary: []models.Event{ev}}
	eng := newTestEngine(src)
	require.NoError(t, eng.FullFetch(context.Background()))

	snap := eng.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Attendees[0] = "mallory"
	snap[0].Title = "tampered"

	got, _ := eng.Get(ev.ID.String())
	assert.Equal(t, "ev", got.Title)
	assert.Equal(t, []string{"alice"}, got.Attendees)
}

func TestConcurrentMutationsDoNotTear(t *testing.T) {
	evs := make([]models.Event, 0, 20)
	for i := 0; i < 20; i++ {
		evs = append(evs, futureEvent("bob", func(e *models.Event) { e.IsPublic = true }))
	}
	src := &fakeSource{primary: evs}
	eng := newTestEngine(src)
	require.NoError(t, eng.FullFetch(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_ = eng.FullFetch(context.Background())
			case 1:
				eng.Apply(context.Background(), changes.Notification{Kind: changes.KindUpdated, EventID: evs[i].ID.String()})
			default:
				eng.RsvpToggle(context.Background(), evs[i].ID.String(), nil)
			}
			_ = eng.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, eng.Len())
}

func drain(ch <-chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
