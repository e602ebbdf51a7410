package devserver

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TomPython98/pinit-backend-sub005/cache"
	"github.com/TomPython98/pinit-backend-sub005/models"
)

// memoryStore is the simulator's authoritative event set.
type memoryStore struct {
	mu     sync.Mutex
	events map[string]models.Event

	// force429 makes the next N discovery requests fail with 429, to exercise
	// the client's fallback path.
	force429 int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{events: make(map[string]models.Event)}
}

func (s *memoryStore) put(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID.String()] = e.Clone()
}

func (s *memoryStore) get(id string) (models.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return models.Event{}, false
	}
	return e.Clone(), true
}

func (s *memoryStore) delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[id]
	delete(s.events, id)
	return ok
}

// listForUser mirrors the production server's per-user scoping: the same
// visibility rule the client applies, minus the host grace period (the server
// is stricter; the client-side grace is a presentation concern).
func (s *memoryStore) listForUser(username string) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]models.Event, 0, len(s.events))
	for _, e := range s.events {
		if cache.Visible(&e, username, now, 0) {
			out = append(out, e.Clone())
		}
	}
	return out
}

func (s *memoryStore) listAll() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Clone())
	}
	return out
}

// toggleRsvp flips the user's attendance and reports the resulting state.
func (s *memoryStore) toggleRsvp(username, id string) (attending, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.events[id]
	if !found {
		return false, false
	}
	attending = e.ToggleAttendance(username)
	s.events[id] = e
	return attending, true
}

func (s *memoryStore) setForce429(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.force429 = n
}

// consume429 reports whether this request should be rejected with 429.
func (s *memoryStore) consume429() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.force429 > 0 {
		s.force429--
		return true
	}
	return false
}

// Seed installs a demo data set: for each username one hosted event, one
// public event, and one private event they are not part of.
func (s *memoryStore) Seed(usernames []string) {
	now := time.Now()
	for i, u := range usernames {
		s.put(models.Event{
			ID:        uuid.New(),
			Title:     u + "'s dinner",
			Time:      now.Add(time.Duration(i+1) * time.Hour),
			Host:      u,
			EventType: "social",
		})
	}
	s.put(models.Event{
		ID:        uuid.New(),
		Title:     "open park run",
		Time:      now.Add(30 * time.Minute),
		Host:      "system",
		IsPublic:  true,
		EventType: "sports",
	})
	s.put(models.Event{
		ID:        uuid.New(),
		Title:     "private board meeting",
		Time:      now.Add(2 * time.Hour),
		Host:      "system",
		EventType: "business",
	})
}
