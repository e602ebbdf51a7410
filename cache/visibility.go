package cache

import (
	"time"

	"github.com/TomPython98/pinit-backend-sub005/models"
)

// DefaultHostGracePeriod keeps a host's own just-ended event visible for a
// while so it does not vanish mid-wrap-up. Ordinary attendees lose the event
// as soon as it ends; the asymmetry is intentional.
const DefaultHostGracePeriod = time.Hour

// Visible is the predicate deciding whether an event belongs in the local
// cache of the given user. Pure: same inputs always yield the same answer.
func Visible(e *models.Event, user string, now time.Time, hostGrace time.Duration) bool {
	isHost := e.IsHost(user)
	if !notExpired(e, isHost, now, hostGrace) {
		return false
	}
	return isHost ||
		e.IsAttending(user) ||
		e.IsInvited(user) ||
		e.IsAutoMatched ||
		e.IsPublic
}

func notExpired(e *models.Event, isHost bool, now time.Time, hostGrace time.Duration) bool {
	if e.EndTime == nil {
		return true
	}
	// The server does not enforce end >= start; a violating event is treated
	// as open-ended rather than instantly expired.
	if e.EndTime.Before(e.Time) {
		return true
	}
	if e.EndTime.After(now) {
		return true
	}
	return isHost && e.EndTime.After(now.Add(-hostGrace))
}
