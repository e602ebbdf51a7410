package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is one social event as served by the discovery endpoints.
// Attendees and InvitedFriends are sets of usernames; order carries no meaning.
type Event struct {
	ID             uuid.UUID  `json:"id"`
	Title          string     `json:"title"`
	Time           time.Time  `json:"time"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Host           string     `json:"host"`
	Attendees      []string   `json:"attendees"`
	InvitedFriends []string   `json:"invitedFriends"`
	IsPublic       bool       `json:"isPublic"`
	IsAutoMatched  bool       `json:"isAutoMatched"`
	EventType      string     `json:"eventType"`
}

// IsHost reports whether the given user hosts the event.
func (e *Event) IsHost(user string) bool {
	return e.Host == user
}

// IsAttending reports whether the given user is in the attendee set.
func (e *Event) IsAttending(user string) bool {
	return contains(e.Attendees, user)
}

// IsInvited reports whether the given user is in the invited set.
func (e *Event) IsInvited(user string) bool {
	return contains(e.InvitedFriends, user)
}

// ToggleAttendance adds the user to the attendee set if absent, removes them
// if present, and returns the resulting attending state.
func (e *Event) ToggleAttendance(user string) bool {
	for i, a := range e.Attendees {
		if a == user {
			e.Attendees = append(e.Attendees[:i], e.Attendees[i+1:]...)
			return false
		}
	}
	e.Attendees = append(e.Attendees, user)
	return true
}

// Clone returns a deep copy so cache snapshots never alias live slices.
func (e *Event) Clone() Event {
	c := *e
	if e.EndTime != nil {
		end := *e.EndTime
		c.EndTime = &end
	}
	c.Attendees = append([]string(nil), e.Attendees...)
	c.InvitedFriends = append([]string(nil), e.InvitedFriends...)
	return c
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
