package changes

import (
	"encoding/json"
	"strings"
)

// Kind classifies a change notification frame.
type Kind string

const (
	KindCreated Kind = "create"
	KindUpdated Kind = "update"
	KindDeleted Kind = "delete"
)

// Notification is a single parsed push-channel frame. It is transient: it
// only triggers cache actions and is never persisted.
type Notification struct {
	Kind    Kind
	EventID string
}

type frame struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

// Decode parses a raw push-channel frame into a Notification.
//
// The primary path is a strict JSON decode of {"type","event_id"}. If that
// fails, a best-effort substring scan recovers the event_id value and a type
// keyword from the raw text; the live server has been observed emitting
// truncated frames under load, and dropping them all would silence real
// changes. Returns ok=false when neither path yields both fields.
func Decode(raw []byte) (Notification, bool) {
	var f frame
	if err := json.Unmarshal(raw, &f); err == nil {
		if kind, ok := kindOf(f.Type); ok && f.EventID != "" {
			return Notification{Kind: kind, EventID: f.EventID}, true
		}
	}
	return decodeLoose(string(raw))
}

// decodeLoose scans the raw text for a quoted event_id value and a type
// keyword. It accepts frames with trailing garbage, missing braces, or
// unexpected extra fields.
func decodeLoose(s string) (Notification, bool) {
	id := quotedValue(s, "event_id")
	if id == "" {
		return Notification{}, false
	}
	kind, ok := kindOf(quotedValue(s, "type"))
	if !ok {
		// The type keyword may appear outside a well-formed key/value pair.
		switch {
		case strings.Contains(s, string(KindDeleted)):
			kind = KindDeleted
		case strings.Contains(s, string(KindCreated)):
			kind = KindCreated
		case strings.Contains(s, string(KindUpdated)):
			kind = KindUpdated
		default:
			return Notification{}, false
		}
	}
	return Notification{Kind: kind, EventID: id}, true
}

// quotedValue returns the first quoted string following `"key"` in s,
// tolerating arbitrary whitespace around the colon.
func quotedValue(s, key string) string {
	i := strings.Index(s, `"`+key+`"`)
	if i < 0 {
		return ""
	}
	rest := s[i+len(key)+2:]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return ""
	}
	rest = strings.TrimLeft(rest[colon+1:], " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return ""
	}
	rest = rest[1:]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func kindOf(s string) (Kind, bool) {
	switch Kind(s) {
	case KindCreated, KindUpdated, KindDeleted:
		return Kind(s), true
	}
	return "", false
}
