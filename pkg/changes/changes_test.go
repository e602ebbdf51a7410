package changes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeStrict(t *testing.T) {
	n, ok := Decode([]byte(`{"type":"update","event_id":"5f6e2c1a-9d3b-4a8f-b1c2-0d9e8f7a6b5c"}`))
	assert.True(t, ok)
	assert.Equal(t, KindUpdated, n.Kind)
	assert.Equal(t, "5f6e2c1a-9d3b-4a8f-b1c2-0d9e8f7a6b5c", n.EventID)
}

func TestDecodeStrictExtraFields(t *testing.T) {
	n, ok := Decode([]byte(`{"type":"create","event_id":"e1","sender":"system","ts":123}`))
	assert.True(t, ok)
	assert.Equal(t, KindCreated, n.Kind)
	assert.Equal(t, "e1", n.EventID)
}

func TestDecodeLooseTruncatedFrame(t *testing.T) {
	// Truncated JSON: strict decode fails, substring recovery succeeds.
	n, ok := Decode([]byte(`{"type": "delete", "event_id": "abc-123", "payload": {"br`))
	assert.True(t, ok)
	assert.Equal(t, KindDeleted, n.Kind)
	assert.Equal(t, "abc-123", n.EventID)
}

func TestDecodeLooseKeywordOutsidePair(t *testing.T) {
	n, ok := Decode([]byte(`garbage delete noise "event_id": "e9" trailing`))
	assert.True(t, ok)
	assert.Equal(t, KindDeleted, n.Kind)
	assert.Equal(t, "e9", n.EventID)
}

func TestDecodeUnparseable(t *testing.T) {
	for _, raw := range []string{
		``,
		`not json at all`,
		`{"type":"update"}`,                 // no event_id
		`{"event_id":"e1"}`,                 // no type keyword anywhere
		`{"type":"explode","event_id":"x"}`, // unknown kind, no known keyword
	} {
		_, ok := Decode([]byte(raw))
		assert.False(t, ok, "raw=%q", raw)
	}
}

func TestDecodeUnknownTypeWithKnownKeywordElsewhere(t *testing.T) {
	// The id is present and a known keyword appears in the noise.
	n, ok := Decode([]byte(`{"type":"evt.update","event_id":"e2"}`))
	assert.True(t, ok)
	assert.Equal(t, KindUpdated, n.Kind)
	assert.Equal(t, "e2", n.EventID)
}
