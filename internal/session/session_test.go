package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCtrlParams(t *testing.T) {
	c := &Ctrl{Code: 202, Params: map[string]any{
		"seq":   float64(42),
		"token": "abc",
	}}
	assert.True(t, c.Ok())
	assert.Equal(t, 42, c.IntParam("seq", 0))
	assert.Equal(t, 0, c.IntParam("missing", 0))
	assert.Equal(t, "abc", c.StrParam("token", ""))
	assert.Equal(t, "def", c.StrParam("missing", "def"))

	var nilCtrl *Ctrl
	assert.False(t, nilCtrl.Ok())
	assert.Equal(t, 7, nilCtrl.IntParam("seq", 7))

	n := &Ctrl{Params: map[string]any{"seq": json.Number("13")}}
	assert.Equal(t, 13, n.IntParam("seq", 0))
}

func TestMetaQueryWire(t *testing.T) {
	assert.Nil(t, NewMetaQuery().wire())
	assert.Nil(t, (*MetaQuery)(nil).wire())

	q := NewMetaQuery().WithDesc().WithSub().wire()
	assert.Equal(t, "desc sub", q["what"])

	q = NewMetaQuery().WithLaterData(100).wire()
	assert.Equal(t, "data", q["what"])
	assert.Equal(t, map[string]any{"since": 100}, q["data"])

	q = NewMetaQuery().WithLaterData(0).wire()
	assert.Equal(t, "data", q["what"])
	assert.NotContains(t, q, "data")
}

func TestFanOutCountsDroppedEvents(t *testing.T) {
	c := &WSClient{listeners: make(map[chan *InfoEvent]struct{})}
	ch, cancel := c.InfoEvents()
	defer cancel()

	// Overflow the listener buffer without consuming; the excess is counted,
	// never silently discarded.
	for i := 0; i < infoEventBuffer+3; i++ {
		c.fanOut(&InfoEvent{Topic: "p2pBob", What: "call"})
	}
	assert.Equal(t, infoEventBuffer, len(ch))
	assert.Equal(t, int64(3), c.DroppedEvents())
}
