package tinmedia

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveUploadEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"wss://api.example.org/v0/channels", "https://api.example.org/v0/file/u/"},
		{"ws://localhost:6060/v0/channels", "http://localhost:6060/v0/file/u/"},
		{"wss://api.example.org", "https://api.example.org/v0/file/u/"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, deriveUploadEndpoint(c.in), c.in)
	}
}

func TestEventLog(t *testing.T) {
	l := newEventLog(2)
	l.add("call", "one")
	l.add("upload", "two")
	l.add("call", "three")

	events := l.snapshot()
	assert.Len(t, events, 2)
	assert.Equal(t, "two", events[0].Detail)
	assert.Equal(t, "three", events[1].Detail)
	assert.False(t, events[0].Time.IsZero())
}
