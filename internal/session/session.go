// Package session defines the messaging-session surface the call and upload
// subsystems consume, plus a websocket implementation of it. Consumers hold
// the interface; tests substitute fakes.
package session

import (
	"context"
	"encoding/json"
	"net/http"
)

// Server-advertised limit keys, learned from the hello response.
const (
	LimitMaxMessageSize    = "maxMessageSize"
	LimitMaxFileUploadSize = "maxFileUploadSize"
)

// InfoEvent is an inbound application info event scoped to a topic and a
// message sequence number.
type InfoEvent struct {
	Topic string
	From  string
	Seq   int
	What  string
	Body  map[string]any
}

// Ctrl is the server's control response to a request.
type Ctrl struct {
	Code   int
	Text   string
	Topic  string
	Params map[string]any
}

// Ok reports a 2xx control code.
func (c *Ctrl) Ok() bool { return c != nil && c.Code >= 200 && c.Code < 300 }

// IntParam returns an integer ctrl parameter, def when absent.
func (c *Ctrl) IntParam(key string, def int) int {
	if c == nil || c.Params == nil {
		return def
	}
	switch v := c.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return int(n)
		}
	}
	return def
}

// StrParam returns a string ctrl parameter, def when absent.
func (c *Ctrl) StrParam(key, def string) string {
	if c == nil || c.Params == nil {
		return def
	}
	if s, ok := c.Params[key].(string); ok && s != "" {
		return s
	}
	return def
}

// MetaQuery is a builder-style descriptor of what to fetch when attaching
// to a topic.
type MetaQuery struct {
	desc      bool
	sub       bool
	data      bool
	dataSince int
}

func NewMetaQuery() *MetaQuery { return &MetaQuery{} }

func (q *MetaQuery) WithDesc() *MetaQuery { q.desc = true; return q }
func (q *MetaQuery) WithSub() *MetaQuery  { q.sub = true; return q }

// WithLaterData requests messages newer than since (0 = all cached).
func (q *MetaQuery) WithLaterData(since int) *MetaQuery {
	q.data = true
	q.dataSince = since
	return q
}

// wire renders the query for the sub packet's "get" field.
func (q *MetaQuery) wire() map[string]any {
	if q == nil {
		return nil
	}
	var what string
	get := map[string]any{}
	if q.desc {
		what += " desc"
	}
	if q.sub {
		what += " sub"
	}
	if q.data {
		what += " data"
		if q.dataSince > 0 {
			get["data"] = map[string]any{"since": q.dataSince}
		}
	}
	if what == "" {
		return nil
	}
	get["what"] = what[1:]
	return get
}

// Session is the messaging collaborator: topic attach, publish with headers,
// fire-and-forget notifications, inbound info events, connectivity state and
// server-advertised limits.
type Session interface {
	// Attach subscribes to topic, fetching whatever q describes. Attaching
	// to an already-attached topic is a no-op success.
	Attach(ctx context.Context, topic string, q *MetaQuery) (*Ctrl, error)

	// Publish sends structured content with an arbitrary header map and
	// waits for the server's ctrl response (which carries the assigned seq).
	Publish(ctx context.Context, topic string, head map[string]any, content any) (*Ctrl, error)

	// Notify sends a best-effort info event. No response is awaited.
	Notify(topic string, body map[string]any) error

	// InfoEvents subscribes to inbound info events. cancel unregisters and
	// closes the channel.
	InfoEvents() (ch <-chan *InfoEvent, cancel func())

	// Online reports whether the session is connected and authenticated.
	Online() bool

	// WaitOnline blocks until the session is online or ctx is done.
	WaitOnline(ctx context.Context) error

	// ServerLimit returns a server-advertised numeric limit, def when the
	// server has not advertised one.
	ServerLimit(key string, def int64) int64

	// AuthHeaders returns the HTTP headers needed for authenticated
	// out-of-band requests (large-file uploads and downloads).
	AuthHeaders() http.Header
}
