package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("session")

var (
	ErrClosed   = errors.New("session closed")
	ErrTimeout  = errors.New("request timed out")
	ErrCtrlFail = errors.New("server rejected request")
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	requestWait  = 15 * time.Second

	// Buffer per info-event listener. Subscribers must not block the read
	// loop; overflow is counted and logged, never silent.
	infoEventBuffer = 64
)

// WSClient is the websocket-backed Session implementation: JSON frames, a
// pending-request table keyed by message id, ping keepalive, and fan-out of
// inbound info events to subscribers.
type WSClient struct {
	addr     string
	apiKey   string
	clientID string

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan *Ctrl
	attached map[string]bool
	limits   map[string]int64
	token    string

	online   atomic.Bool
	onlineCh chan struct{} // closed when online flips true; replaced on drop

	listenerMu sync.RWMutex
	listeners  map[chan *InfoEvent]struct{}
	dropped    atomic.Int64

	nextID atomic.Int64
	done   chan struct{}
}

// Dial connects, sends the hello and waits for the server's limit parameters.
// Authentication (login) is the embedding application's concern; Authenticate
// stores the resulting token for upload auth headers.
func Dial(ctx context.Context, addr, apiKey, clientID string) (*WSClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	hdr := http.Header{}
	if apiKey != "" {
		hdr.Set("X-Tinode-APIKey", apiKey)
	}
	conn, _, err := dialer.DialContext(ctx, addr, hdr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &WSClient{
		addr:      addr,
		apiKey:    apiKey,
		clientID:  clientID,
		conn:      conn,
		pending:   make(map[string]chan *Ctrl),
		attached:  make(map[string]bool),
		limits:    make(map[string]int64),
		listeners: make(map[chan *InfoEvent]struct{}),
		onlineCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	go c.readLoop()
	go c.pingLoop()

	ctrl, err := c.request(ctx, map[string]any{
		"hi": map[string]any{
			"id":  c.newID(),
			"ver": "0.24",
			"ua":  clientID,
		},
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	c.storeLimits(ctrl)
	return c, nil
}

// Authenticate records the auth token from a completed login exchange and
// marks the session online.
func (c *WSClient) Authenticate(token string) {
	c.mu.Lock()
	c.token = token
	ch := c.onlineCh
	c.mu.Unlock()

	if c.online.CompareAndSwap(false, true) {
		close(ch)
		log.Infof("session online")
	}
}

func (c *WSClient) storeLimits(ctrl *Ctrl) {
	if ctrl == nil || ctrl.Params == nil {
		return
	}
	c.mu.Lock()
	for _, key := range []string{LimitMaxMessageSize, LimitMaxFileUploadSize} {
		if v := ctrl.IntParam(key, -1); v >= 0 {
			c.limits[key] = int64(v)
		}
	}
	c.mu.Unlock()
}

func (c *WSClient) newID() string {
	return strconv.FormatInt(c.nextID.Add(1), 10)
}

// request writes a frame that carries an "id" and waits for the matching ctrl.
func (c *WSClient) request(ctx context.Context, frame map[string]any) (*Ctrl, error) {
	id := extractID(frame)
	if id == "" {
		return nil, errors.New("frame without id")
	}

	ch := make(chan *Ctrl, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(requestWait)
	defer timer.Stop()
	select {
	case ctrl := <-ch:
		if !ctrl.Ok() {
			return ctrl, fmt.Errorf("%w: %d %s", ErrCtrlFail, ctrl.Code, ctrl.Text)
		}
		return ctrl, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *WSClient) write(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Attach implements Session.
func (c *WSClient) Attach(ctx context.Context, topic string, q *MetaQuery) (*Ctrl, error) {
	c.mu.Lock()
	already := c.attached[topic]
	c.mu.Unlock()
	if already {
		return &Ctrl{Code: 200, Text: "already attached", Topic: topic}, nil
	}

	sub := map[string]any{"id": c.newID(), "topic": topic}
	if get := q.wire(); get != nil {
		sub["get"] = get
	}
	ctrl, err := c.request(ctx, map[string]any{"sub": sub})
	if err != nil {
		// "already subscribed" from the server still means attached.
		if ctrl != nil && ctrl.Code == 304 {
			c.markAttached(topic)
			return ctrl, nil
		}
		return ctrl, fmt.Errorf("attach %s: %w", topic, err)
	}
	c.markAttached(topic)
	return ctrl, nil
}

func (c *WSClient) markAttached(topic string) {
	c.mu.Lock()
	c.attached[topic] = true
	c.mu.Unlock()
}

// Publish implements Session.
func (c *WSClient) Publish(ctx context.Context, topic string, head map[string]any, content any) (*Ctrl, error) {
	pub := map[string]any{
		"id":      c.newID(),
		"topic":   topic,
		"content": content,
	}
	if len(head) > 0 {
		pub["head"] = head
	}
	ctrl, err := c.request(ctx, map[string]any{"pub": pub})
	if err != nil {
		return ctrl, fmt.Errorf("publish to %s: %w", topic, err)
	}
	return ctrl, nil
}

// Notify implements Session: best-effort, no ctrl awaited.
func (c *WSClient) Notify(topic string, body map[string]any) error {
	note := map[string]any{"topic": topic}
	for k, v := range body {
		note[k] = v
	}
	return c.write(map[string]any{"note": note})
}

// InfoEvents implements Session.
func (c *WSClient) InfoEvents() (<-chan *InfoEvent, func()) {
	ch := make(chan *InfoEvent, infoEventBuffer)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel := func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Online implements Session.
func (c *WSClient) Online() bool { return c.online.Load() }

// WaitOnline implements Session.
func (c *WSClient) WaitOnline(ctx context.Context) error {
	if c.online.Load() {
		return nil
	}
	c.mu.Lock()
	ch := c.onlineCh
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// ServerLimit implements Session.
func (c *WSClient) ServerLimit(key string, def int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.limits[key]; ok {
		return v
	}
	return def
}

// AuthHeaders implements Session.
func (c *WSClient) AuthHeaders() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("X-Tinode-APIKey", c.apiKey)
	}
	if c.token != "" {
		hdr.Set("X-Tinode-Auth", "Token "+c.token)
	}
	return hdr
}

// Close shuts the session down. Safe to call more than once.
func (c *WSClient) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = map[chan *InfoEvent]struct{}{}
	c.listenerMu.Unlock()
}

func (c *WSClient) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warnf("ping failed: %v", err)
			}
		}
	}
}

// serverFrame is the union of frames the server can send.
type serverFrame struct {
	Ctrl *struct {
		ID     string         `json:"id"`
		Topic  string         `json:"topic"`
		Code   int            `json:"code"`
		Text   string         `json:"text"`
		Params map[string]any `json:"params"`
	} `json:"ctrl"`
	// Info is kept as a raw map: the envelope fields are lifted out and the
	// whole object is handed to the consumer for payload decoding.
	Info map[string]any `json:"info"`
}

func (c *WSClient) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warnf("read failed, session offline: %v", err)
				c.markOffline()
			}
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debugf("dropping malformed frame: %v", err)
			continue
		}

		switch {
		case frame.Ctrl != nil:
			ctrl := &Ctrl{
				Code:   frame.Ctrl.Code,
				Text:   frame.Ctrl.Text,
				Topic:  frame.Ctrl.Topic,
				Params: frame.Ctrl.Params,
			}
			c.storeLimits(ctrl)
			c.mu.Lock()
			ch := c.pending[frame.Ctrl.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- ctrl
			}
		case frame.Info != nil:
			info := frame.Info
			topic, _ := info["topic"].(string)
			from, _ := info["from"].(string)
			what, _ := info["what"].(string)
			seq, _ := info["seq"].(float64)
			c.fanOut(&InfoEvent{
				Topic: topic,
				From:  from,
				What:  what,
				Seq:   int(seq),
				Body:  info,
			})
		}
	}
}

func (c *WSClient) fanOut(ev *InfoEvent) {
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- ev:
		default:
			n := c.dropped.Add(1)
			log.Warnf("info listener full, dropped %q on %s (%d dropped total)", ev.What, ev.Topic, n)
		}
	}
	c.listenerMu.RUnlock()
}

// DroppedEvents reports how many info events overflowed listener buffers.
func (c *WSClient) DroppedEvents() int64 { return c.dropped.Load() }

func (c *WSClient) markOffline() {
	if c.online.CompareAndSwap(true, false) {
		c.mu.Lock()
		c.onlineCh = make(chan struct{})
		c.attached = make(map[string]bool)
		c.mu.Unlock()
	}
}

func extractID(frame map[string]any) string {
	for _, v := range frame {
		if inner, ok := v.(map[string]any); ok {
			if id, ok := inner["id"].(string); ok {
				return id
			}
		}
	}
	return ""
}
