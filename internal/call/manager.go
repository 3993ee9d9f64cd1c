// Package call manages the lifecycle of voice/video calls: invite signaling
// over the messaging session, the SDP/ICE exchange driving a peer-to-peer
// media link, and the server-mediated conference variant. At most one call
// session is active per process.
package call

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/tinode/tinmedia/internal/config"
	"github.com/tinode/tinmedia/internal/metrics"
	"github.com/tinode/tinmedia/internal/session"
	"github.com/tinode/tinmedia/internal/signal"
)

var log = logging.Logger("call")

// Manager owns the single active call and routes inbound signaling to it.
type Manager struct {
	sess    session.Session
	newLink PeerLinkFactory
	cfg     config.Calls
	met     *metrics.Metrics

	onIncoming func(*Call)
	onState    func(*Call, State)

	mu     sync.Mutex
	active *Call

	done chan struct{}
}

// Options configures a call Manager.
type Options struct {
	Config      config.Calls
	LinkFactory PeerLinkFactory
	Metrics     *metrics.Metrics

	// OnIncoming fires when HandleIncoming registers a ringing call.
	OnIncoming func(*Call)

	// OnState fires on every call state transition, including StateClosed.
	OnState func(*Call, State)
}

// NewManager creates a call manager attached to sess and starts consuming
// its info events immediately.
func NewManager(sess session.Session, opts Options) *Manager {
	if opts.LinkFactory == nil {
		opts.LinkFactory = NewEngine
	}
	m := &Manager{
		sess:       sess,
		newLink:    opts.LinkFactory,
		cfg:        opts.Config,
		met:        opts.Metrics,
		onIncoming: opts.OnIncoming,
		onState:    opts.OnState,
		done:       make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// Active returns the current non-closed call, if any.
func (m *Manager) Active() (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.State() == StateClosed {
		return nil, false
	}
	return m.active, true
}

// Initiate starts an outgoing call on topic. Fails with ErrBusy while
// another call is active; the existing call must be hung up first.
func (m *Manager) Initiate(ctx context.Context, topic string, audioOnly bool) (*Call, error) {
	c := m.newCall(topic, Outgoing, audioOnly)

	m.mu.Lock()
	if m.active != nil && m.active.State() != StateClosed {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.active = c
	m.mu.Unlock()

	m.met.CallStarted(string(Outgoing))
	if err := c.start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// HandleIncoming registers an inbound call invite (delivered as a message
// with call metadata; the embedding layer extracts topic, seq and mode).
// While another call is active the invite is answered with an immediate
// hang-up (the busy signal) without touching the active call.
func (m *Manager) HandleIncoming(topic string, seq int, audioOnly bool) (*Call, error) {
	if seq <= 0 {
		return nil, ErrNoSeq
	}
	c := m.newCall(topic, Incoming, audioOnly)
	c.seq = seq

	m.mu.Lock()
	if m.active != nil && m.active.State() != StateClosed {
		m.mu.Unlock()
		_ = m.sess.Notify(topic, signal.NewBare(topic, seq, signal.KindHangUp).Body())
		log.Infof("CALL [%s#%d]: busy, declining", topic, seq)
		return nil, ErrBusy
	}
	m.active = c
	m.mu.Unlock()

	m.met.CallStarted(string(Incoming))
	c.startIncoming()
	if m.onIncoming != nil {
		m.onIncoming(c)
	}
	return c, nil
}

func (m *Manager) newCall(topic string, dir Direction, audioOnly bool) *Call {
	c := &Call{
		Topic:     topic,
		Direction: dir,
		AudioOnly: audioOnly,
		sess:      m.sess,
		newLink:   m.newLink,
		met:       m.met,
		onState:   m.onState,
		state:     StateIdle,
		ice:       append([]config.ICEServer(nil), m.cfg.ICEServers...),
		sfuAddr:   m.cfg.SFUAddr,
		closed:    make(chan struct{}),
		sendCh:    make(chan *signal.Event, 32),
	}
	go c.sendLoop()
	return c
}

// Close hangs up the active call and stops dispatching.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.mu.Lock()
	active := m.active
	m.active = nil
	m.mu.Unlock()

	if active != nil {
		active.HangUp()
	}
}

// dispatchLoop consumes inbound info events and routes call signaling to the
// active session.
func (m *Manager) dispatchLoop() {
	ch, cancel := m.sess.InfoEvents()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(ev)
		}
	}
}

func (m *Manager) dispatch(ev *session.InfoEvent) {
	if ev.What != signal.What {
		return
	}
	parsed, err := signal.Parse(ev.Topic, ev.From, ev.Body)
	if err != nil {
		if errors.Is(err, signal.ErrUnknownEvent) {
			log.Warnf("CALL [%s]: rejecting %v", ev.Topic, err)
		} else {
			log.Warnf("CALL [%s]: %v", ev.Topic, err)
		}
		return
	}
	if parsed.Seq == 0 {
		parsed.Seq = ev.Seq
	}

	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active == nil || active.Topic != parsed.Topic {
		log.Debugf("CALL [%s#%d]: %s with no matching call", parsed.Topic, parsed.Seq, parsed.Kind)
		return
	}
	// Scope by seq once the call has one; an outgoing call learns its seq
	// from the invite ack, so early events pass through unscoped.
	if seq := active.Seq(); seq > 0 && parsed.Seq > 0 && parsed.Seq != seq {
		log.Debugf("CALL [%s]: event for seq %d, active is %d", parsed.Topic, parsed.Seq, seq)
		return
	}
	active.handleEvent(parsed)
}
