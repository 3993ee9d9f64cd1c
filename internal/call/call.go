package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tinode/tinmedia/internal/config"
	"github.com/tinode/tinmedia/internal/drafty"
	"github.com/tinode/tinmedia/internal/metrics"
	"github.com/tinode/tinmedia/internal/session"
	"github.com/tinode/tinmedia/internal/signal"
	"github.com/tinode/tinmedia/internal/util"
)

// State is the call lifecycle. Any state can transition directly to
// StateClosed; StateClosed is terminal.
type State int

const (
	StateIdle State = iota
	StateInviting
	StateRinging
	StateAccepted
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInviting:
		return "inviting"
	case StateRinging:
		return "ringing"
	case StateAccepted:
		return "accepted"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Direction of the call relative to this client.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

var (
	ErrBusy      = errors.New("another call is active")
	ErrClosed    = errors.New("call is closed")
	ErrBadState  = errors.New("operation invalid in current call state")
	ErrNoSeq     = errors.New("call has no sequence number")
	ErrMediaInit = errors.New("local media initialization failed")
)

// Call is one call session, identified by topic plus the server-assigned
// sequence number of its invite message. All signaling handlers re-check the
// state under the lock and are no-ops once the call is closed.
type Call struct {
	Topic     string
	Direction Direction
	AudioOnly bool

	sess    session.Session
	newLink PeerLinkFactory
	met     *metrics.Metrics
	onState func(*Call, State)
	sfuAddr string

	mu         sync.Mutex
	state      State
	seq        int
	ice        []config.ICEServer
	link       PeerLink
	room       *Room
	hangupSent bool
	closeOnce  sync.Once
	closed     chan struct{}

	// Outbound signaling queue, drained by sendLoop. Handlers enqueue and
	// return; the inbound dispatch path never waits on the network.
	sendCh chan *signal.Event
}

// Seq returns the server-assigned call identifier, 0 before the invite is
// acknowledged.
func (c *Call) Seq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the call reaches StateClosed.
func (c *Call) Done() <-chan struct{} { return c.closed }

// setState transitions under the lock and emits the state callback outside it.
// Returns false without transitioning when the call is already closed.
func (c *Call) setState(s State) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = s
	c.mu.Unlock()

	log.Infof("CALL [%s#%d]: state %s", c.Topic, c.Seq(), s)
	if c.onState != nil {
		c.onState(c, s)
	}
	return true
}

// start runs the outgoing-call setup: attach to the topic (waiting for the
// session to come online first), acquire local media, then publish the
// invite and record the assigned seq. Any failure closes the call.
func (c *Call) start(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, util.DefaultAttachTimeout)
	defer cancel()
	if err := c.sess.WaitOnline(waitCtx); err != nil {
		c.close("offline")
		return fmt.Errorf("session offline: %w", err)
	}

	if _, err := c.sess.Attach(ctx, c.Topic, session.NewMetaQuery().WithDesc().WithSub()); err != nil {
		c.close("subscribe-failed")
		return err
	}

	// Local media comes up before any call signaling goes out, so a
	// camera/microphone denial never leaves the peer with a ghost invite.
	link, err := c.newLink(&peerEvents{c}, c.iceServers())
	if err != nil {
		c.close("media-failed")
		return fmt.Errorf("%w: %v", ErrMediaInit, err)
	}
	if err := link.AddLocalMedia(c.AudioOnly); err != nil {
		link.Close()
		c.close("media-failed")
		return fmt.Errorf("%w: %v", ErrMediaInit, err)
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		link.Close()
		return ErrClosed
	}
	c.link = link
	c.mu.Unlock()

	head := map[string]any{"webrtc": "started"}
	if c.AudioOnly {
		head["aonly"] = true
	}
	pubCtx, pubCancel := context.WithTimeout(ctx, util.DefaultPublishTimeout)
	defer pubCancel()
	ctrl, err := c.sess.Publish(pubCtx, c.Topic, head, drafty.FromPlainText("Incoming call"))
	if err != nil {
		c.close("invite-failed")
		return fmt.Errorf("call invite: %w", err)
	}

	seq := ctrl.IntParam("seq", 0)
	if seq <= 0 {
		c.close("invite-failed")
		return errors.New("invite response carried no seq")
	}

	c.mu.Lock()
	c.seq = seq
	c.ice = append(c.ice, parseICEParams(ctrl.Params)...)
	c.mu.Unlock()

	// A token in the invite response switches this call to conference mode.
	if token := ctrl.StrParam("token", ""); token != "" {
		sfu := ctrl.StrParam("sfu", "")
		return c.joinConference(token, sfu)
	}

	c.setState(StateInviting)
	return nil
}

// startIncoming sets up a ringing call for an inbound invite and notifies
// the caller that this device is ringing.
func (c *Call) startIncoming() {
	c.setState(StateRinging)
	c.notify(signal.NewBare(c.Topic, c.seqLocked(), signal.KindRinging))
}

// Accept answers an incoming call: local media first, then the accept event.
// The caller side responds with an offer.
func (c *Call) Accept() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.Direction != Incoming || c.state != StateRinging {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBadState, c.state)
	}
	ice := c.iceLocked()
	c.mu.Unlock()

	link, err := c.newLink(&peerEvents{c}, ice)
	if err != nil {
		c.HangUp()
		return fmt.Errorf("%w: %v", ErrMediaInit, err)
	}
	if err := link.AddLocalMedia(c.AudioOnly); err != nil {
		link.Close()
		c.HangUp()
		return fmt.Errorf("%w: %v", ErrMediaInit, err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		link.Close()
		return ErrClosed
	}
	c.link = link
	c.mu.Unlock()

	if !c.setState(StateAccepted) {
		return ErrClosed
	}
	c.notify(signal.NewBare(c.Topic, c.seqLocked(), signal.KindAccept))
	return nil
}

// HangUp tears the call down. Idempotent: safe to call repeatedly and safe
// to race with remote teardown. The hang-up event is sent at most once, and
// only when a server seq identifies the call.
func (c *Call) HangUp() {
	c.close("hangup")
}

// close converges every teardown path on StateClosed. Best-effort signaling;
// never blocks the caller on network I/O.
func (c *Call) close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		seq := c.seq
		sendHangup := seq > 0 && !c.hangupSent && reason != "remote-hangup"
		if sendHangup {
			c.hangupSent = true
		}
		link := c.link
		c.link = nil
		room := c.room
		c.room = nil
		c.mu.Unlock()

		if sendHangup {
			// Fire and forget, bypassing the queue; teardown must not wait
			// on the network and the hang-up must not queue behind stale SDP.
			go c.sendNow(signal.NewBare(c.Topic, seq, signal.KindHangUp))
		}
		if link != nil {
			if err := link.Close(); err != nil {
				log.Debugf("CALL [%s#%d]: link close: %v", c.Topic, seq, err)
			}
		}
		if room != nil {
			room.Leave()
		}

		c.met.CallClosed(reason)
		log.Infof("CALL [%s#%d]: closed (%s)", c.Topic, seq, reason)
		if c.onState != nil {
			c.onState(c, StateClosed)
		}
		close(c.closed)
	})
}

// handleEvent processes one inbound signaling event already scoped to this
// call. Events on a closed call are no-ops.
func (c *Call) handleEvent(ev *signal.Event) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	state := c.state
	link := c.link
	c.mu.Unlock()

	switch ev.Kind {
	case signal.KindRinging:
		// Peer device is ringing; informational while inviting.
		log.Debugf("CALL [%s#%d]: peer ringing", c.Topic, ev.Seq)

	case signal.KindAccept:
		if c.Direction != Outgoing || state != StateInviting {
			return
		}
		c.setState(StateAccepted)
		c.sendOffer()

	case signal.KindOffer:
		if link == nil {
			log.Warnf("CALL [%s#%d]: offer before media link, dropping", c.Topic, ev.Seq)
			return
		}
		answer, err := link.AcceptOffer(ev.Desc)
		if err != nil {
			log.Warnf("CALL [%s#%d]: accept offer: %v", c.Topic, ev.Seq, err)
			c.close("sdp-failed")
			return
		}
		// A hang-up may have landed while the offer was being applied; a
		// failed transition means closed, and no answer goes out.
		if !c.setState(StateNegotiating) {
			return
		}
		c.notify(signal.NewDesc(c.Topic, c.seqLocked(), signal.KindAnswer, answer.Type, answer.SDP))

	case signal.KindAnswer:
		if link == nil {
			return
		}
		if err := link.AcceptAnswer(ev.Desc); err != nil {
			log.Warnf("CALL [%s#%d]: accept answer: %v", c.Topic, ev.Seq, err)
			c.close("sdp-failed")
		}

	case signal.KindCandidate:
		if link == nil {
			return
		}
		// Candidates trickle in unordered for the whole call lifetime,
		// including after Connected. Every one is applied.
		if err := link.AddRemoteCandidate(ev.Cand); err != nil {
			log.Warnf("CALL [%s#%d]: add candidate: %v", c.Topic, ev.Seq, err)
		}

	case signal.KindVCToken:
		if err := c.joinConference(ev.Token.Token, ev.Token.SFU); err != nil {
			log.Warnf("CALL [%s#%d]: conference join: %v", c.Topic, ev.Seq, err)
			c.close("conference-failed")
		}

	case signal.KindHangUp:
		c.close("remote-hangup")
	}
}

// sendOffer creates and sends a fresh offer. Used for the initial exchange
// and for every renegotiation the engine requests.
func (c *Call) sendOffer() {
	c.mu.Lock()
	link := c.link
	state := c.state
	c.mu.Unlock()
	if link == nil || state == StateClosed {
		return
	}

	offer, err := link.CreateOffer()
	if err != nil {
		log.Warnf("CALL [%s#%d]: create offer: %v", c.Topic, c.Seq(), err)
		c.close("sdp-failed")
		return
	}
	if state != StateConnected && !c.setState(StateNegotiating) {
		return
	}
	if c.State() == StateClosed {
		return
	}
	c.notify(signal.NewDesc(c.Topic, c.seqLocked(), signal.KindOffer, offer.Type, offer.SDP))
}

// notify queues a signaling event for sending. Never blocks: a full queue
// drops the event with a warning rather than stalling the handler.
func (c *Call) notify(ev *signal.Event) {
	select {
	case c.sendCh <- ev:
	default:
		log.Warnf("CALL [%s#%d]: outbound queue full, dropping %s", c.Topic, ev.Seq, ev.Kind)
	}
}

// sendNow ships one signaling event best-effort over the session.
func (c *Call) sendNow(ev *signal.Event) {
	if err := c.sess.Notify(c.Topic, ev.Body()); err != nil {
		log.Debugf("CALL [%s#%d]: notify %s: %v", c.Topic, ev.Seq, ev.Kind, err)
	}
}

// sendLoop serializes outbound signaling in order on its own goroutine, so a
// slow session write can never stall the inbound dispatch path. Exits when
// the call closes; events still queued are stale at that point.
func (c *Call) sendLoop() {
	for {
		select {
		case <-c.closed:
			return
		case ev := <-c.sendCh:
			if c.State() == StateClosed {
				return
			}
			c.sendNow(ev)
		}
	}
}

func (c *Call) seqLocked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func (c *Call) iceLocked() []config.ICEServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iceServers()
}

// iceServers merges static config with invite-provisioned servers.
// Callers may hold c.mu; the slice is copied either way.
func (c *Call) iceServers() []config.ICEServer {
	out := make([]config.ICEServer, len(c.ice))
	copy(out, c.ice)
	return out
}

// peerEvents adapts engine callbacks onto the call. Kept separate so the
// engine surface on Call stays unexported.
type peerEvents struct{ c *Call }

func (p *peerEvents) HandleLocalCandidate(cand *signal.Candidate) {
	c := p.c
	if cand == nil || c.State() == StateClosed {
		return
	}
	c.notify(signal.NewCandidate(c.Topic, c.seqLocked(), cand.SDPMid, cand.SDPMLineIndex, cand.Candidate))
}

func (p *peerEvents) HandleConnectionState(s PeerState) {
	c := p.c
	switch s {
	case PeerConnected:
		c.setState(StateConnected)
	case PeerFailed:
		c.close("ice-failed")
	case PeerClosed:
		c.close("peer-closed")
	case PeerDisconnected:
		// Transient: ICE may recover. Loss of the signaling session does
		// not close a connected call either; media can keep flowing.
		log.Warnf("CALL [%s#%d]: peer disconnected, waiting for recovery", c.Topic, c.Seq())
	}
}

func (p *peerEvents) HandleRenegotiationNeeded() {
	c := p.c
	switch c.State() {
	case StateNegotiating, StateConnected:
		c.sendOffer()
	}
}

func (p *peerEvents) HandleRemoteTrack(kind string) {
	log.Infof("CALL [%s#%d]: remote %s track", p.c.Topic, p.c.Seq(), kind)
}

// parseICEParams extracts invite-provisioned (time-limited) ICE servers from
// ctrl params.
func parseICEParams(params map[string]any) []config.ICEServer {
	raw, ok := params["iceServers"].([]any)
	if !ok {
		return nil
	}
	var out []config.ICEServer
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		var srv config.ICEServer
		switch u := m["urls"].(type) {
		case string:
			srv.URLs = []string{u}
		case []any:
			for _, v := range u {
				if s, ok := v.(string); ok {
					srv.URLs = append(srv.URLs, s)
				}
			}
		}
		if len(srv.URLs) == 0 {
			continue
		}
		srv.Username, _ = m["username"].(string)
		srv.Credential, _ = m["credential"].(string)
		out = append(out, srv)
	}
	return out
}
