package call

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/tinode/tinmedia/internal/config"
	"github.com/tinode/tinmedia/internal/signal"
)

// Interval between keyframe requests on inbound video.
const pliInterval = 3 * time.Second

// engine is the production PeerLink over pion/webrtc. Capture is delegated to
// the platform pipeline; on platforms without capture drivers the link runs
// receive-only.
type engine struct {
	pc      *webrtc.PeerConnection
	h       PeerHandler
	capture capturePipeline

	mu          sync.Mutex
	pending     []*signal.Candidate // trickled in before the remote description
	remoteSet   bool
	stopCapture func()
	closed      bool

	done chan struct{}
}

// NewEngine builds a pion peer connection wired to h. Generous ICE timeouts
// keep a call alive through brief relay or NAT hiccups; the default
// disconnected timeout of 5s is far too short for relay failover.
func NewEngine(h PeerHandler, ice []config.ICEServer) (PeerLink, error) {
	capture := newCapture()

	mediaEngine := &webrtc.MediaEngine{}
	if err := capture.populate(mediaEngine); err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	registry, err := newInterceptors(mediaEngine)
	if err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: toWebRTCICE(ice)})
	if err != nil {
		return nil, err
	}

	e := &engine{
		pc:      pc,
		h:       h,
		capture: capture,
		done:    make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			h.HandleLocalCandidate(nil)
			return
		}
		init := c.ToJSON()
		cand := &signal.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		h.HandleLocalCandidate(cand)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("PEER: connection state %s", s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			h.HandleConnectionState(PeerConnected)
		case webrtc.PeerConnectionStateDisconnected:
			h.HandleConnectionState(PeerDisconnected)
		case webrtc.PeerConnectionStateFailed:
			h.HandleConnectionState(PeerFailed)
		case webrtc.PeerConnectionStateClosed:
			h.HandleConnectionState(PeerClosed)
		}
	})

	pc.OnNegotiationNeeded(h.HandleRenegotiationNeeded)

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		log.Infof("PEER: remote %s track %s", kind, track.ID())
		h.HandleRemoteTrack(kind)
		go e.drainTrack(track)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go e.keyframeLoop(track)
		}
	})

	return e, nil
}

func (e *engine) AddLocalMedia(audioOnly bool) error {
	stop, err := e.capture.acquire(e.pc, audioOnly)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.stopCapture = stop
	e.mu.Unlock()
	return nil
}

func (e *engine) CreateOffer() (*signal.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return &signal.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (e *engine) AcceptOffer(desc *signal.SessionDescription) (*signal.SessionDescription, error) {
	if err := e.setRemote(desc); err != nil {
		return nil, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return &signal.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (e *engine) AcceptAnswer(desc *signal.SessionDescription) error {
	return e.setRemote(desc)
}

// setRemote installs the remote description and flushes candidates that
// arrived ahead of it.
func (e *engine) setRemote(desc *signal.SessionDescription) error {
	sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := e.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	e.mu.Lock()
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, c := range pending {
		if err := e.addCandidate(c); err != nil {
			log.Warnf("PEER: buffered candidate: %v", err)
		}
	}
	return nil
}

func (e *engine) AddRemoteCandidate(c *signal.Candidate) error {
	e.mu.Lock()
	if !e.remoteSet {
		e.pending = append(e.pending, c)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.addCandidate(c)
}

func (e *engine) addCandidate(c *signal.Candidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (e *engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stop := e.stopCapture
	e.stopCapture = nil
	e.mu.Unlock()

	close(e.done)
	if stop != nil {
		stop()
	}
	return e.pc.Close()
}

// drainTrack keeps the inbound RTP flow moving. Without a reader the
// interceptor chain stalls and NACK/receiver reports stop.
func (e *engine) drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("PEER: %s track read: %v", track.Kind(), err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debugf("PEER: malformed RTP packet: %v", err)
		}
	}
}

// keyframeLoop periodically requests a keyframe for an inbound video track so
// a viewer joining mid-stream is not stuck on a stale reference frame.
func (e *engine) keyframeLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			err := e.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

func toWebRTCICE(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
