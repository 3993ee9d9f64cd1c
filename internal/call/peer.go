package call

import (
	"github.com/tinode/tinmedia/internal/config"
	"github.com/tinode/tinmedia/internal/signal"
)

// PeerState is the condensed connection state of a media link.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	default:
		return "new"
	}
}

// PeerHandler receives exactly the media-engine transitions the call
// controller acts on. Callbacks arrive on engine-owned goroutines; the
// controller re-serializes under its own lock.
type PeerHandler interface {
	// HandleLocalCandidate delivers a locally gathered ICE candidate to be
	// trickled to the peer. nil marks the end of gathering.
	HandleLocalCandidate(c *signal.Candidate)

	// HandleConnectionState reports condensed peer-connection transitions.
	HandleConnectionState(s PeerState)

	// HandleRenegotiationNeeded fires when the engine needs a fresh
	// offer/answer round (for example after tracks were added).
	HandleRenegotiationNeeded()

	// HandleRemoteTrack fires once per inbound media track, with its kind
	// ("audio" or "video").
	HandleRemoteTrack(kind string)
}

// PeerLink is the controller's handle on one peer-to-peer media session.
// It exposes only the operations the signaling state machine issues; the
// engine owns its capture and encode pipelines, and none of these calls may
// block on media I/O.
type PeerLink interface {
	// AddLocalMedia acquires camera/microphone and attaches the tracks.
	// Acquisition failure falls back to receive-only rather than failing
	// the link; a returned error means the link is unusable.
	AddLocalMedia(audioOnly bool) error

	// CreateOffer produces and installs a local offer.
	CreateOffer() (*signal.SessionDescription, error)

	// AcceptOffer installs a remote offer and returns the local answer.
	AcceptOffer(desc *signal.SessionDescription) (*signal.SessionDescription, error)

	// AcceptAnswer installs the remote answer to a previous offer.
	AcceptAnswer(desc *signal.SessionDescription) error

	// AddRemoteCandidate feeds one trickled ICE candidate into the link.
	// Candidates arriving before the remote description are buffered, not
	// dropped.
	AddRemoteCandidate(c *signal.Candidate) error

	// Close releases the link and stops local capture. Idempotent.
	Close() error
}

// PeerLinkFactory builds a media link for one call. Tests substitute fakes;
// production uses the pion engine.
type PeerLinkFactory func(h PeerHandler, ice []config.ICEServer) (PeerLink, error)
