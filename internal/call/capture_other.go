//go:build !linux || !cgo

package call

import (
	"github.com/pion/webrtc/v4"
)

// recvOnlyCapture is used on platforms without capture drivers; the link
// receives remote media but sends none.
type recvOnlyCapture struct{}

func newCapture() capturePipeline { return recvOnlyCapture{} }

func (recvOnlyCapture) populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (recvOnlyCapture) acquire(pc *webrtc.PeerConnection, audioOnly bool) (func(), error) {
	if err := addRecvOnlyTransceivers(pc, audioOnly); err != nil {
		return nil, err
	}
	log.Infof("PEER: link ready (receive-only, no local media on this platform)")
	return nil, nil
}
