package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// capturePipeline abstracts platform media capture. populate registers the
// codecs the pipeline can produce; acquire attaches local tracks to the peer
// connection. A nil stop with a nil error means the link is receive-only.
type capturePipeline interface {
	populate(me *webrtc.MediaEngine) error
	acquire(pc *webrtc.PeerConnection, audioOnly bool) (stop func(), err error)
}

func newInterceptors(me *webrtc.MediaEngine) (*interceptor.Registry, error) {
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, err
	}
	return registry, nil
}

// addRecvOnlyTransceivers adds recvonly transceivers so CreateOffer and
// CreateAnswer always produce valid m-lines with ICE credentials, even with
// no local tracks.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, audioOnly bool) error {
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if !audioOnly {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
