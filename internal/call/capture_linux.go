//go:build linux && cgo

package call

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceCapture captures camera/microphone via pion/mediadevices (V4L2 +
// malgo) and encodes with VP8 + Opus.
type deviceCapture struct {
	selector *mediadevices.CodecSelector
}

func newCapture() capturePipeline { return &deviceCapture{} }

func (d *deviceCapture) populate(me *webrtc.MediaEngine) error {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return err
	}

	d.selector = mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	d.selector.Populate(me)
	return nil
}

// acquire captures local media with graceful fallback. GetUserMedia fails as
// a unit if either track cannot be opened, so a missing or busy microphone
// must not prevent the camera from working and vice versa: try video+audio
// first, then video-only, then audio-only. When every attempt fails the link
// proceeds receive-only so the call can still play remote media.
func (d *deviceCapture) acquire(pc *webrtc.PeerConnection, audioOnly bool) (func(), error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if audioOnly {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG. Some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640x480 to keep VP8 encoding latency down.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("PEER: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Debugf("PEER: local track ended: %v", err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Warnf("PEER: AddTrack: %v", err)
			}
		}

		log.Infof("PEER: local media captured (%s), %d tracks", a.label, len(tracks))
		stop := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return stop, nil
	}

	log.Warnf("PEER: all capture attempts failed, proceeding receive-only")
	if err := addRecvOnlyTransceivers(pc, audioOnly); err != nil {
		return nil, err
	}
	return nil, nil
}
