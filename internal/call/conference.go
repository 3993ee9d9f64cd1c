package call

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
)

var ErrNoSFU = errors.New("no conference server address")

// Room is one server-mediated conference session. It tracks the live
// participant set; media routing is handled by the SFU client.
type Room struct {
	lk *lksdk.Room

	mu           sync.Mutex
	participants map[string]string // identity -> display name
}

// Participants returns the identities currently in the room, sorted.
func (r *Room) Participants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.participants))
	for id := range r.participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Leave disconnects from the room. Safe to call more than once.
func (r *Room) Leave() {
	if r.lk != nil {
		r.lk.Disconnect()
	}
}

func (r *Room) addParticipant(rp *lksdk.RemoteParticipant) {
	r.mu.Lock()
	r.participants[rp.Identity()] = rp.Name()
	r.mu.Unlock()
	log.Infof("ROOM: %s joined", rp.Identity())
}

func (r *Room) removeParticipant(rp *lksdk.RemoteParticipant) {
	r.mu.Lock()
	delete(r.participants, rp.Identity())
	r.mu.Unlock()
	log.Infof("ROOM: %s left", rp.Identity())
}

// joinConference switches the call to conference mode: the server issued a
// room token instead of (or in addition to) relaying peer signaling. Any
// peer-to-peer link in progress is torn down in favor of the SFU.
func (c *Call) joinConference(token, sfu string) error {
	if sfu == "" {
		sfu = c.sfuAddr
	}
	if sfu == "" {
		return ErrNoSFU
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.room != nil {
		c.mu.Unlock()
		return nil
	}
	link := c.link
	c.link = nil
	c.mu.Unlock()

	if link != nil {
		link.Close()
	}

	r := &Room{participants: make(map[string]string)}
	cb := &lksdk.RoomCallback{
		OnParticipantConnected:    r.addParticipant,
		OnParticipantDisconnected: r.removeParticipant,
		OnDisconnected: func() {
			c.close("conference-ended")
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				log.Infof("ROOM: subscribed to %s %s", rp.Identity(), track.Kind())
			},
			OnConnectionQualityChanged: func(update *livekit.ConnectionQuality, p lksdk.Participant) {
				log.Debugf("ROOM: %s quality %s", p.Identity(), update.String())
			},
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(sfu, token, cb, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return fmt.Errorf("joining room at %s: %w", sfu, err)
	}
	r.lk = room

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		r.Leave()
		return ErrClosed
	}
	c.room = r
	c.mu.Unlock()

	for _, rp := range room.GetRemoteParticipants() {
		r.addParticipant(rp)
	}

	c.setState(StateConnected)
	return nil
}

// ConferenceRoom returns the active conference room, if the call is in
// conference mode.
func (c *Call) ConferenceRoom() (*Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.room != nil
}
