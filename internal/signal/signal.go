// Package signal defines the application-level call-signaling payload that
// rides inside the server's generic {info} event envelope. Events are decoded
// at the boundary into a closed set of kinds with typed payloads; unknown
// event tags are rejected, never silently ignored.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// What identifies call signaling inside an info event.
const What = "call"

// Wire tags for the "event" field. Single source of truth for all call
// signaling strings used across the codebase.
const (
	tagOffer     = "offer"
	tagAnswer    = "answer"
	tagCandidate = "ice-candidate"
	tagAccept    = "accept"
	tagHangUp    = "hang-up"
	tagRinging   = "ringing"
	tagVCToken   = "vc-token"
)

var (
	ErrUnknownEvent = errors.New("unknown signaling event")
	ErrBadPayload   = errors.New("malformed signaling payload")
)

// EventKind is the closed set of signaling event types.
type EventKind int

const (
	KindInvalid EventKind = iota
	KindOffer
	KindAnswer
	KindCandidate
	KindAccept
	KindHangUp
	KindRinging
	KindVCToken
)

var kindTags = map[EventKind]string{
	KindOffer:     tagOffer,
	KindAnswer:    tagAnswer,
	KindCandidate: tagCandidate,
	KindAccept:    tagAccept,
	KindHangUp:    tagHangUp,
	KindRinging:   tagRinging,
	KindVCToken:   tagVCToken,
}

var tagKinds = func() map[string]EventKind {
	m := make(map[string]EventKind, len(kindTags))
	for k, t := range kindTags {
		m[t] = k
	}
	return m
}()

func (k EventKind) String() string {
	if t, ok := kindTags[k]; ok {
		return t
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// SessionDescription is the payload of offer and answer events.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is the payload of ice-candidate events.
type Candidate struct {
	Type          string `json:"type"` // always "candidate"
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
	Candidate     string `json:"candidate"`
}

// Token is the payload of vc-token events (conference room join).
type Token struct {
	Token string `json:"token"`
	SFU   string `json:"sfu,omitempty"`
}

// Event is one decoded signaling event, scoped to a call by (Topic, Seq).
type Event struct {
	Topic string
	From  string
	Seq   int
	Kind  EventKind

	// Exactly one of these is set, matching Kind. All nil for
	// accept / hang-up / ringing.
	Desc  *SessionDescription
	Cand  *Candidate
	Token *Token
}

// Parse decodes the body of an info event whose "what" is "call".
// body is the raw map the session layer hands over:
//
//	{what:"call", event:"offer", seq:42, payload:{type:"offer", sdp:"..."}}
//
// Returns ErrUnknownEvent for tags outside the closed set and ErrBadPayload
// when the payload does not match the event's expected shape.
func Parse(topic, from string, body map[string]any) (*Event, error) {
	if w, _ := body["what"].(string); w != What {
		return nil, fmt.Errorf("%w: what=%q", ErrUnknownEvent, body["what"])
	}
	tag, _ := body["event"].(string)
	kind, ok := tagKinds[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, tag)
	}

	ev := &Event{Topic: topic, From: from, Kind: kind, Seq: intField(body, "seq")}

	payload, _ := body["payload"].(map[string]any)
	switch kind {
	case KindOffer, KindAnswer:
		desc, err := decodePayload[SessionDescription](payload)
		if err != nil {
			return nil, err
		}
		if desc.SDP == "" {
			return nil, fmt.Errorf("%w: %s without sdp", ErrBadPayload, tag)
		}
		ev.Desc = desc
	case KindCandidate:
		cand, err := decodePayload[Candidate](payload)
		if err != nil {
			return nil, err
		}
		if cand.Candidate == "" {
			return nil, fmt.Errorf("%w: empty candidate", ErrBadPayload)
		}
		ev.Cand = cand
	case KindVCToken:
		tok, err := decodePayload[Token](payload)
		if err != nil {
			return nil, err
		}
		if tok.Token == "" {
			return nil, fmt.Errorf("%w: empty token", ErrBadPayload)
		}
		ev.Token = tok
	}
	return ev, nil
}

// Body returns the JSON-marshalable info-event body for publishing this event.
func (e *Event) Body() map[string]any {
	body := map[string]any{
		"what":  What,
		"event": e.Kind.String(),
		"seq":   e.Seq,
	}
	switch {
	case e.Desc != nil:
		body["payload"] = map[string]any{"type": e.Desc.Type, "sdp": e.Desc.SDP}
	case e.Cand != nil:
		body["payload"] = map[string]any{
			"type":          "candidate",
			"sdpMLineIndex": e.Cand.SDPMLineIndex,
			"sdpMid":        e.Cand.SDPMid,
			"candidate":     e.Cand.Candidate,
		}
	case e.Token != nil:
		body["payload"] = map[string]any{"token": e.Token.Token, "sfu": e.Token.SFU}
	}
	return body
}

// NewDesc builds an offer or answer event.
func NewDesc(topic string, seq int, kind EventKind, sdpType, sdp string) *Event {
	return &Event{
		Topic: topic, Seq: seq, Kind: kind,
		Desc: &SessionDescription{Type: sdpType, SDP: sdp},
	}
}

// NewCandidate builds an ice-candidate event.
func NewCandidate(topic string, seq int, mid string, mLineIndex uint16, candidate string) *Event {
	return &Event{
		Topic: topic, Seq: seq, Kind: KindCandidate,
		Cand: &Candidate{Type: "candidate", SDPMid: mid, SDPMLineIndex: mLineIndex, Candidate: candidate},
	}
}

// NewBare builds a payload-less event (accept, hang-up, ringing).
func NewBare(topic string, seq int, kind EventKind) *Event {
	return &Event{Topic: topic, Seq: seq, Kind: kind}
}

// decodePayload round-trips a generic map through JSON into a typed payload.
// Keeps numeric coercion rules (float64 → uint16) in one place.
func decodePayload[T any](payload map[string]any) (*T, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrBadPayload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return &out, nil
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
