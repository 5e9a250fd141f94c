package signaling

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/interlink/internal/channel"
)

// Signal kinds exchanged over the websocket.
const (
	kindOffer     = "offer"
	kindAnswer    = "answer"
	kindCandidate = "candidate"
)

// signal is one SDP or ICE message.
type signal struct {
	Kind      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// negotiator drives one side of the offer/answer exchange for an RTC
// channel. The offering side is the host; the joining side only answers.
type negotiator struct {
	rtc     *channel.RTC
	conn    *websocket.Conn
	offerer bool

	writeMu sync.Mutex

	// candidates that arrived before the remote description; owned by the
	// read loop
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func (n *negotiator) write(s signal) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.conn.WriteJSON(s)
}

// offer creates the local offer and sends it.
func (n *negotiator) offer() error {
	sdp, err := n.rtc.CreateOffer()
	if err != nil {
		return err
	}
	if err := n.rtc.SetLocalDescription(sdp); err != nil {
		return err
	}
	return n.write(signal{Kind: kindOffer, SDP: sdp.SDP})
}

func (n *negotiator) answer() error {
	sdp, err := n.rtc.CreateAnswer()
	if err != nil {
		return err
	}
	if err := n.rtc.SetLocalDescription(sdp); err != nil {
		return err
	}
	return n.write(signal{Kind: kindAnswer, SDP: sdp.SDP})
}

// trickle forwards a locally gathered candidate. The end-of-gathering nil
// candidate is not sent.
func (n *negotiator) trickle(c *webrtc.ICECandidate) error {
	if c == nil {
		return nil
	}
	init := c.ToJSON()
	return n.write(signal{Kind: kindCandidate, Candidate: &init})
}

// run applies remote signals until the websocket fails or a signal is
// rejected.
func (n *negotiator) run() error {
	for {
		var s signal
		if err := n.conn.ReadJSON(&s); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}
		if err := n.apply(s); err != nil {
			return err
		}
	}
}

func (n *negotiator) apply(s signal) error {
	switch s.Kind {
	case kindOffer:
		if n.offerer {
			return fmt.Errorf("unexpected offer: this side offers")
		}
		if err := n.remote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.SDP}); err != nil {
			return err
		}
		return n.answer()

	case kindAnswer:
		if !n.offerer {
			return fmt.Errorf("unexpected answer: this side answers")
		}
		return n.remote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.SDP})

	case kindCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("candidate message without a candidate")
		}
		if !n.remoteSet {
			n.pending = append(n.pending, *s.Candidate)
			return nil
		}
		return n.rtc.AddICECandidate(*s.Candidate)
	}
	return fmt.Errorf("unexpected signaling message %q", s.Kind)
}

// remote sets the remote description and applies the candidates held back
// until now.
func (n *negotiator) remote(sdp webrtc.SessionDescription) error {
	if n.remoteSet {
		return fmt.Errorf("remote description already set")
	}
	if err := n.rtc.SetRemoteDescription(sdp); err != nil {
		return err
	}
	n.remoteSet = true

	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		if err := n.rtc.AddICECandidate(c); err != nil {
			return fmt.Errorf("apply held ICE candidate: %w", err)
		}
	}
	return nil
}
