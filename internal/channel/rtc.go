package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// DefaultICEServers are used when RTCOptions carries none. No TURN: peers
// are expected to reach each other directly.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// RTCOptions configures a new RTC channel.
type RTCOptions struct {
	ICEServers []string
	Codec      protocol.Codec // defaults to CBOR
}

// RTC is a Channel over a single pre-negotiated WebRTC DataChannel.
//
// The DataChannel is ordered: envelopes must arrive in the order they were
// sent. Its lifecycle follows the DataChannel state and the context passed
// at construction; the PeerConnection state is recorded for diagnostics only.
type RTC struct {
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	codec protocol.Codec
	in    *inbox

	openSignal  chan struct{}
	drainSignal chan struct{}
	writeMu     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewRTC creates a PeerConnection with a negotiated DataChannel (ID 0).
// Signaling is driven by the caller through the exposed SDP/ICE methods;
// Ready is closed once the DataChannel opens.
func NewRTC(ctx context.Context, opts RTCOptions) (*RTC, error) {
	servers := opts.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}
	codec := opts.Codec
	if codec == nil {
		codec = protocol.CBOR()
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ordered := true
	negotiated := true
	id := uint16(0)
	dc, err := pc.CreateDataChannel("interlink", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	rCtx, rCancel := context.WithCancel(ctx)
	r := &RTC{
		pc:          pc,
		dc:          dc,
		codec:       codec,
		in:          newInbox(DefaultBuffer),
		openSignal:  make(chan struct{}),
		drainSignal: make(chan struct{}, 1),
		ctx:         rCtx,
		cancel:      rCancel,
		pcState:     webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(r.openSignal) })
	})
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		rCancel()
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case r.drainSignal <- struct{}{}:
		default:
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		env, err := r.codec.Unmarshal(msg.Data)
		if err != nil {
			util.LogWarning("dropping malformed frame: %v", err)
			return
		}
		r.in.push(env, r.ctx.Done())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		r.mu.Lock()
		r.pcState = state
		r.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			rCancel()
		}
	})

	go r.in.run(rCtx.Done())
	return r, nil
}

// Ready is closed when the DataChannel is open.
func (r *RTC) Ready() <-chan struct{} { return r.openSignal }

func (r *RTC) Done() <-chan struct{} { return r.ctx.Done() }

func (r *RTC) OnMessage(fn func(*protocol.Envelope)) { r.in.setHandler(fn) }

// Send waits for the DataChannel to open and for the send buffer to drain
// below the high-water mark before writing.
func (r *RTC) Send(env *protocol.Envelope) error {
	data, err := r.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	select {
	case <-r.openSignal:
	case <-r.ctx.Done():
		return protocol.ErrClosed
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-r.drainSignal:
		case <-r.ctx.Done():
			return protocol.ErrClosed
		}
	}

	if err := r.dc.Send(data); err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

// Close shuts down the DataChannel and PeerConnection.
func (r *RTC) Close() error {
	r.cancel()
	return errors.Join(r.dc.Close(), r.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (r *RTC) ConnectionState() webrtc.PeerConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pcState
}

func (r *RTC) CreateOffer() (webrtc.SessionDescription, error) { return r.pc.CreateOffer(nil) }

func (r *RTC) CreateAnswer() (webrtc.SessionDescription, error) { return r.pc.CreateAnswer(nil) }

func (r *RTC) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return r.pc.SetLocalDescription(sdp)
}

func (r *RTC) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return r.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback for gathered local candidates. A nil
// candidate signals the end of gathering.
func (r *RTC) OnICECandidate(fn func(*webrtc.ICECandidate)) { r.pc.OnICECandidate(fn) }

func (r *RTC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return r.pc.AddICECandidate(candidate)
}
