package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/parley/internal/call"
	"github.com/1ureka/parley/internal/util"
	"github.com/pion/webrtc/v4"
)

const eventBufferSize = 64

// Peer wraps a PeerConnection as a call.Peer.
type Peer struct {
	pc *webrtc.PeerConnection

	mu         sync.Mutex
	events     chan call.PeerEvent
	closed     bool
	iceRestart bool
}

var _ call.Peer = (*Peer)(nil)

func newPeer(pc *webrtc.PeerConnection) *Peer {
	p := &Peer{
		pc:     pc,
		events: make(chan call.PeerEvent, eventBufferSize),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[webrtc] PeerConnection state: %s", state)
		p.emit(call.PeerEvent{Kind: call.PeerConnectionState, ConnectionState: state})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		util.LogDebug("[webrtc] ICE state: %s", state)
		p.emit(call.PeerEvent{Kind: call.PeerICEState, ICEState: state})
	})

	// A nil candidate marks the end of gathering.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.emit(call.PeerEvent{Kind: call.PeerLocalCandidate, Candidate: c.ToJSON()})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogInfo("[webrtc] remote %s track %s", track.Kind(), track.ID())
		p.emit(call.PeerEvent{
			Kind:  call.PeerRemoteTrack,
			Track: call.Track{ID: track.ID(), Kind: track.Kind().String()},
		})
		go drain(track)
	})

	return p
}

// drain reads the remote track so its buffers keep flowing. Playback is left
// to the host.
func drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (p *Peer) emit(ev call.PeerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		util.LogWarning("[webrtc] event buffer full, dropping event %d", ev.Kind)
	}
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer. After RestartICE the next offer made
// once gathering has started carries fresh ICE credentials. Before that the
// offer is a plain one and the restart stays pending.
func (p *Peer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	restart := p.iceRestart && p.pc.ICEGatheringState() != webrtc.ICEGatheringStateNew
	if restart {
		p.iceRestart = false
	}
	p.mu.Unlock()

	if restart {
		return p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	}
	return p.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (p *Peer) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and starts candidate gathering.
func (p *Peer) SetLocalDescription(_ context.Context, desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

// SetRemoteDescription applies the remote SDP.
func (p *Peer) SetRemoteDescription(_ context.Context, desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AttachLocal adds the local audio track to the connection.
func (p *Peer) AttachLocal(media call.LocalMedia) error {
	audio, ok := media.(*LocalAudio)
	if !ok {
		return fmt.Errorf("webrtc: unsupported local media %T", media)
	}

	sender, err := p.pc.AddTrack(audio.track)
	if err != nil {
		return err
	}

	// RTCP must be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// RestartICE flags the next offer as an ICE restart. Nothing is sent on its
// own: the restart reaches the remote side only when the caller creates and
// signals another offer.
func (p *Peer) RestartICE() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("webrtc: peer closed")
	}
	p.iceRestart = true
	return nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Events returns the notification stream. It is closed by Close.
func (p *Peer) Events() <-chan call.PeerEvent {
	return p.events
}

// Close closes the PeerConnection and the event stream.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	return p.pc.Close()
}
