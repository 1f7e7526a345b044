package call

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Negotiator creates peer-negotiation handles. internal/webrtc provides the
// pion implementation; tests inject fakes.
type Negotiator interface {
	NewPeer(ctx context.Context) (Peer, error)
}

// Peer is one peer-negotiation handle. Close must close the Events channel.
type Peer interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// AttachLocal adds the tracks of a captured media handle to the peer.
	AttachLocal(media LocalMedia) error

	// RestartICE marks the next offer as an ICE restart. It sends nothing
	// and does not change the call status; the restart takes effect only
	// when the caller creates and signals another offer.
	RestartICE() error

	Events() <-chan PeerEvent
	Close() error
}

// PeerEventKind identifies an asynchronous notification from a Peer.
type PeerEventKind int

const (
	PeerConnectionState PeerEventKind = iota
	PeerICEState
	PeerLocalCandidate
	PeerRemoteTrack
)

// PeerEvent is a notification from a Peer. Only the field matching Kind is
// set.
type PeerEvent struct {
	Kind            PeerEventKind
	ConnectionState webrtc.PeerConnectionState
	ICEState        webrtc.ICEConnectionState
	Candidate       webrtc.ICECandidateInit
	Track           Track
}

// Track describes a remote media track.
type Track struct {
	ID   string
	Kind string // "audio" or "video"
}

// Constraints selects what to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// MediaCapture acquires and releases local capture handles.
type MediaCapture interface {
	Acquire(ctx context.Context, c Constraints) (LocalMedia, error)
	Release(media LocalMedia)
}

// LocalMedia is a captured media handle. Disabling it mutes the outbound
// track without renegotiation.
type LocalMedia interface {
	SetEnabled(enabled bool)
	Enabled() bool
}
