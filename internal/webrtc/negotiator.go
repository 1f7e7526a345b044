// Package webrtc provides the pion-backed call capabilities: a Negotiator that
// creates audio PeerConnections and a Capture that produces the local audio
// track.
package webrtc

import (
	"context"
	"time"

	"github.com/1ureka/parley/internal/call"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when no ICE servers are configured. There is no
// TURN relay, calls need direct connectivity.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const (
	iceDisconnectedTimeout = 5 * time.Second
	iceFailedTimeout       = 25 * time.Second
	iceKeepAliveInterval   = 2 * time.Second
)

// Negotiator creates PeerConnections sharing one media engine.
type Negotiator struct {
	api    *webrtc.API
	config webrtc.Configuration
}

var _ call.Negotiator = (*Negotiator)(nil)

// NewNegotiator builds a Negotiator with the default codecs and interceptors.
func NewNegotiator(stunServers []string) (*Negotiator, error) {
	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settings),
	)

	return &Negotiator{
		api: api,
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: stunServers},
			},
		},
	}, nil
}

// NewPeer creates a PeerConnection and wires its callbacks to the peer's
// event stream.
func (n *Negotiator) NewPeer(ctx context.Context) (call.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := n.api.NewPeerConnection(n.config)
	if err != nil {
		return nil, err
	}
	return newPeer(pc), nil
}
