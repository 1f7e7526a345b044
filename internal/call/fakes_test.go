package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ Negotiator   = (*fakeNegotiator)(nil)
	_ Peer         = (*fakePeer)(nil)
	_ MediaCapture = (*fakeMedia)(nil)
	_ SignalSender = (*fakeSignals)(nil)
)

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

type fakeNegotiator struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error

	// offerErr is copied into every new peer.
	offerErr error
	// candidateOnLocal makes new peers report a local candidate when their
	// local description is set.
	candidateOnLocal bool
}

func (n *fakeNegotiator) NewPeer(context.Context) (Peer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	p := &fakePeer{
		events:           make(chan PeerEvent, 16),
		offerErr:         n.offerErr,
		candidateOnLocal: n.candidateOnLocal,
	}
	n.peers = append(n.peers, p)
	return p, nil
}

func (n *fakeNegotiator) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

func (n *fakeNegotiator) last(t *testing.T) *fakePeer {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.peers) == 0 {
		t.Fatal("no peer created")
	}
	return n.peers[len(n.peers)-1]
}

type fakePeer struct {
	mu       sync.Mutex
	events   chan PeerEvent
	closes   int
	restarts int
	attached []LocalMedia
	local    *webrtc.SessionDescription
	remote   *webrtc.SessionDescription
	// log records the order of description and candidate operations.
	log []string

	offerErr         error
	candidateOnLocal bool
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (p *fakePeer) SetLocalDescription(_ context.Context, desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return errors.New("peer closed")
	}
	p.local = &desc
	p.log = append(p.log, "local:"+desc.Type.String())
	if p.candidateOnLocal {
		p.events <- PeerEvent{Kind: PeerLocalCandidate, Candidate: webrtc.ICECandidateInit{Candidate: "candidate:local"}}
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(_ context.Context, desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return errors.New("peer closed")
	}
	p.remote = &desc
	p.log = append(p.log, "remote:"+desc.Type.String())
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.log = append(p.log, "candidate:"+c.Candidate)
	return nil
}

func (p *fakePeer) AttachLocal(media LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = append(p.attached, media)
	return nil
}

func (p *fakePeer) RestartICE() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts++
	return nil
}

func (p *fakePeer) Events() <-chan PeerEvent { return p.events }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	if p.closes == 1 {
		close(p.events)
	}
	return nil
}

// emit delivers an event as the underlying connection would.
func (p *fakePeer) emit(ev PeerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes == 0 {
		p.events <- ev
	}
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePeer) restartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

func (p *fakePeer) ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.log...)
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

type fakeTrack struct {
	mu      sync.Mutex
	enabled bool
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

type fakeMedia struct {
	mu       sync.Mutex
	acquired []*fakeTrack
	released map[*fakeTrack]int
	err      error
	// gate, when set, blocks Acquire until it is closed.
	gate chan struct{}
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{released: make(map[*fakeTrack]int)}
}

func (f *fakeMedia) Acquire(ctx context.Context, _ Constraints) (LocalMedia, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTrack{}
	f.acquired = append(f.acquired, t)
	return t, nil
}

func (f *fakeMedia) Release(media LocalMedia) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[media.(*fakeTrack)]++
}

func (f *fakeMedia) last(t *testing.T) *fakeTrack {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.acquired) == 0 {
		t.Fatal("no media acquired")
	}
	return f.acquired[len(f.acquired)-1]
}

func (f *fakeMedia) acquiredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acquired)
}

// releases returns how often each acquired handle was released, in
// acquisition order.
func (f *fakeMedia) releases() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.acquired))
	for i, t := range f.acquired {
		out[i] = f.released[t]
	}
	return out
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

type sentSignal struct {
	Target string
	Type   protocol.SignalType
	Data   json.RawMessage
}

type fakeSignals struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (f *fakeSignals) SendSignal(target string, typ protocol.SignalType, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = b
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentSignal{Target: target, Type: typ, Data: raw})
	return nil
}

func (f *fakeSignals) all() []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentSignal(nil), f.sent...)
}

func (f *fakeSignals) types() []protocol.SignalType {
	var out []protocol.SignalType
	for _, s := range f.all() {
		out = append(out, s.Type)
	}
	return out
}

func (f *fakeSignals) count(typ protocol.SignalType) int {
	n := 0
	for _, s := range f.all() {
		if s.Type == typ {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func offerSignal(from string) protocol.Signal {
	return protocol.Signal{
		Type:     protocol.SignalOffer,
		Data:     json.RawMessage(`{"type":"offer","sdp":"remote-offer"}`),
		FromUser: from,
	}
}

func answerSignal(from string) protocol.Signal {
	return protocol.Signal{
		Type:     protocol.SignalAnswer,
		Data:     json.RawMessage(`{"type":"answer","sdp":"remote-answer"}`),
		FromUser: from,
	}
}

func candidateSignal(from, candidate string) protocol.Signal {
	return protocol.Signal{
		Type:     protocol.SignalICECandidate,
		Data:     json.RawMessage(`{"candidate":"` + candidate + `","sdpMid":"0","sdpMLineIndex":0}`),
		FromUser: from,
	}
}

func bareSignal(typ protocol.SignalType, from string) protocol.Signal {
	return protocol.Signal{Type: typ, FromUser: from}
}
