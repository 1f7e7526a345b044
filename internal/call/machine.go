// Package call implements the one-to-one call state machine. It owns at most
// one call session at a time, drives negotiation through the injected
// capabilities and exchanges signals with the remote party over the chat
// channel.
//
// Every capability call runs without the machine lock held. Each session is
// stamped with an epoch; a completion that resumes after its session was
// ended or replaced is discarded and releases whatever handle it created.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/transport"
	"github.com/1ureka/parley/internal/util"
	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultDecisionTimeout = 30 * time.Second
	DefaultRingTimeout     = 30 * time.Second

	eventBufferSize = 32
)

var (
	ErrBusy        = errors.New("call: another call is in progress")
	ErrNoCall      = errors.New("call: no matching call")
	ErrMediaAccess = errors.New("call: cannot access local media")
	ErrCancelled   = errors.New("call: ended while being set up")
)

// Status is the call session status.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusIncoming   Status = "incoming" // offer received, waiting for Accept or Reject
	StatusCalling    Status = "calling"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended" // transient, always followed by idle
)

// State is a snapshot of the call session.
type State struct {
	Status Status
	Remote string
	Muted  bool
}

// EventKind identifies a machine notification.
type EventKind int

const (
	EventState EventKind = iota
	EventIncoming
	EventNotice
	EventRemoteTrack
)

// Event is delivered to subscribers.
type Event struct {
	Kind   EventKind
	State  State
	From   string // EventIncoming
	Notice string // EventNotice
	Track  Track  // EventRemoteTrack
}

// SignalSender delivers call signals to a remote user. signaling.Sender
// satisfies it.
type SignalSender interface {
	SendSignal(target string, typ protocol.SignalType, data any) error
}

// Options configures a Machine.
type Options struct {
	Negotiator      Negotiator
	Media           MediaCapture
	Signals         SignalSender
	Constraints     Constraints
	DecisionTimeout time.Duration
	// RingTimeout bounds how long an outgoing offer waits for an answer.
	RingTimeout time.Duration
	Clock       clock.Clock
}

// Machine is the call state machine.
type Machine struct {
	opts Options
	log  util.Logger

	mu     sync.Mutex
	status Status
	remote string
	muted  bool
	epoch  uint64

	local LocalMedia
	peer  Peer

	pendingOffer  *webrtc.SessionDescription
	decision      *clock.Timer
	ring          *clock.Timer
	remoteDescSet bool
	inCandidates  []webrtc.ICECandidateInit // remote candidates waiting for the remote description
	localSent     bool                      // offer or answer sent, local candidates may follow
	outCandidates []webrtc.ICECandidateInit

	subs    map[int]chan Event
	nextSub int
}

// NewMachine returns an idle Machine.
func NewMachine(opts Options) (*Machine, error) {
	if opts.Negotiator == nil || opts.Media == nil || opts.Signals == nil {
		return nil, errors.New("call: negotiator, media and signals are required")
	}
	if opts.DecisionTimeout <= 0 {
		opts.DecisionTimeout = DefaultDecisionTimeout
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if !opts.Constraints.Audio && !opts.Constraints.Video {
		opts.Constraints.Audio = true
	}

	return &Machine{
		opts:   opts,
		log:    util.Scope("call"),
		status: StatusIdle,
		subs:   make(map[int]chan Event),
	}, nil
}

// State returns the current session snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Machine) stateLocked() State {
	return State{Status: m.status, Remote: m.remote, Muted: m.muted}
}

// ---------------------------------------------------------------------------
// Outgoing call
// ---------------------------------------------------------------------------

// StartCall calls target. It fails with ErrBusy unless the machine is idle.
// The status becomes calling before any capability is touched, so a second
// StartCall issued concurrently is rejected.
func (m *Machine) StartCall(ctx context.Context, target string) error {
	m.mu.Lock()
	if m.status != StatusIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.epoch++
	ep := m.epoch
	m.remote = target
	m.setStatusLocked(StatusCalling)
	m.mu.Unlock()

	m.log.Infof("calling %s", target)

	local, err := m.opts.Media.Acquire(ctx, m.opts.Constraints)
	if err != nil {
		m.abort(ep, false, "could not access microphone: "+err.Error())
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	if !m.adoptLocal(ep, local) {
		return ErrCancelled
	}

	peer, err := m.newPeer(ctx, ep)
	if err != nil {
		return err
	}

	if err := peer.AttachLocal(local); err != nil {
		return m.negotiationFailed(ep, false, "attach local media", err)
	}
	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return m.negotiationFailed(ep, false, "create offer", err)
	}
	if err := peer.SetLocalDescription(ctx, offer); err != nil {
		return m.negotiationFailed(ep, false, "set local description", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != ep {
		return ErrCancelled
	}
	m.sendLocked(m.remote, protocol.SignalOffer, offer)
	m.flushLocalCandidatesLocked()
	m.ring = m.opts.Clock.AfterFunc(m.opts.RingTimeout, func() { m.ringExpired(ep) })
	return nil
}

// ringExpired gives up on an offer nobody answered, e.g. because the target
// is offline and the relay only reported an error.
func (m *Machine) ringExpired(ep uint64) {
	m.mu.Lock()
	if m.epoch != ep || m.status != StatusCalling || m.remoteDescSet {
		m.mu.Unlock()
		return
	}
	notice := "no answer"
	if m.remote != "" {
		notice += " from " + m.remote
	}
	m.sendLocked(m.remote, protocol.SignalCallEnded, nil)
	local, peer := m.resetLocked()
	m.noticeLocked(notice)
	m.mu.Unlock()

	m.log.Infof("%s", notice)
	m.release(local, peer)
}

// ---------------------------------------------------------------------------
// Incoming call
// ---------------------------------------------------------------------------

// Accept answers the pending incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.status != StatusIncoming || m.pendingOffer == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	ep := m.epoch
	offer := *m.pendingOffer
	m.pendingOffer = nil
	m.stopDecisionLocked()
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	local, err := m.opts.Media.Acquire(ctx, m.opts.Constraints)
	if err != nil {
		m.abort(ep, true, "could not access microphone: "+err.Error())
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	if !m.adoptLocal(ep, local) {
		return ErrCancelled
	}

	peer, err := m.newPeer(ctx, ep)
	if err != nil {
		return err
	}

	if err := peer.AttachLocal(local); err != nil {
		return m.negotiationFailed(ep, true, "attach local media", err)
	}
	if err := peer.SetRemoteDescription(ctx, offer); err != nil {
		return m.negotiationFailed(ep, true, "apply remote offer", err)
	}
	if !m.remoteApplied(ep, peer) {
		return ErrCancelled
	}

	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		return m.negotiationFailed(ep, true, "create answer", err)
	}
	if err := peer.SetLocalDescription(ctx, answer); err != nil {
		return m.negotiationFailed(ep, true, "set local description", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != ep {
		return ErrCancelled
	}
	m.sendLocked(m.remote, protocol.SignalAnswer, answer)
	m.flushLocalCandidatesLocked()
	return nil
}

// Reject declines the pending incoming call.
func (m *Machine) Reject() error {
	m.mu.Lock()
	if m.status != StatusIncoming {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.sendLocked(m.remote, protocol.SignalCallRejected, nil)
	local, peer := m.resetLocked()
	m.mu.Unlock()

	m.release(local, peer)
	return nil
}

func (m *Machine) decisionExpired(ep uint64) {
	m.mu.Lock()
	if m.epoch != ep || m.status != StatusIncoming {
		m.mu.Unlock()
		return
	}
	from := m.remote
	m.sendLocked(from, protocol.SignalCallRejected, nil)
	local, peer := m.resetLocked()
	m.noticeLocked("missed call from " + from)
	m.mu.Unlock()

	m.release(local, peer)
}

// ---------------------------------------------------------------------------
// User actions
// ---------------------------------------------------------------------------

// EndCall hangs up. A pending incoming call is rejected instead.
func (m *Machine) EndCall() error {
	m.mu.Lock()
	switch m.status {
	case StatusIdle:
		m.mu.Unlock()
		return ErrNoCall
	case StatusIncoming:
		m.mu.Unlock()
		return m.Reject()
	}

	m.sendLocked(m.remote, protocol.SignalCallEnded, nil)
	local, peer := m.resetLocked()
	m.mu.Unlock()

	m.release(local, peer)
	m.log.Infof("call ended")
	return nil
}

// ToggleMute flips the outbound track. It is a no-op returning ErrNoCall when
// no local media is held.
func (m *Machine) ToggleMute() error {
	m.mu.Lock()
	local := m.local
	if local == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.muted = !m.muted
	enabled := !m.muted
	m.emitLocked(Event{Kind: EventState, State: m.stateLocked()})
	m.mu.Unlock()

	local.SetEnabled(enabled)
	return nil
}

// HandleTransportStatus tears down the active call when the channel drops.
// No signal is sent since the remote is unreachable.
func (m *Machine) HandleTransportStatus(st transport.Status) {
	if !st.Dropped() {
		return
	}

	m.mu.Lock()
	if m.status == StatusIdle {
		m.mu.Unlock()
		return
	}
	local, peer := m.resetLocked()
	m.noticeLocked("call dropped: connection to server lost")
	m.mu.Unlock()

	m.release(local, peer)
}

// Close ends any active call and closes all subscriptions.
func (m *Machine) Close() {
	_ = m.EndCall()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

// ---------------------------------------------------------------------------
// Remote signals
// ---------------------------------------------------------------------------

// HandleRemoteSignal applies a call signal received from the channel.
func (m *Machine) HandleRemoteSignal(ctx context.Context, sig protocol.Signal) {
	switch sig.Type {
	case protocol.SignalOffer:
		m.onOffer(sig)
	case protocol.SignalAnswer:
		m.onAnswer(ctx, sig)
	case protocol.SignalICECandidate:
		m.onCandidate(sig)
	case protocol.SignalCallEnded:
		m.onEnded(sig)
	case protocol.SignalCallRejected:
		m.onRejected(sig)
	default:
		m.log.Warnf("ignoring unknown signal %q from %s", sig.Type, sig.FromUser)
	}
}

func (m *Machine) onOffer(sig protocol.Signal) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Data, &offer); err != nil || offer.SDP == "" {
		m.log.Warnf("dropping offer from %s: invalid session description", sig.FromUser)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusIdle {
		m.log.Infof("ignoring offer from %s: already %s", sig.FromUser, m.status)
		return
	}

	m.epoch++
	ep := m.epoch
	m.remote = sig.FromUser
	m.pendingOffer = &offer
	m.decision = m.opts.Clock.AfterFunc(m.opts.DecisionTimeout, func() { m.decisionExpired(ep) })
	m.setStatusLocked(StatusIncoming)
	m.emitLocked(Event{Kind: EventIncoming, State: m.stateLocked(), From: sig.FromUser})
}

func (m *Machine) onAnswer(ctx context.Context, sig protocol.Signal) {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Data, &answer); err != nil || answer.SDP == "" {
		m.log.Warnf("dropping answer from %s: invalid session description", sig.FromUser)
		return
	}

	m.mu.Lock()
	if m.status != StatusCalling || m.peer == nil || !m.fromRemoteLocked(sig.FromUser) {
		m.log.Infof("ignoring answer from %s while %s", sig.FromUser, m.status)
		m.mu.Unlock()
		return
	}
	if m.remote == "" {
		m.remote = sig.FromUser
	}
	ep, peer := m.epoch, m.peer
	m.mu.Unlock()

	if err := peer.SetRemoteDescription(ctx, answer); err != nil {
		m.negotiationFailed(ep, true, "apply remote answer", err)
		return
	}
	m.remoteApplied(ep, peer)
}

func (m *Machine) onCandidate(sig protocol.Signal) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(sig.Data, &candidate); err != nil || candidate.Candidate == "" {
		m.log.Debugf("dropping empty candidate from %s", sig.FromUser)
		return
	}

	m.mu.Lock()
	if m.status == StatusIdle || !m.fromRemoteLocked(sig.FromUser) {
		m.mu.Unlock()
		return
	}
	if m.peer == nil || !m.remoteDescSet {
		m.inCandidates = append(m.inCandidates, candidate)
		m.mu.Unlock()
		return
	}
	peer := m.peer
	m.mu.Unlock()

	if err := peer.AddICECandidate(candidate); err != nil {
		m.log.Warnf("failed to add remote candidate: %v", err)
	}
}

func (m *Machine) onEnded(sig protocol.Signal) {
	m.mu.Lock()
	if m.status == StatusIdle {
		m.mu.Unlock()
		return
	}
	incoming := m.status == StatusIncoming
	local, peer := m.resetLocked()
	if incoming {
		m.noticeLocked("missed call from " + sig.FromUser)
	} else {
		m.noticeLocked("call ended by " + sig.FromUser)
	}
	m.mu.Unlock()

	m.release(local, peer)
}

func (m *Machine) onRejected(sig protocol.Signal) {
	m.mu.Lock()
	if m.status != StatusCalling && m.status != StatusConnecting {
		m.mu.Unlock()
		return
	}
	local, peer := m.resetLocked()
	m.noticeLocked("call rejected")
	m.mu.Unlock()

	m.release(local, peer)
}

// fromRemoteLocked reports whether a signal from user belongs to the current
// session. A call started without a target accepts the first responder.
func (m *Machine) fromRemoteLocked(user string) bool {
	return m.remote == "" || user == "" || user == m.remote
}

// ---------------------------------------------------------------------------
// Peer events
// ---------------------------------------------------------------------------

func (m *Machine) pump(ep uint64, peer Peer) {
	for ev := range peer.Events() {
		m.onPeerEvent(ep, peer, ev)
	}
}

func (m *Machine) onPeerEvent(ep uint64, peer Peer, ev PeerEvent) {
	m.mu.Lock()
	if m.epoch != ep || m.peer != peer {
		m.mu.Unlock()
		return
	}

	switch ev.Kind {
	case PeerConnectionState:
		switch ev.ConnectionState {
		case webrtc.PeerConnectionStateConnected:
			if m.status == StatusCalling || m.status == StatusConnecting {
				m.setStatusLocked(StatusConnected)
				m.log.Infof("connected with %s", m.remote)
			}
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			m.sendLocked(m.remote, protocol.SignalCallEnded, nil)
			local, p := m.resetLocked()
			m.noticeLocked("call lost: peer connection " + ev.ConnectionState.String())
			m.mu.Unlock()
			m.release(local, p)
			return
		}
		m.mu.Unlock()

	case PeerICEState:
		m.mu.Unlock()
		if ev.ICEState == webrtc.ICEConnectionStateFailed {
			m.log.Warnf("ICE failed, next offer will restart it")
			if err := peer.RestartICE(); err != nil {
				m.log.Warnf("ICE restart failed: %v", err)
			}
		}

	case PeerLocalCandidate:
		if m.localSent {
			m.sendLocked(m.remote, protocol.SignalICECandidate, ev.Candidate)
		} else {
			m.outCandidates = append(m.outCandidates, ev.Candidate)
		}
		m.mu.Unlock()

	case PeerRemoteTrack:
		m.emitLocked(Event{Kind: EventRemoteTrack, State: m.stateLocked(), Track: ev.Track})
		m.mu.Unlock()

	default:
		m.mu.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Session helpers
// ---------------------------------------------------------------------------

// adoptLocal hands a freshly acquired media handle to the session. A stale
// handle is released immediately.
func (m *Machine) adoptLocal(ep uint64, local LocalMedia) bool {
	m.mu.Lock()
	if m.epoch != ep {
		m.mu.Unlock()
		m.opts.Media.Release(local)
		return false
	}
	m.local = local
	m.muted = false
	m.mu.Unlock()

	local.SetEnabled(true)
	return true
}

// newPeer creates the session's peer and starts pumping its events.
func (m *Machine) newPeer(ctx context.Context, ep uint64) (Peer, error) {
	peer, err := m.opts.Negotiator.NewPeer(ctx)
	if err != nil {
		m.mu.Lock()
		sendEnded := m.status == StatusConnecting
		m.mu.Unlock()
		return nil, m.negotiationFailed(ep, sendEnded, "create peer", err)
	}

	m.mu.Lock()
	if m.epoch != ep {
		m.mu.Unlock()
		peer.Close()
		return nil, ErrCancelled
	}
	m.peer = peer
	m.mu.Unlock()

	go m.pump(ep, peer)
	return peer, nil
}

// remoteApplied marks the remote description as set and applies candidates
// that arrived before it.
func (m *Machine) remoteApplied(ep uint64, peer Peer) bool {
	m.mu.Lock()
	if m.epoch != ep || m.peer != peer {
		m.mu.Unlock()
		return false
	}
	m.remoteDescSet = true
	m.stopRingLocked()
	pending := m.inCandidates
	m.inCandidates = nil
	m.mu.Unlock()

	for _, c := range pending {
		if err := peer.AddICECandidate(c); err != nil {
			m.log.Warnf("failed to add buffered candidate: %v", err)
		}
	}
	return true
}

func (m *Machine) flushLocalCandidatesLocked() {
	m.localSent = true
	for _, c := range m.outCandidates {
		m.sendLocked(m.remote, protocol.SignalICECandidate, c)
	}
	m.outCandidates = nil
}

// negotiationFailed tears down session ep after a capability error and
// returns the error to report to the caller.
func (m *Machine) negotiationFailed(ep uint64, sendEnded bool, step string, err error) error {
	if !m.abort(ep, sendEnded, "call setup failed: "+step+": "+err.Error()) {
		return ErrCancelled
	}
	return fmt.Errorf("call: %s: %w", step, err)
}

// abort tears down session ep if it is still current and reports whether it
// was.
func (m *Machine) abort(ep uint64, sendEnded bool, notice string) bool {
	m.mu.Lock()
	if m.epoch != ep {
		m.mu.Unlock()
		return false
	}
	if sendEnded {
		m.sendLocked(m.remote, protocol.SignalCallEnded, nil)
	}
	local, peer := m.resetLocked()
	m.noticeLocked(notice)
	m.mu.Unlock()

	m.log.Warnf("%s", notice)
	m.release(local, peer)
	return true
}

// resetLocked returns the machine to idle and hands back the handles it
// owned. The caller releases them after unlocking. Bumping the epoch makes
// every in-flight completion of the old session stale.
func (m *Machine) resetLocked() (LocalMedia, Peer) {
	local, peer := m.local, m.peer

	m.stopDecisionLocked()
	m.stopRingLocked()
	m.epoch++
	m.local = nil
	m.peer = nil
	m.muted = false
	m.pendingOffer = nil
	m.remoteDescSet = false
	m.inCandidates = nil
	m.localSent = false
	m.outCandidates = nil

	m.setStatusLocked(StatusEnded)
	m.remote = ""
	m.setStatusLocked(StatusIdle)

	return local, peer
}

func (m *Machine) release(local LocalMedia, peer Peer) {
	if peer != nil {
		if err := peer.Close(); err != nil {
			m.log.Warnf("failed to close peer: %v", err)
		}
	}
	if local != nil {
		m.opts.Media.Release(local)
	}
}

func (m *Machine) stopDecisionLocked() {
	if m.decision != nil {
		m.decision.Stop()
		m.decision = nil
	}
}

func (m *Machine) stopRingLocked() {
	if m.ring != nil {
		m.ring.Stop()
		m.ring = nil
	}
}

func (m *Machine) sendLocked(target string, typ protocol.SignalType, data any) {
	if err := m.opts.Signals.SendSignal(target, typ, data); err != nil {
		m.log.Errorf("failed to send %s: %v", typ, err)
	}
}

// ---------------------------------------------------------------------------
// Observers
// ---------------------------------------------------------------------------

// Subscribe registers for machine events. Slow subscribers miss events.
func (m *Machine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBufferSize)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

func (m *Machine) setStatusLocked(st Status) {
	m.status = st
	m.emitLocked(Event{Kind: EventState, State: m.stateLocked()})
}

func (m *Machine) noticeLocked(text string) {
	m.emitLocked(Event{Kind: EventNotice, State: m.stateLocked(), Notice: text})
}

func (m *Machine) emitLocked(ev Event) {
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
