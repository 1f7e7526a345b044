package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/parley/internal/call"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// ErrVideoUnsupported is returned when video capture is requested.
var ErrVideoUnsupported = errors.New("webrtc: video capture is not supported")

// Capture produces local audio tracks. The track carries Opus silence frames
// while enabled; a host with a microphone writes real samples through
// LocalAudio.WriteSample instead.
type Capture struct {
	Clock clock.Clock
}

var _ call.MediaCapture = (*Capture)(nil)

// Acquire creates a new local audio handle.
func (c *Capture) Acquire(ctx context.Context, constraints call.Constraints) (call.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if constraints.Video {
		return nil, ErrVideoUnsupported
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"parley-"+uuid.NewString(),
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	clk := c.Clock
	if clk == nil {
		clk = clock.New()
	}

	a := &LocalAudio{track: track, stop: make(chan struct{})}
	a.enabled.Store(true)
	go a.feed(clk)
	return a, nil
}

// Release stops the track feed.
func (c *Capture) Release(m call.LocalMedia) {
	if a, ok := m.(*LocalAudio); ok {
		a.Stop()
	}
}

// LocalAudio is a captured audio handle. Disabling it stops sample writes,
// which mutes the outbound stream without renegotiation.
type LocalAudio struct {
	track    *webrtc.TrackLocalStaticSample
	enabled  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

var _ call.LocalMedia = (*LocalAudio)(nil)

func (a *LocalAudio) SetEnabled(enabled bool) { a.enabled.Store(enabled) }
func (a *LocalAudio) Enabled() bool           { return a.enabled.Load() }

// Track returns the underlying pion track.
func (a *LocalAudio) Track() *webrtc.TrackLocalStaticSample { return a.track }

// WriteSample writes an encoded Opus frame. It is dropped while muted.
func (a *LocalAudio) WriteSample(s media.Sample) error {
	if !a.Enabled() {
		return nil
	}
	return a.track.WriteSample(s)
}

// Stop ends the silence feed. It is safe to call more than once.
func (a *LocalAudio) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

func (a *LocalAudio) feed(clk clock.Clock) {
	ticker := clk.Ticker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Errors before the track is bound are expected.
			_ = a.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration})
		case <-a.stop:
			return
		}
	}
}
