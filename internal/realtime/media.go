package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const opusFrame = 20 * time.Millisecond

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func newOpusTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "interview",
	)
}

// SilenceSource supplies a local track carrying Opus silence, for sessions
// driven by text instead of a microphone.
type SilenceSource struct{}

func (SilenceSource) Acquire(context.Context) (LocalMedia, error) {
	track, err := newOpusTrack()
	if err != nil {
		return nil, fmt.Errorf("realtime: create track: %w", err)
	}
	lm := newSampleMedia(track)
	go lm.pump(func() ([]byte, time.Duration, error) {
		return opusSilence, opusFrame, nil
	})
	return lm, nil
}

// OggFileSource streams an Ogg/Opus recording as the candidate's microphone,
// then continues with silence.
type OggFileSource struct {
	Path   string
	Logger *slog.Logger
}

func (s OggFileSource) Acquire(context.Context) (LocalMedia, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("realtime: open audio file: %w", err)
	}
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("realtime: read ogg header: %w", err)
	}
	track, err := newOpusTrack()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("realtime: create track: %w", err)
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lm := newSampleMedia(track)
	lm.onClose = func() { _ = f.Close() }

	var (
		lastGranule uint64
		exhausted   bool
	)
	go lm.pump(func() ([]byte, time.Duration, error) {
		if exhausted {
			return opusSilence, opusFrame, nil
		}
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			logger.Info("realtime: audio file finished", "path", s.Path)
			exhausted = true
			return opusSilence, opusFrame, nil
		}
		if err != nil {
			return nil, 0, err
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		d := time.Duration(float64(samples)/48000*float64(time.Second))
		if d <= 0 {
			d = opusFrame
		}
		return page, d, nil
	})
	return lm, nil
}

// sampleMedia writes frames to a static sample track on a pacing ticker.
type sampleMedia struct {
	track   *webrtc.TrackLocalStaticSample
	muted   atomic.Bool
	stop    chan struct{}
	once    sync.Once
	onClose func()
}

func newSampleMedia(track *webrtc.TrackLocalStaticSample) *sampleMedia {
	return &sampleMedia{track: track, stop: make(chan struct{})}
}

func (m *sampleMedia) Track() webrtc.TrackLocal { return m.track }

func (m *sampleMedia) SetMuted(muted bool) { m.muted.Store(muted) }

func (m *sampleMedia) Close() error {
	m.once.Do(func() {
		close(m.stop)
		if m.onClose != nil {
			m.onClose()
		}
	})
	return nil
}

func (m *sampleMedia) pump(next func() ([]byte, time.Duration, error)) {
	wait := time.Duration(0)
	for {
		select {
		case <-m.stop:
			return
		case <-time.After(wait):
		}
		if m.muted.Load() {
			wait = opusFrame
			continue
		}
		data, d, err := next()
		if err != nil {
			return
		}
		if err := m.track.WriteSample(media.Sample{Data: data, Duration: d}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return
		}
		wait = d
	}
}
