package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	// EventsChannelLabel is the data channel the realtime API exchanges JSON
	// events on.
	EventsChannelLabel = "oai-events"

	audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
)

// PionDialer builds peer connections with an Opus audio track, the events data
// channel, and audio-level header extensions on inbound audio.
type PionDialer struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger
}

type DialerOption func(*PionDialer)

func WithICEServers(urls ...string) DialerOption {
	return func(d *PionDialer) {
		if len(urls) > 0 {
			d.config.ICEServers = append(d.config.ICEServers, webrtc.ICEServer{URLs: urls})
		}
	}
}

func WithDialerLogger(l *slog.Logger) DialerOption {
	return func(d *PionDialer) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewPionDialer(opts ...DialerOption) (*PionDialer, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("realtime: register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("realtime: register audio level extension: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("realtime: register interceptors: %w", err)
	}

	d := &PionDialer{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry)),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *PionDialer) Dial(_ context.Context, media LocalMedia, h PeerHandlers) (Peer, error) {
	pc, err := d.api.NewPeerConnection(d.config)
	if err != nil {
		return nil, fmt.Errorf("realtime: new peer connection: %w", err)
	}
	p := &pionPeer{pc: pc}

	if track := media.Track(); track != nil {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("realtime: add track: %w", err)
		}
		go drainRTCP(sender)
	} else {
		_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("realtime: add transceiver: %w", err)
		}
	}

	dc, err := pc.CreateDataChannel(EventsChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("realtime: create data channel: %w", err)
	}
	p.dc = dc
	if h.OnOpen != nil {
		dc.OnOpen(h.OnOpen)
	}
	if h.OnMessage != nil {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			h.OnMessage(msg.Data)
		})
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		id := audioLevelID(receiver.GetParameters())
		d.logger.Debug("realtime: remote audio track", "codec", track.Codec().MimeType, "audio_level_ext", id)
		go readAudioLevels(track, id, h.OnAudioLevel)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		d.logger.Debug("realtime: peer connection state", "state", s.String())
		if (s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed) && h.OnClose != nil {
			h.OnClose()
		}
	})
	return p, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("realtime: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("realtime: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("realtime: no local description")
	}
	return local.SDP, nil
}

func (p *pionPeer) SetAnswer(sdp string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		return fmt.Errorf("realtime: set remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) Send(data []byte) error {
	if p.dc == nil || p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("realtime: data channel is not open")
	}
	return p.dc.Send(data)
}

func (p *pionPeer) Close() error {
	var errs []error
	if p.dc != nil {
		errs = append(errs, p.dc.Close())
	}
	errs = append(errs, p.pc.Close())
	return errors.Join(errs...)
}

func audioLevelID(params webrtc.RTPParameters) uint8 {
	for _, ext := range params.HeaderExtensions {
		if ext.URI == audioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

func readAudioLevels(track *webrtc.TrackRemote, extID uint8, onLevel func(float64)) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if extID == 0 || onLevel == nil {
			continue
		}
		if level, ok := packetLevel(pkt, extID); ok {
			onLevel(level)
		}
	}
}

func packetLevel(pkt *rtp.Packet, extID uint8) (float64, bool) {
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	return levelFromDBov(ext.Level), true
}

// drainRTCP reads RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
