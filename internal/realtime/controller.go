// Package realtime drives one voice session with the realtime model over a
// WebRTC peer connection.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/DylanDHubert/machinterview/internal/domain"
	"github.com/DylanDHubert/machinterview/internal/transcript"
)

const defaultOpenTimeout = 15 * time.Second

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StatePaused
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LocalMedia is an acquired microphone track. Close releases the device and
// must be safe to call more than once.
type LocalMedia interface {
	Track() webrtc.TrackLocal
	SetMuted(muted bool)
	Close() error
}

type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// CredentialSource mints ephemeral credentials and interviewer instructions
// for a session.
type CredentialSource interface {
	Credentials(ctx context.Context, ic domain.InterviewContext) (domain.RealtimeCredentials, error)
}

// Signaler trades a local SDP offer for the remote answer.
type Signaler interface {
	ExchangeSDP(ctx context.Context, model, ephemeralKey, offer string) (string, error)
}

// PeerHandlers receive callbacks from a Peer. They may run on transport
// goroutines.
type PeerHandlers struct {
	OnOpen       func()
	OnMessage    func(data []byte)
	OnAudioLevel func(level float64)
	OnClose      func()
}

type Peer interface {
	// CreateOffer returns the local offer once candidate gathering finished.
	CreateOffer(ctx context.Context) (string, error)
	SetAnswer(sdp string) error
	Send(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, media LocalMedia, h PeerHandlers) (Peer, error)
}

type Config struct {
	Media       MediaSource
	Credentials CredentialSource
	Signaler    Signaler
	Dialer      Dialer
	// Transcript receives conversation turns. A new log is used when nil.
	Transcript  *transcript.Log
	Logger      *slog.Logger
	OpenTimeout time.Duration
}

// Controller owns one realtime session. It moves idle → connecting → active ⇄
// paused → ended and cannot be restarted once ended.
type Controller struct {
	media       MediaSource
	creds       CredentialSource
	signaler    Signaler
	dialer      Dialer
	log         *transcript.Log
	logger      *slog.Logger
	openTimeout time.Duration

	meter   volumeMeter
	updates chan struct{}
	done    chan struct{}
	sendMu  sync.Mutex

	mu           sync.Mutex
	state        State
	cancelStart  context.CancelFunc
	local        LocalMedia
	peer         Peer
	usage        domain.TokenUsage
	sessionID    string
	userSpeaking bool
	aiAudio      bool
	speaking     bool
	lastErr      string
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Media == nil {
		return nil, errors.New("realtime: media source must not be nil")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("realtime: credential source must not be nil")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("realtime: signaler must not be nil")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("realtime: dialer must not be nil")
	}
	c := &Controller{
		media:       cfg.Media,
		creds:       cfg.Credentials,
		signaler:    cfg.Signaler,
		dialer:      cfg.Dialer,
		log:         cfg.Transcript,
		logger:      cfg.Logger,
		openTimeout: cfg.OpenTimeout,
		updates:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	if c.log == nil {
		c.log = transcript.New()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.openTimeout <= 0 {
		c.openTimeout = defaultOpenTimeout
	}
	return c, nil
}

// connection is what a successful negotiation hands over to the controller.
type connection struct {
	media LocalMedia
	peer  Peer
}

func (cn *connection) close(logger *slog.Logger) {
	if cn == nil {
		return
	}
	if cn.peer != nil {
		if err := cn.peer.Close(); err != nil {
			logger.Warn("realtime: close peer", "error", err)
		}
	}
	if cn.media != nil {
		if err := cn.media.Close(); err != nil {
			logger.Warn("realtime: release media", "error", err)
		}
	}
}

// Start acquires the microphone, negotiates the peer connection, and returns
// once the event channel is open. On failure every acquired resource is
// released and the controller is idle again, unless Stop was called meanwhile.
func (c *Controller) Start(ctx context.Context, ic domain.InterviewContext) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return newError(KindState, "start", fmt.Errorf("controller is %s", state))
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.state = StateConnecting
	c.cancelStart = cancel
	c.mu.Unlock()
	c.notify()

	conn, err := c.connect(ctx, ic)

	c.mu.Lock()
	c.cancelStart = nil
	if c.state != StateConnecting {
		c.mu.Unlock()
		conn.close(c.logger)
		return newError(KindCanceled, "start", context.Canceled)
	}
	if err != nil {
		c.state = StateIdle
		c.mu.Unlock()
		c.notify()
		return err
	}
	c.local = conn.media
	c.peer = conn.peer
	c.state = StateActive
	c.mu.Unlock()

	c.logger.Info("realtime: session active")
	c.notify()
	return nil
}

func (c *Controller) connect(ctx context.Context, ic domain.InterviewContext) (*connection, error) {
	conn := &connection{}
	fail := func(kind ErrorKind, op string, err error) (*connection, error) {
		conn.close(c.logger)
		if ctx.Err() != nil {
			kind = KindCanceled
		}
		return nil, newError(kind, op, err)
	}

	media, err := c.media.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return fail(KindPermission, "acquire media", err)
		}
		return fail(KindMedia, "acquire media", err)
	}
	conn.media = media

	creds, err := c.creds.Credentials(ctx, ic)
	if err != nil {
		return fail(KindNegotiation, "credentials", err)
	}
	if creds.EphemeralKey == "" {
		return fail(KindNegotiation, "credentials", errors.New("empty ephemeral key"))
	}

	opened := make(chan struct{})
	var openOnce sync.Once
	peer, err := c.dialer.Dial(ctx, media, PeerHandlers{
		OnOpen:       func() { openOnce.Do(func() { close(opened) }) },
		OnMessage:    c.handleMessage,
		OnAudioLevel: c.handleAudioLevel,
		OnClose:      c.handleRemoteClose,
	})
	if err != nil {
		return fail(KindNegotiation, "dial", err)
	}
	conn.peer = peer

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return fail(KindNegotiation, "create offer", err)
	}
	answer, err := c.signaler.ExchangeSDP(ctx, creds.Model, creds.EphemeralKey, offer)
	if err != nil {
		return fail(KindNegotiation, "exchange sdp", err)
	}
	if err := peer.SetAnswer(answer); err != nil {
		return fail(KindNegotiation, "set answer", err)
	}

	timer := time.NewTimer(c.openTimeout)
	defer timer.Stop()
	select {
	case <-opened:
	case <-ctx.Done():
		return fail(KindCanceled, "open data channel", ctx.Err())
	case <-timer.C:
		return fail(KindNegotiation, "open data channel", errors.New("timed out"))
	}

	c.mu.Lock()
	if c.sessionID == "" {
		c.sessionID = creds.SessionID
	}
	c.mu.Unlock()
	return conn, nil
}

// Stop tears the session down. It is safe to call in any state and more than
// once; an idle controller is left untouched.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateEnded || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateEnded
	cancel := c.cancelStart
	conn := &connection{media: c.local, peer: c.peer}
	c.local, c.peer = nil, nil
	c.speaking = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	conn.close(c.logger)
	c.meter.reset()
	close(c.done)
	c.logger.Info("realtime: session ended")
	c.notify()
}

func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePaused {
		return nil
	}
	if c.state != StateActive {
		return newError(KindState, "pause", fmt.Errorf("controller is %s", c.state))
	}
	c.state = StatePaused
	c.local.SetMuted(true)
	c.speaking = false
	c.meter.reset()
	c.notify()
	return nil
}

func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive {
		return nil
	}
	if c.state != StatePaused {
		return newError(KindState, "resume", fmt.Errorf("controller is %s", c.state))
	}
	c.state = StateActive
	c.local.SetMuted(false)
	c.notify()
	return nil
}

// SendText adds a user message to the conversation and asks for a response.
func (c *Controller) SendText(text string) error {
	return c.send("send text", domain.RoleUser, text)
}

// SendSystemMessage adds a system instruction. It is recorded in the
// transcript but excluded from Visible.
func (c *Controller) SendSystemMessage(text string) error {
	return c.send("send system message", domain.RoleSystem, text)
}

func (c *Controller) send(op string, role domain.Role, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return newError(KindState, op, errors.New("empty message"))
	}
	payloads, err := encodeMessage(role, text)
	if err != nil {
		return newError(KindTransport, op, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	state, peer := c.state, c.peer
	c.mu.Unlock()
	if state != StateActive && state != StatePaused {
		return newError(KindState, op, fmt.Errorf("controller is %s", state))
	}
	for _, p := range payloads {
		if err := peer.Send(p); err != nil {
			return newError(KindTransport, op, err)
		}
	}
	c.log.Append(role, text)
	c.notify()
	return nil
}

func (c *Controller) handleMessage(data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		c.logger.Warn("realtime: malformed event", "error", err)
		return
	}
	c.mu.Lock()
	ended := c.state == StateEnded
	c.mu.Unlock()
	if ended {
		return
	}
	if c.apply(ev) {
		c.notify()
	}
}

// apply routes one event and reports whether observable state changed.
func (c *Controller) apply(ev Event) bool {
	switch ev.Kind {
	case EventSpeechStarted:
		c.setFlag(&c.userSpeaking, true)
		if ev.ItemID != "" {
			c.log.UpsertDelta(ev.ItemID, domain.RoleUser, "", false)
		}
		return true
	case EventSpeechStopped:
		c.setFlag(&c.userSpeaking, false)
		return true
	case EventInputTranscriptDelta:
		return c.log.UpsertDelta(ev.ItemID, domain.RoleUser, ev.Delta, false)
	case EventInputTranscriptCompleted, EventInputTranscriptFailed:
		return c.log.Complete(ev.ItemID, domain.RoleUser, ev.Text)
	case EventAssistantTranscriptDelta:
		return c.log.UpsertDelta(ev.ItemID, domain.RoleAssistant, ev.Delta, false)
	case EventAssistantTranscriptDone:
		return c.log.Complete(ev.ItemID, domain.RoleAssistant, ev.Text)
	case EventOutputAudioStarted:
		c.setFlag(&c.aiAudio, true)
		return true
	case EventOutputAudioStopped:
		c.setFlag(&c.aiAudio, false)
		c.meter.reset()
		c.updateSpeaking()
		return true
	case EventResponseDone:
		c.mu.Lock()
		c.usage.InputTokens += ev.Usage.InputTokens
		c.usage.OutputTokens += ev.Usage.OutputTokens
		c.usage.TotalTokens += ev.Usage.TotalTokens
		c.mu.Unlock()
		return ev.Usage != (domain.TokenUsage{})
	case EventSessionCreated, EventSessionUpdated:
		c.mu.Lock()
		if ev.SessionID != "" {
			c.sessionID = ev.SessionID
		}
		c.mu.Unlock()
		c.logger.Debug("realtime: session event", "type", ev.Type, "session_id", ev.SessionID, "model", ev.Model)
		return false
	case EventError:
		c.mu.Lock()
		c.lastErr = ev.ErrorMessage
		c.mu.Unlock()
		c.logger.Warn("realtime: server error", "code", ev.ErrorCode, "message", ev.ErrorMessage)
		return true
	default:
		c.logger.Debug("realtime: ignoring event", "type", ev.Type)
		return false
	}
}

func (c *Controller) setFlag(f *bool, v bool) {
	c.mu.Lock()
	*f = v
	c.mu.Unlock()
}

func (c *Controller) handleAudioLevel(level float64) {
	c.mu.Lock()
	active := c.state == StateActive
	c.mu.Unlock()
	if !active {
		return
	}
	c.meter.observe(level)
	if c.updateSpeaking() {
		c.notify()
	}
}

// updateSpeaking recomputes the speaking indicator and reports whether it
// flipped.
func (c *Controller) updateSpeaking() bool {
	v := c.meter.value()
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.state == StateActive && v > SpeakingThreshold
	if now == c.speaking {
		return false
	}
	c.speaking = now
	return true
}

func (c *Controller) handleRemoteClose() {
	c.mu.Lock()
	live := c.state == StateActive || c.state == StatePaused
	c.mu.Unlock()
	if !live {
		return
	}
	c.logger.Warn("realtime: peer connection closed remotely")
	// Transport callbacks must not block on the teardown they trigger.
	go c.Stop()
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Updates signals that observable state changed. Signals are coalesced; read
// the accessors after each one.
func (c *Controller) Updates() <-chan struct{} { return c.updates }

// Done is closed when the controller ends.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Transcript() *transcript.Log { return c.log }

// Volume returns the smoothed remote audio level in [0,1], or 0 unless active.
func (c *Controller) Volume() float64 {
	c.mu.Lock()
	active := c.state == StateActive
	c.mu.Unlock()
	if !active {
		return 0
	}
	return c.meter.value()
}

// IsSpeaking reports whether the assistant is audibly speaking.
func (c *Controller) IsSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// AssistantAudio reports whether the server is playing out a response.
func (c *Controller) AssistantAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aiAudio && c.state == StateActive
}

func (c *Controller) UserSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userSpeaking
}

// Usage returns the token usage reported by completed responses.
func (c *Controller) Usage() domain.TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastServerError returns the message of the most recent server error event.
func (c *Controller) LastServerError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
