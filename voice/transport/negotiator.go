// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/rapidaai/tutortalk/pkg/commons"
	voice_types "github.com/rapidaai/tutortalk/voice/types"
)

// Sentinel errors.
var (
	ErrNoDataChannel = errors.New("data channel not open")
	ErrClosed        = errors.New("transport closed")
)

// Config parameterizes one negotiator instance.
type Config struct {
	RealtimeBase string
	Model        string
	ICEServers   []string
	OpenTimeout  time.Duration
	Microphone   MicrophoneConfig
}

// DefaultConfig returns transport defaults for realtimeBase and model.
func DefaultConfig(realtimeBase, model string) Config {
	return Config{
		RealtimeBase: realtimeBase,
		Model:        model,
		ICEServers:   defaultICEServers,
		OpenTimeout:  DataChannelOpenTimeout,
		Microphone:   DefaultMicrophoneConfig(),
	}
}

// Callbacks are the negotiator's upward surface. All of them may be invoked
// from pion goroutines.
type Callbacks struct {
	// OnControlMessage receives each inbound data-channel message.
	OnControlMessage func(data []byte)
	// OnRemoteAudio receives depacketized remote audio payloads (opaque).
	OnRemoteAudio func(payload []byte)
	// OnFatal reports transport failures that end the session.
	OnFatal func(kind voice_types.ErrorKind, err error)
}

// Negotiator stands up one peer connection with a bidirectional control
// channel and inbound audio, or fails cleanly. Exactly one live transport
// exists per orchestrator; Connect tears down any predecessor first.
type Negotiator struct {
	mu     sync.Mutex
	logger commons.Logger
	cfg    Config
	http   *resty.Client
	mic    MicrophoneSource
	cb     Callbacks

	pc         *pionwebrtc.PeerConnection
	dc         *pionwebrtc.DataChannel
	localTrack *pionwebrtc.TrackLocalStaticSample

	audioCtx    context.Context
	audioCancel context.CancelFunc
	audioWg     sync.WaitGroup

	audioOnly bool
	closed    bool

	iceRecoveryTimer    *time.Timer
	iceRecoveryAttempts int
}

// NewNegotiator creates a transport negotiator. mic supplies local capture.
func NewNegotiator(logger commons.Logger, cfg Config, mic MicrophoneSource, cb Callbacks) *Negotiator {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DataChannelOpenTimeout
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = defaultICEServers
	}
	return &Negotiator{
		logger: logger,
		cfg:    cfg,
		http:   resty.New().SetTimeout(30 * time.Second),
		mic:    mic,
		cb:     cb,
	}
}

// Connect performs the full bring-up sequence against the realtime peer.
// It returns audioOnly=true when the control channel could not be opened but
// the media path is usable. The ordering below is normative: the data channel
// must exist before the offer so the answer includes its media section.
func (n *Negotiator) Connect(ctx context.Context, ephemeralKey string) (audioOnly bool, err error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return false, ErrClosed
	}
	n.mu.Unlock()

	// Step 1: settle any previous peer connection before constructing anew.
	n.teardownPeer()

	mediaEngine := &pionwebrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return false, fmt.Errorf("register codecs: %w", err)
	}
	api := pionwebrtc.NewAPI(pionwebrtc.WithMediaEngine(mediaEngine))

	iceServers := make([]pionwebrtc.ICEServer, len(n.cfg.ICEServers))
	for i, u := range n.cfg.ICEServers {
		iceServers[i] = pionwebrtc.ICEServer{URLs: []string{u}}
	}
	pc, err := api.NewPeerConnection(pionwebrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return false, fmt.Errorf("create peer connection: %w", err)
	}

	// Step 3: data channel BEFORE createOffer, so it is negotiated in SDP.
	ordered := true
	dc, err := pc.CreateDataChannel(DataChannelLabel, &pionwebrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return false, fmt.Errorf("create data channel: %w", err)
	}

	openCh := make(chan struct{})
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(openCh) })
	})
	dc.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
		if n.cb.OnControlMessage != nil {
			n.cb.OnControlMessage(msg.Data)
		}
	})
	dc.OnError(func(err error) {
		n.logger.Warnw("data channel error", "error", err)
	})

	audioCtx, audioCancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.pc = pc
	n.dc = dc
	n.audioCtx = audioCtx
	n.audioCancel = audioCancel
	n.audioOnly = false
	n.iceRecoveryAttempts = 0
	n.mu.Unlock()

	n.setupICEMonitoring(pc)
	pc.OnTrack(func(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		if track.Kind() != pionwebrtc.RTPCodecTypeAudio {
			return
		}
		n.logger.Infow("remote audio track received", "codec", track.Codec().MimeType)
		n.audioWg.Add(1)
		go n.readRemoteAudio(audioCtx, track)
	})

	// Step 4: exclusive microphone capture attached before the offer.
	if err := n.startMicrophone(audioCtx, pc); err != nil {
		n.teardownPeer()
		return false, fmt.Errorf("acquire microphone: %w", err)
	}

	// Step 5: offer.
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		n.teardownPeer()
		return false, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		n.teardownPeer()
		return false, fmt.Errorf("set local description: %w", err)
	}
	if state := pc.SignalingState(); state != pionwebrtc.SignalingStateHaveLocalOffer {
		n.teardownPeer()
		return false, fmt.Errorf("unexpected signaling state after offer: %s", state)
	}

	<-pionwebrtc.GatheringCompletePromise(pc)
	localSDP := pc.LocalDescription().SDP

	offerInfo := analyzeSDP(localSDP)
	if !offerInfo.HasApplicationMedia {
		n.teardownPeer()
		return false, errors.New("offer is missing the data-channel media section")
	}
	n.logger.Debugw("local offer analyzed",
		"application", offerInfo.HasApplicationMedia, "sctp", offerInfo.HasSCTP, "bundle", offerInfo.HasBundle)

	// Step 6: SDP exchange with the ephemeral credential.
	answer, err := exchangeSDP(ctx, n.http, n.cfg.RealtimeBase, n.cfg.Model, localSDP, ephemeralKey)
	if err != nil {
		n.teardownPeer()
		return false, err
	}

	// Step 7: remote description.
	if err := pc.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		n.teardownPeer()
		return false, fmt.Errorf("set remote description: %w", err)
	}
	if state := pc.SignalingState(); state != pionwebrtc.SignalingStateStable {
		n.teardownPeer()
		return false, fmt.Errorf("unexpected signaling state after answer: %s", state)
	}

	answerInfo := analyzeSDP(answer)
	if !answerInfo.HasApplicationMedia {
		// Remote refused a data channel; there is nothing to wait for.
		n.logger.Warnw("answer has no data-channel media section, continuing audio-only")
		n.enterAudioOnly()
		return true, nil
	}

	// Step 8: wait for open with both the callback and a readyState poll.
	if n.waitForDataChannelOpen(ctx, dc, openCh) {
		n.logger.Infow("data channel open", "label", dc.Label())
		return false, nil
	}

	n.logger.Warnw("data channel did not open in time, falling back to audio-only",
		"timeout", n.cfg.OpenTimeout.String())
	n.enterAudioOnly()
	return true, nil
}

// waitForDataChannelOpen resolves when either mechanism observes the open
// state, or gives up after the configured timeout.
func (n *Negotiator) waitForDataChannelOpen(ctx context.Context, dc *pionwebrtc.DataChannel, openCh <-chan struct{}) bool {
	deadline := time.NewTimer(n.cfg.OpenTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(dataChannelOpenPoll)
	defer poll.Stop()

	for {
		select {
		case <-openCh:
			return true
		case <-poll.C:
			if dc.ReadyState() == pionwebrtc.DataChannelStateOpen {
				return true
			}
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (n *Negotiator) enterAudioOnly() {
	n.mu.Lock()
	n.audioOnly = true
	dc := n.dc
	n.dc = nil
	n.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
}

// startMicrophone opens the capture source and pumps samples into a local
// track attached to pc.
func (n *Negotiator) startMicrophone(ctx context.Context, pc *pionwebrtc.PeerConnection) error {
	track, err := pionwebrtc.NewTrackLocalStaticSample(
		pionwebrtc.RTPCodecCapability{
			MimeType:  pionwebrtc.MimeTypeOpus,
			ClockRate: OpusSampleRate,
			Channels:  OpusChannels,
		},
		"audio",
		"tutortalk-mic",
	)
	if err != nil {
		return fmt.Errorf("create local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return fmt.Errorf("add local track: %w", err)
	}

	samples, err := n.mic.Open(n.cfg.Microphone)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.localTrack = track
	n.mu.Unlock()

	n.audioWg.Add(1)
	go func() {
		defer n.audioWg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sample, ok := <-samples:
				if !ok {
					return
				}
				if err := track.WriteSample(sample); err != nil {
					n.logger.Debugw("write sample failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// readRemoteAudio depacketizes RTP off the remote track and surfaces opaque
// audio payloads. Mirrors the input path constraints: consecutive read errors
// are tolerated up to a budget.
func (n *Negotiator) readRemoteAudio(ctx context.Context, track *pionwebrtc.TrackRemote) {
	defer n.audioWg.Done()

	buf := make([]byte, RTPBufferSize)
	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Bounded reads so cancellation is observed even on a silent track.
		_ = track.SetReadDeadline(time.Now().Add(time.Second))
		nRead, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveReadErrors {
				n.logger.Errorw("too many consecutive remote read errors, stopping", "lastError", err)
				return
			}
			continue
		}
		consecutiveErrors = 0

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:nRead]); err != nil {
			n.logger.Debugw("rtp unmarshal failed", "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if n.cb.OnRemoteAudio != nil {
			n.cb.OnRemoteAudio(pkt.Payload)
		}
	}
}

// setupICEMonitoring tracks the ICE connection and drives bounded recovery.
func (n *Negotiator) setupICEMonitoring(pc *pionwebrtc.PeerConnection) {
	pc.OnICEConnectionStateChange(func(state pionwebrtc.ICEConnectionState) {
		n.logger.Infow("ice connection state changed", "state", state.String())

		switch state {
		case pionwebrtc.ICEConnectionStateConnected, pionwebrtc.ICEConnectionStateCompleted:
			n.mu.Lock()
			n.iceRecoveryAttempts = 0
			n.stopICERecoveryTimerLocked()
			n.mu.Unlock()

		case pionwebrtc.ICEConnectionStateDisconnected:
			n.mu.Lock()
			if n.iceRecoveryTimer == nil && !n.closed {
				n.iceRecoveryTimer = time.AfterFunc(iceRecoveryDelay, func() { n.iceRecoveryElapsed(pc) })
			}
			n.mu.Unlock()

		case pionwebrtc.ICEConnectionStateFailed:
			n.fatal(voice_types.ErrKindICEFailed, errors.New("ice connection failed"))
		}
	})

	pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		if state == pionwebrtc.PeerConnectionStateFailed {
			n.fatal(voice_types.ErrKindPeerFailed, errors.New("peer connection failed"))
		}
	})
}

func (n *Negotiator) iceRecoveryElapsed(pc *pionwebrtc.PeerConnection) {
	n.mu.Lock()
	n.iceRecoveryTimer = nil
	if n.closed {
		n.mu.Unlock()
		return
	}

	state := pc.ICEConnectionState()
	if state == pionwebrtc.ICEConnectionStateConnected || state == pionwebrtc.ICEConnectionStateCompleted {
		// Recovered on its own.
		n.mu.Unlock()
		return
	}

	n.iceRecoveryAttempts++
	attempts := n.iceRecoveryAttempts
	if attempts <= maxICERecoveryAttempts {
		n.iceRecoveryTimer = time.AfterFunc(iceRecoveryDelay, func() { n.iceRecoveryElapsed(pc) })
		n.mu.Unlock()
		n.logger.Warnw("ice still disconnected, monitoring", "attempt", attempts)
		return
	}
	n.mu.Unlock()

	n.fatal(voice_types.ErrKindICEFailed, fmt.Errorf("ice did not recover after %d attempts", maxICERecoveryAttempts))
}

func (n *Negotiator) fatal(kind voice_types.ErrorKind, err error) {
	n.logger.Errorw("transport failure", "kind", string(kind), "error", err)
	if n.cb.OnFatal != nil {
		n.cb.OnFatal(kind, err)
	}
}

// SendControl sends one outbound control event. In audio-only mode outbound
// events are logged and dropped so the conversation can continue on
// server-side VAD alone.
func (n *Negotiator) SendControl(payload []byte) error {
	n.mu.Lock()
	audioOnly := n.audioOnly
	dc := n.dc
	n.mu.Unlock()

	if audioOnly {
		n.logger.Debugw("audio-only mode, dropping outbound control event", "bytes", len(payload))
		return nil
	}
	if dc == nil || dc.ReadyState() != pionwebrtc.DataChannelStateOpen {
		return ErrNoDataChannel
	}
	return dc.SendText(string(payload))
}

// IsAudioOnly reports whether the transport fell back to audio-only.
func (n *Negotiator) IsAudioOnly() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.audioOnly
}

// HasLiveTransport reports whether a peer connection currently exists.
func (n *Negotiator) HasLiveTransport() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pc != nil
}

// teardownPeer releases the current transport. Cleanup order: local capture,
// remote readers, data channel, peer connection. Every step tolerates
// already-closed resources; teardown never fails.
func (n *Negotiator) teardownPeer() {
	n.mu.Lock()
	cancel := n.audioCancel
	dc := n.dc
	pc := n.pc
	n.audioCancel = nil
	n.audioCtx = nil
	n.dc = nil
	n.pc = nil
	n.localTrack = nil
	n.audioOnly = false
	n.stopICERecoveryTimerLocked()
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if n.mic != nil {
		if err := n.mic.Close(); err != nil {
			n.logger.Debugw("microphone close failed", "error", err)
		}
	}
	n.audioWg.Wait()

	if dc != nil {
		if err := dc.Close(); err != nil {
			n.logger.Debugw("data channel close failed", "error", err)
		}
	}
	if pc == nil {
		return
	}
	if err := pc.Close(); err != nil {
		n.logger.Debugw("peer connection close failed", "error", err)
	}

	// Wait for the old connection to actually reach closed before a new one
	// is constructed over the same devices.
	deadline := time.Now().Add(closeSettleTimeout)
	for pc.ConnectionState() != pionwebrtc.PeerConnectionStateClosed && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

func (n *Negotiator) stopICERecoveryTimerLocked() {
	if n.iceRecoveryTimer != nil {
		n.iceRecoveryTimer.Stop()
		n.iceRecoveryTimer = nil
	}
}

// Close tears down the transport and marks the negotiator unusable.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	n.teardownPeer()
}

// Reset tears down the transport but keeps the negotiator usable for a new
// Connect. Used between session attempts.
func (n *Negotiator) Reset() {
	n.teardownPeer()
}
