// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_protocol

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rapidaai/tutortalk/pkg/commons"
	"github.com/rapidaai/tutortalk/pkg/eventbus"
	voice_types "github.com/rapidaai/tutortalk/voice/types"
)

const (
	// speakingEndDelay runs after response.done before the assistant is
	// declared non-speaking, to let the audio buffer actually drain.
	// Empirical; a media stack that reports drain should replace it.
	speakingEndDelay = 5 * time.Second

	// speakingEndExtension is the one extra grace period granted when the
	// turn never produced audio data by the time the delay fires.
	speakingEndExtension = 3 * time.Second
)

// ErrNoSender is returned when an outbound event has no channel to go to.
var ErrNoSender = errors.New("no control channel sender attached")

// audioResponseState tracks one assistant turn, distinguishing generation
// complete from playback complete.
type audioResponseState struct {
	isAudioPlaying     bool
	lastResponseID     string
	audioDataReceived  bool
	transcriptReceived bool
}

// Handler consumes control-channel events, maintains the AI-speaking flag,
// transcript buffers and conversation history, and produces outbound events.
type Handler struct {
	mu     sync.Mutex
	logger commons.Logger
	bus    *eventbus.Bus

	send func([]byte) error

	history                    []voice_types.ConversationTurn
	currentUserTranscript      string
	currentAssistantTranscript string
	audio                      audioResponseState

	speakingEndTimer *time.Timer
	speakingExtended bool

	endDelay     time.Duration
	endExtension time.Duration
}

// NewHandler creates a protocol handler publishing on bus.
func NewHandler(logger commons.Logger, bus *eventbus.Bus) *Handler {
	return &Handler{
		logger:       logger,
		bus:          bus,
		endDelay:     speakingEndDelay,
		endExtension: speakingEndExtension,
	}
}

// AttachSender wires the outbound side of the control channel. Passing nil
// detaches it; outbound events then fail with ErrNoSender.
func (h *Handler) AttachSender(send func([]byte) error) {
	h.mu.Lock()
	h.send = send
	h.mu.Unlock()
}

// SendSessionConfigure sends the session.update event.
func (h *Handler) SendSessionConfigure(cfg SessionConfig) error {
	payload, err := BuildSessionUpdate(cfg)
	if err != nil {
		return fmt.Errorf("build session.update: %w", err)
	}
	return h.sendPayload(payload)
}

// SendResponseCreate prompts the assistant to speak.
func (h *Handler) SendResponseCreate() error {
	payload, err := BuildResponseCreate()
	if err != nil {
		return fmt.Errorf("build response.create: %w", err)
	}
	return h.sendPayload(payload)
}

func (h *Handler) sendPayload(payload []byte) error {
	h.mu.Lock()
	send := h.send
	h.mu.Unlock()
	if send == nil {
		return ErrNoSender
	}
	return send(payload)
}

// HandleRaw parses one control-channel message and dispatches it. Malformed
// messages are logged and dropped; the channel keeps flowing.
func (h *Handler) HandleRaw(data []byte) {
	ev, err := ParseEvent(data)
	if err != nil {
		h.logger.Warnw("unparseable control event", "error", err)
		return
	}
	h.Handle(ev)
}

// Handle dispatches a parsed event. Events are processed in arrival order;
// transcript deltas concatenate in order and a completed finalizes the
// buffer that precedes it.
func (h *Handler) Handle(ev Event) {
	switch e := ev.(type) {
	case SessionLifecycleEvent:
		if e.Type == EventSessionCreated {
			h.bus.Emit(eventbus.TopicSessionCreated, e.Session)
		} else {
			h.bus.Emit(eventbus.TopicSessionUpdated, e.Session)
		}

	case SpeechStartedEvent:
		// If the assistant is speaking, the remote truncates on its own and
		// sends the completion events; no local cancel is issued.
		h.bus.Emit(eventbus.TopicUserSpeechStarted)

	case SpeechStoppedEvent:
		h.bus.Emit(eventbus.TopicUserSpeechStopped)

	case AudioDeltaEvent:
		h.onAudioDelta(e)

	case AudioDoneEvent:
		// Generation complete, not playback complete. The speaking state
		// only ends on the response.done timer.
		h.mu.Lock()
		h.audio.audioDataReceived = true
		h.mu.Unlock()

	case TranscriptDeltaEvent:
		h.mu.Lock()
		h.currentAssistantTranscript += e.Delta
		h.mu.Unlock()
		h.bus.Emit(eventbus.TopicAITranscriptDelta, e.Delta)

	case TranscriptDoneEvent:
		h.onAssistantTranscriptDone(e)

	case ResponseDoneEvent:
		h.onResponseDone(e)

	case OutputAudioStoppedEvent:
		// Remote buffer drained; informational only.
		h.bus.Emit(eventbus.TopicOutputAudioStopped, e.ResponseID)

	case ItemCreatedEvent:
		h.onItemCreated(e)

	case InputTranscriptDeltaEvent:
		h.mu.Lock()
		h.currentUserTranscript += e.Delta
		h.mu.Unlock()
		h.bus.Emit(eventbus.TopicUserTranscriptDelta, e.Delta)

	case InputTranscriptDoneEvent:
		h.onUserTranscriptDone(e)

	case RateLimitsEvent:
		h.bus.Emit(eventbus.TopicRateLimitsUpdated, e.RateLimits)

	case ErrorEvent:
		h.onRemoteError(e)

	default:
		h.bus.Emit(eventbus.TopicMessage, ev)
	}
}

func (h *Handler) onAudioDelta(e AudioDeltaEvent) {
	h.mu.Lock()
	started := false
	if !h.audio.isAudioPlaying {
		h.audio.isAudioPlaying = true
		started = true
	}
	h.audio.audioDataReceived = true
	if e.ResponseID != "" {
		h.audio.lastResponseID = e.ResponseID
	}
	h.mu.Unlock()

	if started {
		h.bus.Emit(eventbus.TopicAISpeechStarted)
	}
	h.bus.Emit(eventbus.TopicAudioData, e.Delta)
}

func (h *Handler) onAssistantTranscriptDone(e TranscriptDoneEvent) {
	h.mu.Lock()
	text := e.Transcript
	if text == "" {
		text = h.currentAssistantTranscript
	}
	h.currentAssistantTranscript = ""
	h.audio.transcriptReceived = true
	if text != "" {
		h.history = append(h.history, voice_types.ConversationTurn{
			Role:      voice_types.RoleAssistant,
			Text:      text,
			Timestamp: time.Now(),
		})
	}
	h.mu.Unlock()

	// Speaking state still ends on the response.done timer.
	h.bus.Emit(eventbus.TopicAITranscriptComplete, text)
}

func (h *Handler) onUserTranscriptDone(e InputTranscriptDoneEvent) {
	h.mu.Lock()
	text := e.Transcript
	if text == "" {
		text = h.currentUserTranscript
	}
	h.currentUserTranscript = ""
	if text != "" {
		h.history = append(h.history, voice_types.ConversationTurn{
			Role:      voice_types.RoleUser,
			Text:      text,
			Timestamp: time.Now(),
		})
	}
	h.mu.Unlock()

	h.bus.Emit(eventbus.TopicUserTranscriptComplete, text)
}

func (h *Handler) onItemCreated(e ItemCreatedEvent) {
	if e.Item.Role != string(voice_types.RoleUser) || len(e.Item.Content) == 0 {
		return
	}
	content := e.Item.Content[0]
	if content.Type != "input_audio" || content.Transcript == "" {
		return
	}

	h.mu.Lock()
	h.history = append(h.history, voice_types.ConversationTurn{
		Role:      voice_types.RoleUser,
		Text:      content.Transcript,
		Timestamp: time.Now(),
	})
	h.mu.Unlock()

	h.bus.Emit(eventbus.TopicUserTranscriptComplete, content.Transcript)
}

// onResponseDone schedules the delayed transition out of the speaking state.
// The audio buffer keeps playing after generation completes, so the flag is
// held for endDelay; if the turn never reported audio data by then, one
// endExtension grace period is granted before forcing the transition.
func (h *Handler) onResponseDone(e ResponseDoneEvent) {
	h.mu.Lock()
	if e.Response.ID != "" {
		h.audio.lastResponseID = e.Response.ID
	}
	h.speakingExtended = false
	h.stopSpeakingTimerLocked()
	h.speakingEndTimer = time.AfterFunc(h.endDelay, h.speakingEndElapsed)
	h.mu.Unlock()

	h.bus.Emit(eventbus.TopicResponseCompleted, e.Response.ID)
}

func (h *Handler) speakingEndElapsed() {
	h.mu.Lock()
	h.speakingEndTimer = nil
	if !h.audio.isAudioPlaying {
		h.mu.Unlock()
		return
	}
	if !h.audio.audioDataReceived && !h.speakingExtended {
		h.speakingExtended = true
		h.speakingEndTimer = time.AfterFunc(h.endExtension, h.speakingEndElapsed)
		h.mu.Unlock()
		h.logger.Debugw("speaking-end validation failed, extending",
			"extension", h.endExtension.String())
		return
	}
	h.audio.isAudioPlaying = false
	h.audio.audioDataReceived = false
	h.audio.transcriptReceived = false
	h.mu.Unlock()

	h.bus.Emit(eventbus.TopicAISpeechEnded)
}

func (h *Handler) onRemoteError(e ErrorEvent) {
	// Truncation after an interruption produces a harmless content-type
	// complaint; surfacing it would look like a session failure.
	if strings.Contains(e.Error.Code, "unsupported_content_type") ||
		strings.Contains(e.Error.Type, "unsupported_content_type") {
		h.logger.Debugw("ignoring benign remote error", "code", e.Error.Code, "message", e.Error.Message)
		return
	}
	h.bus.Emit(eventbus.TopicError, voice_types.NewSessionError(
		voice_types.ErrKindRemote,
		fmt.Errorf("%s: %s", e.Error.Type, e.Error.Message),
	))
}

func (h *Handler) stopSpeakingTimerLocked() {
	if h.speakingEndTimer != nil {
		h.speakingEndTimer.Stop()
		h.speakingEndTimer = nil
	}
}

// IsAISpeaking reports whether the assistant is currently speaking.
func (h *Handler) IsAISpeaking() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.audio.isAudioPlaying
}

// History returns a copy of the finalized conversation turns.
func (h *Handler) History() []voice_types.ConversationTurn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]voice_types.ConversationTurn, len(h.history))
	copy(out, h.history)
	return out
}

// TurnCount reports the number of finalized turns.
func (h *Handler) TurnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

// Reset clears history, partial transcripts and the audio-response state,
// and cancels any pending speaking-end timer. Called on every transition to
// idle.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopSpeakingTimerLocked()
	h.history = nil
	h.currentUserTranscript = ""
	h.currentAssistantTranscript = ""
	h.audio = audioResponseState{}
	h.speakingExtended = false
}
