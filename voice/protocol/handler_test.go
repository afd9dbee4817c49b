// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_protocol

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/tutortalk/pkg/commons"
	"github.com/rapidaai/tutortalk/pkg/eventbus"
	voice_types "github.com/rapidaai/tutortalk/voice/types"
)

// topicRecorder collects bus emissions for assertions.
type topicRecorder struct {
	mu     sync.Mutex
	topics []eventbus.Topic
	args   map[eventbus.Topic][][]interface{}
}

func record(bus *eventbus.Bus, topics ...eventbus.Topic) *topicRecorder {
	r := &topicRecorder{args: make(map[eventbus.Topic][][]interface{})}
	for _, topic := range topics {
		topic := topic
		bus.On(topic, func(args ...interface{}) {
			r.mu.Lock()
			r.topics = append(r.topics, topic)
			r.args[topic] = append(r.args[topic], args)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *topicRecorder) count(topic eventbus.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.args[topic])
}

func (r *topicRecorder) sequence() []eventbus.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.Topic, len(r.topics))
	copy(out, r.topics)
	return out
}

func newTestHandler(t *testing.T) (*Handler, *eventbus.Bus) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	bus := eventbus.New(logger)
	return NewHandler(logger, bus), bus
}

func TestAudioDelta_StartsSpeakingOnce(t *testing.T) {
	h, bus := newTestHandler(t)
	rec := record(bus, eventbus.TopicAISpeechStarted, eventbus.TopicAudioData)

	h.Handle(AudioDeltaEvent{ResponseID: "r1", Delta: "chunk1"})
	h.Handle(AudioDeltaEvent{ResponseID: "r1", Delta: "chunk2"})

	assert.True(t, h.IsAISpeaking())
	assert.Equal(t, 1, rec.count(eventbus.TopicAISpeechStarted), "aiSpeechStarted fires once per turn")
	assert.Equal(t, 2, rec.count(eventbus.TopicAudioData))
}

func TestAudioDone_DoesNotEndSpeaking(t *testing.T) {
	h, bus := newTestHandler(t)
	rec := record(bus, eventbus.TopicAISpeechEnded)

	h.Handle(AudioDeltaEvent{Delta: "chunk"})
	h.Handle(AudioDoneEvent{ResponseID: "r1"})

	assert.True(t, h.IsAISpeaking(), "generation complete is not playback complete")
	assert.Equal(t, 0, rec.count(eventbus.TopicAISpeechEnded))
}

func TestOutputAudioStopped_DoesNotEndSpeaking(t *testing.T) {
	h, _ := newTestHandler(t)
	h.Handle(AudioDeltaEvent{Delta: "chunk"})
	h.Handle(OutputAudioStoppedEvent{ResponseID: "r1"})
	assert.True(t, h.IsAISpeaking())
}

func TestResponseDone_EndsSpeakingAfterDelay(t *testing.T) {
	h, bus := newTestHandler(t)
	h.endDelay = 20 * time.Millisecond
	rec := record(bus, eventbus.TopicAISpeechEnded, eventbus.TopicResponseCompleted)

	h.Handle(AudioDeltaEvent{Delta: "chunk"})
	h.Handle(ResponseDoneEvent{})

	assert.Equal(t, 1, rec.count(eventbus.TopicResponseCompleted))
	assert.True(t, h.IsAISpeaking(), "still speaking until the delay elapses")

	assert.Eventually(t, func() bool { return !h.IsAISpeaking() },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count(eventbus.TopicAISpeechEnded))
}

func TestResponseDone_ExtendsWhenNoAudioData(t *testing.T) {
	h, bus := newTestHandler(t)
	h.endDelay = 20 * time.Millisecond
	h.endExtension = 20 * time.Millisecond
	rec := record(bus, eventbus.TopicAISpeechEnded)

	// Speaking flag without audioDataReceived: force the validation failure.
	h.mu.Lock()
	h.audio.isAudioPlaying = true
	h.mu.Unlock()

	h.Handle(ResponseDoneEvent{})

	time.Sleep(30 * time.Millisecond)
	assert.True(t, h.IsAISpeaking(), "first firing should extend, not end")

	assert.Eventually(t, func() bool { return !h.IsAISpeaking() },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count(eventbus.TopicAISpeechEnded))
}

func TestAssistantTranscript_DeltaThenDone(t *testing.T) {
	h, bus := newTestHandler(t)
	rec := record(bus, eventbus.TopicAITranscriptDelta, eventbus.TopicAITranscriptComplete)

	h.Handle(TranscriptDeltaEvent{Delta: "안녕"})
	h.Handle(TranscriptDeltaEvent{Delta: "하세요"})
	assert.Equal(t, 0, h.TurnCount(), "no partial deltas pushed to history")

	h.Handle(TranscriptDoneEvent{Transcript: "안녕하세요"})

	history := h.History()
	require.Len(t, history, 1)
	assert.Equal(t, voice_types.RoleAssistant, history[0].Role)
	assert.Equal(t, "안녕하세요", history[0].Text)
	assert.Equal(t, 2, rec.count(eventbus.TopicAITranscriptDelta))
	assert.Equal(t, 1, rec.count(eventbus.TopicAITranscriptComplete))

	// Buffer must be cleared for the next turn.
	h.Handle(TranscriptDoneEvent{})
	assert.Equal(t, 1, h.TurnCount(), "empty finalize after clear adds nothing")
}

func TestAssistantTranscriptDone_FallsBackToBuffer(t *testing.T) {
	h, _ := newTestHandler(t)
	h.Handle(TranscriptDeltaEvent{Delta: "감사"})
	h.Handle(TranscriptDeltaEvent{Delta: "합니다"})
	h.Handle(TranscriptDoneEvent{}) // no transcript on the done event

	history := h.History()
	require.Len(t, history, 1)
	assert.Equal(t, "감사합니다", history[0].Text)
}

func TestUserTranscript_ViaItemCreated(t *testing.T) {
	h, bus := newTestHandler(t)
	rec := record(bus, eventbus.TopicUserTranscriptComplete)

	ev := ItemCreatedEvent{}
	ev.Item.Role = "user"
	ev.Item.Content = []struct {
		Type       string `json:"type"`
		Transcript string `json:"transcript,omitempty"`
	}{{Type: "input_audio", Transcript: "김치 주세요"}}
	h.Handle(ev)

	history := h.History()
	require.Len(t, history, 1)
	assert.Equal(t, voice_types.RoleUser, history[0].Role)
	assert.Equal(t, "김치 주세요", history[0].Text)
	assert.Equal(t, 1, rec.count(eventbus.TopicUserTranscriptComplete))
}

func TestUserTranscript_ItemWithoutTranscriptIgnored(t *testing.T) {
	h, _ := newTestHandler(t)

	ev := ItemCreatedEvent{}
	ev.Item.Role = "user"
	ev.Item.Content = []struct {
		Type       string `json:"type"`
		Transcript string `json:"transcript,omitempty"`
	}{{Type: "input_audio"}}
	h.Handle(ev)

	assert.Equal(t, 0, h.TurnCount())
}

func TestUserTranscript_ViaDeltaChannel(t *testing.T) {
	h, bus := newTestHandler(t)
	rec := record(bus, eventbus.TopicUserTranscriptDelta, eventbus.TopicUserTranscriptComplete)

	h.Handle(InputTranscriptDeltaEvent{Delta: "물 "})
	h.Handle(InputTranscriptDeltaEvent{Delta: "주세요"})
	h.Handle(InputTranscriptDoneEvent{})

	history := h.History()
	require.Len(t, history, 1)
	assert.Equal(t, "물 주세요", history[0].Text)
	assert.Equal(t, 2, rec.count(eventbus.TopicUserTranscriptDelta))
	assert.Equal(t, 1, rec.count(eventbus.TopicUserTranscriptComplete))
}

func TestHistory_TimestampsMonotonic(t *testing.T) {
	h, _ := newTestHandler(t)
	h.Handle(InputTranscriptDoneEvent{Transcript: "first"})
	h.Handle(TranscriptDoneEvent{Transcript: "second"})
	h.Handle(InputTranscriptDoneEvent{Transcript: "third"})

	history := h.History()
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp))
	}
}

func TestRemoteError_BenignIgnored(t *testing.T) {
	h, bus := newTestHandler(t)
	rec := record(bus, eventbus.TopicError)

	ev := ErrorEvent{}
	ev.Error.Code = "unsupported_content_type"
	ev.Error.Message = "Audio content cannot be truncated"
	h.Handle(ev)

	assert.Equal(t, 0, rec.count(eventbus.TopicError))
}

func TestRemoteError_Surfaced(t *testing.T) {
	h, bus := newTestHandler(t)

	var got *voice_types.SessionError
	bus.On(eventbus.TopicError, func(args ...interface{}) {
		got = args[0].(*voice_types.SessionError)
	})

	ev := ErrorEvent{}
	ev.Error.Type = "invalid_request_error"
	ev.Error.Message = "boom"
	h.Handle(ev)

	require.NotNil(t, got)
	assert.Equal(t, voice_types.ErrKindRemote, got.Type)
}

func TestUnknownEvent_RoutedToMessage(t *testing.T) {
	h, bus := newTestHandler(t)
	rec := record(bus, eventbus.TopicMessage)

	h.HandleRaw([]byte(`{"type":"response.text.annotation"}`))
	assert.Equal(t, 1, rec.count(eventbus.TopicMessage))
}

func TestHandleRaw_MalformedDropped(t *testing.T) {
	h, bus := newTestHandler(t)
	rec := record(bus, eventbus.TopicError, eventbus.TopicMessage)

	h.HandleRaw([]byte(`{broken`))
	assert.Empty(t, rec.sequence())
}

func TestSendWithoutSender(t *testing.T) {
	h, _ := newTestHandler(t)
	assert.ErrorIs(t, h.SendResponseCreate(), ErrNoSender)
	assert.ErrorIs(t, h.SendSessionConfigure(DefaultSessionConfig("shimmer")), ErrNoSender)
}

func TestSendSessionConfigure_UsesSender(t *testing.T) {
	h, _ := newTestHandler(t)

	var sent [][]byte
	h.AttachSender(func(p []byte) error {
		sent = append(sent, p)
		return nil
	})

	require.NoError(t, h.SendSessionConfigure(DefaultSessionConfig("shimmer")))
	require.NoError(t, h.SendResponseCreate())
	require.Len(t, sent, 2)
	assert.Contains(t, string(sent[0]), "session.update")
	assert.Contains(t, string(sent[1]), "response.create")
}

func TestReset_ClearsEverything(t *testing.T) {
	h, _ := newTestHandler(t)
	h.endDelay = time.Hour // pending timer must be cancelled by Reset

	h.Handle(AudioDeltaEvent{Delta: "chunk"})
	h.Handle(TranscriptDeltaEvent{Delta: "partial"})
	h.Handle(InputTranscriptDoneEvent{Transcript: "turn"})
	h.Handle(ResponseDoneEvent{})

	h.Reset()

	assert.False(t, h.IsAISpeaking())
	assert.Equal(t, 0, h.TurnCount())
	h.mu.Lock()
	assert.Nil(t, h.speakingEndTimer)
	assert.Empty(t, h.currentAssistantTranscript)
	assert.Empty(t, h.currentUserTranscript)
	h.mu.Unlock()
}

func TestSpeechStarted_NoLocalTruncation(t *testing.T) {
	h, bus := newTestHandler(t)
	rec := record(bus, eventbus.TopicUserSpeechStarted)

	h.Handle(AudioDeltaEvent{Delta: "chunk"})
	h.Handle(SpeechStartedEvent{})

	// The remote handles truncation; local speaking state is untouched.
	assert.True(t, h.IsAISpeaking())
	assert.Equal(t, 1, rec.count(eventbus.TopicUserSpeechStarted))
}
