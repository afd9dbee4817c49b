// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package eventbus

import (
	"sync"

	"github.com/rapidaai/tutortalk/pkg/commons"
)

// Topic identifies an event stream on the bus. The set below is the stable
// surface consumed by the UI layer; payload shapes are documented per topic
// where they are published.
type Topic string

const (
	TopicInitialized            Topic = "initialized"
	TopicConnecting             Topic = "connecting"
	TopicConnected              Topic = "connected"
	TopicSessionStarted         Topic = "sessionStarted"
	TopicSessionStopped         Topic = "sessionStopped"
	TopicSessionCreated         Topic = "sessionCreated"
	TopicSessionUpdated         Topic = "sessionUpdated"
	TopicUserSpeechStarted      Topic = "userSpeechStarted"
	TopicUserSpeechStopped      Topic = "userSpeechStopped"
	TopicAISpeechStarted        Topic = "aiSpeechStarted"
	TopicAISpeechEnded          Topic = "aiSpeechEnded"
	TopicAITranscriptDelta      Topic = "aiTranscriptDelta"
	TopicAITranscriptComplete   Topic = "aiTranscriptComplete"
	TopicUserTranscriptDelta    Topic = "userTranscriptDelta"
	TopicUserTranscriptComplete Topic = "userTranscriptComplete"
	TopicAudioData              Topic = "audioData"
	TopicAudioDeviceChanged     Topic = "audioDeviceChanged"
	TopicAudioOnlyMode          Topic = "audioOnlyMode"
	TopicRateLimitsUpdated      Topic = "rateLimitsUpdated"
	TopicStateChanged           Topic = "stateChanged"
	TopicError                  Topic = "error"
	TopicUserEndedSession       Topic = "userEndedSession"
	TopicResponseCompleted      Topic = "responseCompleted"
	TopicOutputAudioStopped     Topic = "outputAudioBufferStopped"

	// TopicMessage is the catch-all for control events outside the handled
	// taxonomy; not part of the stable UI surface.
	TopicMessage Topic = "message"
)

// Listener receives the payload published on a topic.
type Listener func(args ...interface{})

// Subscription identifies a registered listener so it can be removed with Off.
type Subscription struct {
	topic Topic
	id    uint64
}

type registration struct {
	id uint64
	fn Listener
}

// Bus is a topic-keyed multi-listener dispatcher. Emit invokes listeners
// synchronously in registration order; a panic in one listener is recovered
// and logged without affecting siblings. There are no wildcard topics and no
// ordering guarantees across topics.
type Bus struct {
	mu        sync.Mutex
	logger    commons.Logger
	listeners map[Topic][]registration
	nextID    uint64
}

// New creates an empty Bus.
func New(logger commons.Logger) *Bus {
	return &Bus{
		logger:    logger,
		listeners: make(map[Topic][]registration),
	}
}

// On registers a listener for topic and returns its subscription handle.
func (b *Bus) On(topic Topic, fn Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[topic] = append(b.listeners[topic], registration{id: b.nextID, fn: fn})
	return Subscription{topic: topic, id: b.nextID}
}

// Off removes a previously registered listener. Unknown subscriptions are a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.listeners[sub.topic]
	for i, r := range regs {
		if r.id == sub.id {
			b.listeners[sub.topic] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Emit publishes args to every listener of topic, in registration order.
func (b *Bus) Emit(topic Topic, args ...interface{}) {
	b.mu.Lock()
	regs := make([]registration, len(b.listeners[topic]))
	copy(regs, b.listeners[topic])
	b.mu.Unlock()

	for _, r := range regs {
		b.dispatch(topic, r, args)
	}
}

func (b *Bus) dispatch(topic Topic, r registration, args []interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Errorw("event listener panicked", "topic", string(topic), "panic", rec)
		}
	}()
	r.fn(args...)
}

// RemoveAllListeners drops every listener for topic, or for all topics when
// no topic is given.
func (b *Bus) RemoveAllListeners(topics ...Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(topics) == 0 {
		b.listeners = make(map[Topic][]registration)
		return
	}
	for _, t := range topics {
		delete(b.listeners, t)
	}
}

// ListenerCount reports how many listeners are registered for topic.
func (b *Bus) ListenerCount(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[topic])
}
