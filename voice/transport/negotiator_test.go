// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_transport

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/tutortalk/pkg/commons"
)

type fakeMic struct {
	opened bool
	closed bool
	ch     chan media.Sample
}

func (m *fakeMic) Open(cfg MicrophoneConfig) (<-chan media.Sample, error) {
	m.opened = true
	m.ch = make(chan media.Sample)
	return m.ch, nil
}

func (m *fakeMic) Close() error {
	if m.ch != nil && !m.closed {
		close(m.ch)
	}
	m.closed = true
	return nil
}

func newTestNegotiator(t *testing.T) (*Negotiator, *fakeMic) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	mic := &fakeMic{}
	n := NewNegotiator(logger, DefaultConfig("http://127.0.0.1:0", "test-model"), mic, Callbacks{})
	return n, mic
}

func TestSendControl_NoChannel(t *testing.T) {
	n, _ := newTestNegotiator(t)
	assert.ErrorIs(t, n.SendControl([]byte(`{"type":"response.create"}`)), ErrNoDataChannel)
}

func TestSendControl_AudioOnlyDrops(t *testing.T) {
	n, _ := newTestNegotiator(t)
	n.enterAudioOnly()

	// Dropped, not failed: the conversation continues on server-side VAD.
	assert.NoError(t, n.SendControl([]byte(`{"type":"session.update"}`)))
	assert.True(t, n.IsAudioOnly())
}

func TestReset_ClearsAudioOnly(t *testing.T) {
	n, _ := newTestNegotiator(t)
	n.enterAudioOnly()
	n.Reset()
	assert.False(t, n.IsAudioOnly())
	assert.False(t, n.HasLiveTransport())
}

func TestClose_Idempotent(t *testing.T) {
	n, mic := newTestNegotiator(t)
	n.Close()
	n.Close()
	assert.True(t, mic.closed)

	_, err := n.Connect(context.Background(), "ek")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("https://realtime.example", "gpt-4o-realtime-preview")
	assert.Equal(t, DataChannelOpenTimeout, cfg.OpenTimeout)
	assert.NotEmpty(t, cfg.ICEServers)
	assert.True(t, cfg.Microphone.EchoCancellation)
	assert.True(t, cfg.Microphone.NoiseSuppression)
	assert.True(t, cfg.Microphone.AutoGainControl)
}
