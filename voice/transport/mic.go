// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_transport

import "github.com/pion/webrtc/v4/pkg/media"

// MicrophoneConfig carries the capture constraints requested from the device
// layer. All three processing flags are on for tutoring sessions.
type MicrophoneConfig struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	Channels         int
}

// DefaultMicrophoneConfig returns the capture constraints for a session.
func DefaultMicrophoneConfig() MicrophoneConfig {
	return MicrophoneConfig{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       OpusSampleRate,
		Channels:         1,
	}
}

// MicrophoneSource is the capture-device contract. Open starts exclusive
// capture and returns a stream of encoded samples ready for the local track;
// the channel is closed by Close or when the device fails.
type MicrophoneSource interface {
	Open(cfg MicrophoneConfig) (<-chan media.Sample, error)
	Close() error
}
