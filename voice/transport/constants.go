// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_transport

import "time"

// DataChannelLabel is the control channel negotiated in the SDP offer.
// The remote realtime endpoint will not renegotiate to add one later, so it
// must exist before the offer is created.
const DataChannelLabel = "oai-events"

// Opus audio constants (WebRTC standard: 48kHz)
const (
	OpusSampleRate    = 48000
	OpusFrameDuration = 20 // milliseconds
	OpusChannels      = 2  // Opus RTP always signals 2 encoding channels (opus/48000/2) per RFC 7587, even for mono voice
)

const (
	// DataChannelOpenTimeout bounds the wait for the control channel; after
	// it, the session falls back to audio-only.
	DataChannelOpenTimeout = 15 * time.Second

	// dataChannelOpenPoll is the readyState polling interval. The open
	// callback is unreliable in some runtimes, so both mechanisms run.
	dataChannelOpenPoll = 250 * time.Millisecond

	// closeSettleTimeout bounds the wait for a previous peer connection to
	// report closed before a new one is constructed.
	closeSettleTimeout = 2 * time.Second

	// iceRecoveryDelay is the grace period after an ICE disconnect before
	// counting a recovery attempt.
	iceRecoveryDelay = 2 * time.Second

	// maxICERecoveryAttempts per session; beyond it the transport gives up.
	maxICERecoveryAttempts = 3

	// RTPBufferSize is the max RTP packet size read off the remote track.
	RTPBufferSize = 1500

	// maxConsecutiveReadErrors before the remote audio reader stops.
	maxConsecutiveReadErrors = 50
)

// defaultICEServers used for every peer connection.
var defaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}
