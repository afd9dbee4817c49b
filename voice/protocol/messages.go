// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_protocol

import "encoding/json"

// SessionConfig is what session.update configures after the channel opens.
// Instructions are deliberately absent: the backend injected them while
// minting the credential, and overriding them here would discard the
// scenario/lesson prompt.
type SessionConfig struct {
	Voice              string
	TranscriptionModel string
	VADThreshold       float64
	VADPrefixPaddingMs int
	VADSilenceMs       int
	Temperature        float64
}

// DefaultSessionConfig returns the tutoring defaults.
func DefaultSessionConfig(voice string) SessionConfig {
	return SessionConfig{
		Voice:              voice,
		TranscriptionModel: "whisper-1",
		VADThreshold:       0.5,
		VADPrefixPaddingMs: 300,
		VADSilenceMs:       700,
		Temperature:        0.8,
	}
}

type turnDetection struct {
	Type            string  `json:"type"`
	Threshold       float64 `json:"threshold"`
	PrefixPaddingMs int     `json:"prefix_padding_ms"`
	SilenceMs       int     `json:"silence_duration_ms"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type sessionUpdatePayload struct {
	Type    string `json:"type"`
	Session struct {
		Voice                   string             `json:"voice"`
		InputAudioFormat        string             `json:"input_audio_format"`
		OutputAudioFormat       string             `json:"output_audio_format"`
		InputAudioTranscription inputTranscription `json:"input_audio_transcription"`
		TurnDetection           turnDetection      `json:"turn_detection"`
		Temperature             float64            `json:"temperature"`
		Tools                   []interface{}      `json:"tools"`
	} `json:"session"`
}

// BuildSessionUpdate marshals the session.update client event.
func BuildSessionUpdate(cfg SessionConfig) ([]byte, error) {
	p := sessionUpdatePayload{Type: "session.update"}
	p.Session.Voice = cfg.Voice
	p.Session.InputAudioFormat = "pcm16"
	p.Session.OutputAudioFormat = "pcm16"
	p.Session.InputAudioTranscription = inputTranscription{Model: cfg.TranscriptionModel}
	p.Session.TurnDetection = turnDetection{
		Type:            "server_vad",
		Threshold:       cfg.VADThreshold,
		PrefixPaddingMs: cfg.VADPrefixPaddingMs,
		SilenceMs:       cfg.VADSilenceMs,
	}
	p.Session.Temperature = cfg.Temperature
	p.Session.Tools = []interface{}{}
	return json.Marshal(p)
}

// BuildResponseCreate marshals the response.create client event that makes
// the assistant open the conversation.
func BuildResponseCreate() ([]byte, error) {
	return json.Marshal(map[string]interface{}{"type": "response.create"})
}
