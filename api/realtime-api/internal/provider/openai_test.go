// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/tutortalk/config"
	"github.com/rapidaai/tutortalk/pkg/commons"
)

func newTestMinter(t *testing.T, providerBase string) Minter {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return NewOpenAIMinter(&config.AppConfig{
		ProviderBase:   providerBase,
		ProviderSecret: "sk-provider-secret",
	}, logger)
}

func TestMint_SendsSecretAndInstructions(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"client_secret": map[string]interface{}{"value": "ek_abc", "expires_at": 1750000000},
		})
	}))
	defer srv.Close()

	key, err := newTestMinter(t, srv.URL).Mint(context.Background(), MintRequest{
		Model:      "gpt-4o-realtime-preview",
		Voice:      "shimmer",
		ScenarioID: "restaurant-ordering",
		Level:      "beginner",
	})
	require.NoError(t, err)
	assert.Equal(t, "ek_abc", key)
	assert.Equal(t, "Bearer sk-provider-secret", gotAuth)
	assert.Contains(t, gotPayload["instructions"], "Korean language tutor")
	assert.Contains(t, gotPayload["instructions"], "restaurant-ordering")
}

func TestMint_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestMinter(t, srv.URL).Mint(context.Background(), MintRequest{Level: "beginner"})
	assert.ErrorContains(t, err, "500")
}

func TestComposeInstructions_PerLevel(t *testing.T) {
	tests := []struct {
		level    string
		contains string
	}{
		{"beginner", "simple vocabulary"},
		{"intermediate", "mostly Korean"},
		{"advanced", "only Korean"},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			out := composeInstructions(MintRequest{Level: tt.level})
			assert.Contains(t, out, tt.contains)
		})
	}
}

func TestComposeInstructions_LessonWinsOverScenario(t *testing.T) {
	out := composeInstructions(MintRequest{
		Level:         "beginner",
		IsLessonBased: true,
		LessonDetails: "counting with native Korean numbers",
		ScenarioID:    "s1",
	})
	assert.Contains(t, out, "counting with native Korean numbers")
	assert.NotContains(t, out, "identified as s1")
}
