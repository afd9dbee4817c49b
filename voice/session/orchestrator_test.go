// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/tutortalk/pkg/commons"
	"github.com/rapidaai/tutortalk/pkg/eventbus"
	voice_types "github.com/rapidaai/tutortalk/voice/types"
	voice_transport "github.com/rapidaai/tutortalk/voice/transport"
)

type nullMic struct{}

func (nullMic) Open(cfg voice_transport.MicrophoneConfig) (<-chan media.Sample, error) {
	ch := make(chan media.Sample)
	close(ch)
	return ch, nil
}
func (nullMic) Close() error { return nil }

// newTestOrchestrator wires an orchestrator against a stub token backend.
// tokenStatus controls what the backend answers; non-2xx keeps every start on
// the pre-transport failure path, which is what these tests exercise.
func newTestOrchestrator(t *testing.T, tokenStatus *int32) (*Orchestrator, *eventbus.Bus) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	bus := eventbus.New(logger)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(tokenStatus)))
	}))
	t.Cleanup(srv.Close)

	o := New(logger, bus, Config{
		APIBase:      srv.URL,
		RealtimeBase: "http://127.0.0.1:0",
		Model:        "gpt-4o-realtime-preview",
		Voice:        "shimmer",
		AccessToken:  func(ctx context.Context) (string, error) { return "jwt", nil },
	}, nullMic{}, nil)
	o.sleep = func(d time.Duration) {} // cooldown must not slow tests down
	return o, bus
}

func TestInitialize_Idempotent(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	o, bus := newTestOrchestrator(t, &status)

	var initialized int
	bus.On(eventbus.TopicInitialized, func(args ...interface{}) { initialized++ })

	require.NoError(t, o.Initialize())
	require.NoError(t, o.Initialize())
	assert.Equal(t, 1, initialized)
}

func TestStopSession_IdempotentOnIdle(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	o, bus := newTestOrchestrator(t, &status)
	require.NoError(t, o.Initialize())

	var stopped int
	bus.On(eventbus.TopicSessionStopped, func(args ...interface{}) { stopped++ })

	require.NoError(t, o.StopSession())
	require.NoError(t, o.StopSession())
	assert.Equal(t, 0, stopped, "stop on idle is a no-op")
}

func TestStartSession_TokenFailureSurfacesTypedError(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	o, bus := newTestOrchestrator(t, &status)
	require.NoError(t, o.Initialize())

	var emitted *voice_types.SessionError
	bus.On(eventbus.TopicError, func(args ...interface{}) {
		emitted = args[0].(*voice_types.SessionError)
	})

	started, err := o.StartSession(context.Background(), "s1", voice_types.LevelBeginner, nil, true, "")
	assert.False(t, started)
	require.Error(t, err)

	var sessionErr *voice_types.SessionError
	require.ErrorAs(t, err, &sessionErr)
	assert.Equal(t, voice_types.ErrKindToken, sessionErr.Type)
	require.NotNil(t, emitted)

	snap := o.GetState()
	assert.Equal(t, voice_types.StateIdle, snap.State)
	assert.False(t, snap.IsSessionActive)
}

func TestStartSession_CircuitOpensAfterThreeFailures(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	o, _ := newTestOrchestrator(t, &status)
	require.NoError(t, o.Initialize())

	ctx := context.Background()
	for i, scenario := range []string{"s1", "s2", "s3"} {
		_, err := o.StartSession(ctx, scenario, voice_types.LevelBeginner, nil, true, "")
		require.Error(t, err, "attempt %d should fail", i+1)
	}

	_, err := o.StartSession(ctx, "s4", voice_types.LevelBeginner, nil, true, "")
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Contains(t, err.Error(), "Try again in")
}

func TestStartSession_DebouncedDuplicateResolvesTrue(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	o, _ := newTestOrchestrator(t, &status)
	require.NoError(t, o.Initialize())

	ctx := context.Background()
	_, err := o.StartSession(ctx, "s2", voice_types.LevelBeginner, nil, true, "")
	require.Error(t, err)

	// Identical scenario within the debounce window: no-op success, the
	// backend is not contacted again.
	started, err := o.StartSession(ctx, "s2", voice_types.LevelBeginner, nil, true, "")
	require.NoError(t, err)
	assert.True(t, started)
}

func TestUserEndedSession_BlocksAutoRestart(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	o, bus := newTestOrchestrator(t, &status)
	require.NoError(t, o.Initialize())

	var userEnded int
	bus.On(eventbus.TopicUserEndedSession, func(args ...interface{}) { userEnded++ })

	require.NoError(t, o.StopSessionByUser())
	assert.Equal(t, 1, userEnded)

	_, err := o.StartSession(context.Background(), "s2", voice_types.LevelBeginner, nil, false, "")
	var blocked *UserEndedError
	require.ErrorAs(t, err, &blocked)
	assert.Contains(t, err.Error(), "recently ended")

	// A user-initiated start bypasses the latch (and then fails on the stub
	// backend, which is fine for this test).
	_, err = o.StartSession(context.Background(), "s2", voice_types.LevelBeginner, nil, true, "")
	require.Error(t, err)
	var stillBlocked *UserEndedError
	assert.False(t, errors.As(err, &stillBlocked), "user-initiated start bypasses the latch")
}

func TestChangeScenario_RequiresActiveSession(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	o, _ := newTestOrchestrator(t, &status)
	require.NoError(t, o.Initialize())

	err := o.ChangeScenario("s9", voice_types.LevelAdvanced, nil)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestDestroy_RejectsFurtherOperations(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	o, _ := newTestOrchestrator(t, &status)
	require.NoError(t, o.Initialize())

	o.Destroy()

	_, err := o.StartSession(context.Background(), "s1", voice_types.LevelBeginner, nil, true, "")
	assert.ErrorIs(t, err, ErrQueueDestroyed)
}

func TestDestroyThenInitialize_CleanState(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	o, _ := newTestOrchestrator(t, &status)
	require.NoError(t, o.Initialize())
	o.Destroy()
	require.NoError(t, o.Initialize())

	// Equivalent to fresh construction: operations run again (and fail on
	// the stub backend, not on a destroyed queue).
	_, err := o.StartSession(context.Background(), "s1", voice_types.LevelBeginner, nil, true, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQueueDestroyed)
	assert.Equal(t, voice_types.StateIdle, o.GetState().State)
}

func TestGetState_InitialSnapshot(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	o, _ := newTestOrchestrator(t, &status)

	snap := o.GetState()
	assert.Equal(t, voice_types.StateIdle, snap.State)
	assert.False(t, snap.IsConnecting)
	assert.False(t, snap.IsConnected)
	assert.False(t, snap.IsSessionActive)
	assert.Empty(t, snap.SessionID)
	assert.Zero(t, snap.TurnCount)
}
