// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rapidaai/tutortalk/pkg/commons"
	"github.com/rapidaai/tutortalk/pkg/eventbus"
	"github.com/rapidaai/tutortalk/pkg/utils"

	realtime_client "github.com/rapidaai/tutortalk/pkg/clients/realtime"
	"github.com/rapidaai/tutortalk/voice/audiodevice"
	voice_types "github.com/rapidaai/tutortalk/voice/types"
	voice_protocol "github.com/rapidaai/tutortalk/voice/protocol"
	voice_transport "github.com/rapidaai/tutortalk/voice/transport"
)

// responseCreateDelay is how long after session.update the initial
// response.create fires, giving the remote time to apply the configuration.
const responseCreateDelay = time.Second

// ErrNoActiveSession is returned by operations that need a live session.
var ErrNoActiveSession = errors.New("no active session")

// Config parameterizes the orchestrator.
type Config struct {
	APIBase      string
	RealtimeBase string
	Model        string
	Voice        string

	// AccessToken supplies the caller's bearer token for the backend.
	AccessToken func(ctx context.Context) (string, error)

	// ConfigureInAudioOnly, when set, still attempts session.update in
	// audio-only mode instead of relying on server-side VAD defaults. The
	// events are dropped by the transport; this knob exists so deployments
	// can probe a late-opening channel without a code change.
	ConfigureInAudioOnly bool
}

// Orchestrator owns the session state machine and composes the token broker,
// transport negotiator, protocol handler and resilience gates behind the
// public API. One instance exists per process, with an explicit
// Initialize/Destroy lifecycle.
type Orchestrator struct {
	mu     sync.Mutex
	logger commons.Logger
	bus    *eventbus.Bus
	cfg    Config

	queue      *OperationQueue
	res        *Resilience
	broker     *realtime_client.TokenBroker
	negotiator *voice_transport.Negotiator
	handler    *voice_protocol.Handler
	devices    *audiodevice.Adapter

	state       voice_types.SessionState
	session     *voice_types.Session
	initialized bool

	responseCreateTimer *time.Timer

	sleep func(d time.Duration)
}

// New wires an orchestrator. mic supplies local capture; devices may be nil
// when the platform exposes no route information.
func New(
	logger commons.Logger,
	bus *eventbus.Bus,
	cfg Config,
	mic voice_transport.MicrophoneSource,
	devices *audiodevice.Adapter,
) *Orchestrator {
	o := &Orchestrator{
		logger:  logger,
		bus:     bus,
		cfg:     cfg,
		queue:   NewOperationQueue(logger),
		res:     NewResilience(),
		handler: voice_protocol.NewHandler(logger, bus),
		devices: devices,
		state:   voice_types.StateIdle,
		sleep:   time.Sleep,
	}

	o.broker = realtime_client.NewTokenBroker(logger, cfg.APIBase, cfg.AccessToken, o.isConnected)
	o.negotiator = voice_transport.NewNegotiator(
		logger,
		voice_transport.DefaultConfig(cfg.RealtimeBase, cfg.Model),
		mic,
		voice_transport.Callbacks{
			OnControlMessage: o.handler.HandleRaw,
			OnFatal:          o.onTransportFatal,
		},
	)
	o.handler.AttachSender(o.negotiator.SendControl)
	return o
}

// Initialize prepares the orchestrator: audio mode, device enumeration and a
// clean resilience state. Idempotent.
func (o *Orchestrator) Initialize() error {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = true
	// Re-initialization after Destroy gets a fresh queue, equivalent to
	// fresh construction.
	if o.queue.Destroyed() {
		o.queue = NewOperationQueue(o.logger)
	}
	o.mu.Unlock()

	if o.devices != nil {
		if err := o.devices.Configure(); err != nil {
			// Session starts still proceed with the speaker fallback route.
			o.logger.Warnw("audio device setup failed, falling back to speaker", "error", err)
			o.bus.Emit(eventbus.TopicError,
				voice_types.NewSessionError(voice_types.ErrKindInitialization, err))
		}
	}

	o.res.ResetToCleanState()
	o.bus.Emit(eventbus.TopicInitialized)
	return nil
}

// StartSession brings up a conversation for scenarioID. It returns true on
// success (including a debounced repeat of the same scenario), false with
// ErrDuplicateStart when another start is already queued or running, and
// false with an error on fatal admission or bring-up failures.
func (o *Orchestrator) StartSession(
	ctx context.Context,
	scenarioID string,
	level voice_types.Level,
	user voice_types.User,
	isUserInitiated bool,
	lessonDetails string,
) (bool, error) {
	v, err := o.queue.Enqueue(OpStartSession, func() (interface{}, error) {
		return o.doStartSession(ctx, scenarioID, level, user, isUserInitiated, lessonDetails)
	})
	if errors.Is(err, ErrDuplicateStart) {
		o.logger.Warnw("duplicate session start rejected", "scenario", scenarioID)
		return false, err
	}
	if err != nil {
		return false, err
	}
	started, _ := v.(bool)
	return started, nil
}

// StopSession tears the session down without touching the user-intent latch.
func (o *Orchestrator) StopSession() error {
	_, err := o.queue.Enqueue(OpStopSession, func() (interface{}, error) {
		return nil, o.doStopSession()
	})
	return err
}

// StopSessionByUser latches user intent first, then tears down, so any
// concurrent automatic restart observes the latch.
func (o *Orchestrator) StopSessionByUser() error {
	o.res.MarkUserEnded()
	_, err := o.queue.Enqueue(OpStopSession, func() (interface{}, error) {
		if err := o.doStopSession(); err != nil {
			return nil, err
		}
		o.bus.Emit(eventbus.TopicUserEndedSession)
		return nil, nil
	})
	return err
}

// ChangeScenario re-sends the session configuration with the new context.
// The transport is not rebuilt.
func (o *Orchestrator) ChangeScenario(scenarioID string, level voice_types.Level, user voice_types.User) error {
	_, err := o.queue.Enqueue(OpChangeScenario, func() (interface{}, error) {
		return nil, o.doChangeScenario(scenarioID, level, user)
	})
	return err
}

// GetState is a synchronous read of the state machine.
func (o *Orchestrator) GetState() voice_types.StateSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := voice_types.StateSnapshot{
		State:           o.state,
		IsConnecting:    o.state == voice_types.StateStarting || o.state == voice_types.StateConnecting,
		IsConnected:     o.state == voice_types.StateActive,
		IsSessionActive: o.state == voice_types.StateActive,
		TurnCount:       o.handler.TurnCount(),
	}
	if o.session != nil {
		snap.AudioOnly = o.session.AudioOnly
		snap.SessionID = o.session.SessionID
		snap.ScenarioID = o.session.ScenarioID
		snap.Level = o.session.Level
	}
	return snap
}

// History returns the finalized conversation turns of the current session.
func (o *Orchestrator) History() []voice_types.ConversationTurn {
	return o.handler.History()
}

// Destroy clears the queue, stops any session, removes listeners and resets
// the resilience state. The orchestrator can be re-initialized afterwards.
func (o *Orchestrator) Destroy() {
	o.queue.Destroy()
	if err := o.doStopSession(); err != nil {
		o.logger.Warnw("stop during destroy failed", "error", err)
	}
	// Reset, not Close: destroy followed by initialize must leave the
	// orchestrator equivalent to fresh construction.
	o.negotiator.Reset()
	o.bus.RemoveAllListeners()
	o.res.ResetToCleanState()

	o.mu.Lock()
	o.initialized = false
	o.mu.Unlock()
}

// ============================================================================
// Internal operations (always entered via the queue)
// ============================================================================

func (o *Orchestrator) doStartSession(
	ctx context.Context,
	scenarioID string,
	level voice_types.Level,
	user voice_types.User,
	isUserInitiated bool,
	lessonDetails string,
) (bool, error) {
	admission, wait, err := o.res.Admit(scenarioID, isUserInitiated)
	if err != nil {
		kind := voice_types.ErrKindSessionStart
		var open *CircuitOpenError
		if errors.As(err, &open) {
			kind = voice_types.ErrKindCircuitOpen
		}
		o.emitError(kind, err)
		return false, err
	}
	if admission == AdmitDebounced {
		o.logger.Infow("session start debounced", "scenario", scenarioID)
		return true, nil
	}
	if wait > 0 {
		o.logger.Debugw("connection cooldown", "wait", wait.String())
		o.sleep(wait)
	}

	// A still-live session is torn down before the new attempt; the
	// transport owns at most one peer connection at a time.
	if o.currentState() != voice_types.StateIdle {
		if err := o.doStopSession(); err != nil {
			o.logger.Warnw("teardown of previous session failed", "error", err)
		}
	}

	session := &voice_types.Session{
		SessionID:     utils.NewSessionID(),
		ScenarioID:    scenarioID,
		Level:         level,
		User:          user,
		LessonDetails: lessonDetails,
		StartedAt:     time.Now(),
	}
	o.setState(voice_types.StateStarting, session)

	if err := o.bringUp(ctx, session); err != nil {
		o.res.RecordFailure()
		o.forceTeardown()
		o.emitError(voice_types.ErrKindSessionStart, err)
		return false, err
	}

	o.res.RecordSuccess()
	o.setState(voice_types.StateActive, session)
	o.bus.Emit(eventbus.TopicSessionStarted, map[string]interface{}{
		"sessionId":  session.SessionID,
		"scenarioId": session.ScenarioID,
		"level":      string(session.Level),
		"audioOnly":  session.AudioOnly,
	})
	return true, nil
}

// bringUp runs credential fetch, transport negotiation and channel
// configuration. Any error aborts the attempt; teardown is the caller's job.
func (o *Orchestrator) bringUp(ctx context.Context, session *voice_types.Session) error {
	cred, err := o.broker.GetEphemeralToken(ctx, realtime_client.TokenRequest{
		Model:         o.cfg.Model,
		Voice:         o.cfg.Voice,
		ScenarioID:    session.ScenarioID,
		IsScenario:    session.LessonDetails == "",
		IsLessonBased: session.LessonDetails != "",
		LessonDetails: session.LessonDetails,
		Level:         string(session.Level),
		User:          session.User,
	})
	if err != nil {
		return voice_types.NewSessionError(voice_types.ErrKindToken, err)
	}

	o.setState(voice_types.StateConnecting, session)
	o.bus.Emit(eventbus.TopicConnecting)
	o.res.RecordConnectionAttempt()

	audioOnly, err := o.negotiator.Connect(ctx, cred.EphemeralKey)
	if err != nil {
		return voice_types.NewSessionError(voice_types.ErrKindConnection, err)
	}
	session.AudioOnly = audioOnly

	if audioOnly {
		o.bus.Emit(eventbus.TopicAudioOnlyMode)
		if !o.cfg.ConfigureInAudioOnly {
			// Turn-taking falls to server-side VAD; outbound events would be
			// dropped by the transport anyway.
			o.logger.Warnw("session continues audio-only", "session", session.SessionID)
			return nil
		}
	} else {
		o.bus.Emit(eventbus.TopicConnected)
	}

	if err := o.handler.SendSessionConfigure(voice_protocol.DefaultSessionConfig(o.cfg.Voice)); err != nil {
		return voice_types.NewSessionError(voice_types.ErrKindSendMessage,
			fmt.Errorf("session configure: %w", err))
	}
	o.scheduleResponseCreate()
	return nil
}

// scheduleResponseCreate arms the delayed response.create that makes the
// assistant speak first. Cancelable by stop; the handle clears on fire.
func (o *Orchestrator) scheduleResponseCreate() {
	o.mu.Lock()
	o.stopResponseCreateTimerLocked()
	o.responseCreateTimer = time.AfterFunc(responseCreateDelay, func() {
		o.mu.Lock()
		o.responseCreateTimer = nil
		o.mu.Unlock()
		if err := o.handler.SendResponseCreate(); err != nil {
			o.logger.Warnw("initial response.create failed", "error", err)
		}
	})
	o.mu.Unlock()
}

func (o *Orchestrator) doStopSession() error {
	if o.currentState() == voice_types.StateIdle {
		// Stop on idle is a no-op success.
		return nil
	}

	o.setState(voice_types.StateStopping, o.currentSession())
	o.forceTeardown()
	o.bus.Emit(eventbus.TopicSessionStopped)
	return nil
}

// forceTeardown releases every session resource. Best effort: it never
// fails, each step tolerates already-closed state.
func (o *Orchestrator) forceTeardown() {
	o.mu.Lock()
	o.stopResponseCreateTimerLocked()
	o.mu.Unlock()

	o.negotiator.Reset()
	o.handler.Reset()
	o.setState(voice_types.StateIdle, nil)
}

func (o *Orchestrator) doChangeScenario(scenarioID string, level voice_types.Level, user voice_types.User) error {
	o.mu.Lock()
	if o.state != voice_types.StateActive || o.session == nil {
		o.mu.Unlock()
		err := ErrNoActiveSession
		o.emitError(voice_types.ErrKindScenarioChange, err)
		return err
	}
	o.session.ScenarioID = scenarioID
	o.session.Level = level
	if user != nil {
		o.session.User = user
	}
	o.mu.Unlock()

	if err := o.handler.SendSessionConfigure(voice_protocol.DefaultSessionConfig(o.cfg.Voice)); err != nil {
		wrapped := voice_types.NewSessionError(voice_types.ErrKindScenarioChange, err)
		o.emitError(voice_types.ErrKindScenarioChange, err)
		return wrapped
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func (o *Orchestrator) currentState() voice_types.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) currentSession() *voice_types.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

func (o *Orchestrator) setState(state voice_types.SessionState, session *voice_types.Session) {
	o.mu.Lock()
	o.state = state
	o.session = session
	o.mu.Unlock()
	o.bus.Emit(eventbus.TopicStateChanged, state)
}

func (o *Orchestrator) isConnected() bool {
	return o.currentState() == voice_types.StateActive
}

func (o *Orchestrator) emitError(kind voice_types.ErrorKind, err error) {
	var sessionErr *voice_types.SessionError
	if !errors.As(err, &sessionErr) {
		sessionErr = voice_types.NewSessionError(kind, err)
	}
	o.bus.Emit(eventbus.TopicError, sessionErr)
}

// onTransportFatal handles mid-session transport failures: surface the typed
// error, then tear down. The caller decides whether to restart.
func (o *Orchestrator) onTransportFatal(kind voice_types.ErrorKind, err error) {
	o.emitError(kind, err)
	if o.currentState() == voice_types.StateIdle {
		return
	}
	go func() {
		if err := o.StopSession(); err != nil {
			o.logger.Warnw("stop after transport failure failed", "error", err)
		}
	}()
}

func (o *Orchestrator) stopResponseCreateTimerLocked() {
	if o.responseCreateTimer != nil {
		o.responseCreateTimer.Stop()
		o.responseCreateTimer = nil
	}
}
