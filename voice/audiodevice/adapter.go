// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package audiodevice

import (
	"sync"

	"github.com/rapidaai/tutortalk/pkg/commons"
	"github.com/rapidaai/tutortalk/pkg/eventbus"
)

// Route is an audio output route.
type Route string

const (
	RouteSpeaker    Route = "speaker"
	RouteBluetooth  Route = "bluetooth"
	RouteHeadphones Route = "headphones"
	RouteEarpiece   Route = "earpiece"
)

// routePreference orders routes when several are available:
// wired > bluetooth > earpiece > speaker.
var routePreference = []Route{RouteHeadphones, RouteBluetooth, RouteEarpiece, RouteSpeaker}

// RouteSource is the platform contract. Configure must request only the
// minimum audio mode (recording permitted, playback in silent mode); ducking
// other audio or staying active in background breaks external routes
// (Bluetooth/wired) and must not be requested.
type RouteSource interface {
	Configure() error
	Routes() ([]Route, error)
}

// Adapter tracks the active output route and publishes changes. It stays out
// of the way of the OS routing decisions otherwise.
type Adapter struct {
	mu      sync.Mutex
	logger  commons.Logger
	bus     *eventbus.Bus
	source  RouteSource
	current Route
}

// NewAdapter creates an adapter over the platform source.
func NewAdapter(logger commons.Logger, bus *eventbus.Bus, source RouteSource) *Adapter {
	return &Adapter{
		logger:  logger,
		bus:     bus,
		source:  source,
		current: RouteSpeaker,
	}
}

// Configure applies the minimal audio mode and resolves the initial route.
func (a *Adapter) Configure() error {
	if err := a.source.Configure(); err != nil {
		return err
	}
	a.Refresh()
	return nil
}

// Current returns the active output route.
func (a *Adapter) Current() Route {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Refresh re-evaluates the available routes and emits audioDeviceChanged when
// the selection moved. Call on platform route-change notifications.
func (a *Adapter) Refresh() {
	routes, err := a.source.Routes()
	if err != nil {
		a.logger.Warnw("route enumeration failed, keeping current route", "error", err)
		return
	}

	selected := pick(routes)

	a.mu.Lock()
	changed := selected != a.current
	a.current = selected
	a.mu.Unlock()

	if changed {
		a.logger.Infow("audio route changed", "route", string(selected))
		a.bus.Emit(eventbus.TopicAudioDeviceChanged, selected)
	}
}

func pick(available []Route) Route {
	for _, preferred := range routePreference {
		for _, r := range available {
			if r == preferred {
				return preferred
			}
		}
	}
	return RouteSpeaker
}
