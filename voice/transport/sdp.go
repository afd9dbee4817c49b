// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

// sdpInfo summarizes the media sections relevant to control-channel bring-up.
type sdpInfo struct {
	HasApplicationMedia bool
	HasSCTP             bool
	HasBundle           bool
}

// analyzeSDP inspects an offer or answer for the data-channel media section.
// Absence on the offer is a programmer error (the channel must be created
// before the offer); absence on the answer means the remote refused a data
// channel and the session continues audio-only.
func analyzeSDP(sdp string) sdpInfo {
	var info sdpInfo
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "m=application"):
			info.HasApplicationMedia = true
		case strings.HasPrefix(line, "a=sctp-port") || strings.Contains(line, "webrtc-datachannel"):
			info.HasSCTP = true
		case strings.HasPrefix(line, "a=group:BUNDLE"):
			info.HasBundle = true
		}
	}
	return info
}

// exchangeSDP posts the local offer to the realtime peer endpoint and returns
// the SDP answer body. Non-2xx is fatal to the session start.
func exchangeSDP(ctx context.Context, client *resty.Client, realtimeBase, model, offer, ephemeralKey string) (string, error) {
	resp, err := client.R().
		SetContext(ctx).
		SetAuthToken(ephemeralKey).
		SetHeader("Content-Type", "application/sdp").
		SetQueryParam("model", model).
		SetBody(offer).
		Post(realtimeBase)
	if err != nil {
		return "", fmt.Errorf("sdp exchange: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("sdp exchange returned %d: %s", resp.StatusCode(), resp.String())
	}
	return resp.String(), nil
}
