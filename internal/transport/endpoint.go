/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var errNoStation = errors.New("station id is required")

// LiveURL returns the now-playing websocket endpoint for a station. When
// liveBase is empty the endpoint is derived from httpBase by swapping the
// scheme (http→ws, https→wss) and keeping host and path prefix.
func LiveURL(httpBase, liveBase, stationID, sessionKey string) (string, error) {
	if stationID == "" {
		return "", errNoStation
	}

	base := liveBase
	if base == "" {
		base = httpBase
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", base)
	}

	appendEscapedPath(u, "ws/now-playing/"+url.PathEscape(stationID))
	u.Fragment = ""

	q := url.Values{}
	if sessionKey != "" {
		q.Set("session_key", sessionKey)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// PollURL returns the polling fallback endpoint for a station.
func PollURL(httpBase, stationID string) (string, error) {
	if stationID == "" {
		return "", errNoStation
	}
	return JoinHTTP(httpBase, "now-playing", url.PathEscape(stationID))
}

// JoinHTTP appends escaped path segments to an http(s) base URL.
func JoinHTTP(httpBase string, segments ...string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(httpBase))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", httpBase)
	}

	appendEscapedPath(u, strings.Join(segments, "/"))
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// appendEscapedPath appends an already escaped suffix so escaped slashes in
// ids survive String().
func appendEscapedPath(u *url.URL, suffix string) {
	raw := strings.TrimSuffix(u.EscapedPath(), "/") + "/" + suffix
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	u.Path = decoded
	u.RawPath = raw
}
