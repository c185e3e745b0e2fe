package router

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	castSourceScheme  = "cast:"
	legacyCastURL     = "https://google.com/cast"
	legacyAppIDKey    = "__castAppId__"
	legacyClientIDKey = "__castClientId__"
	legacyPolicyKey   = "__castAutoJoinPolicy__"
)

var ErrUnsupportedSource = errors.New("unsupported media source")

// Source describes what a client wants to cast.
type Source struct {
	ID             string
	AppID          string
	ClientID       string
	AutoJoinPolicy AutoJoinPolicy
	Capabilities   Capability
}

// ParseSource accepts both the cast:<appId>?... form and the legacy
// https://google.com/cast#__castAppId__=... presentation URL.
func ParseSource(sourceID string) (*Source, error) {
	raw := strings.TrimSpace(sourceID)
	switch {
	case strings.HasPrefix(raw, castSourceScheme):
		return parseCastSource(raw)
	case strings.HasPrefix(raw, legacyCastURL):
		return parseLegacySource(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, sourceID)
	}
}

func parseCastSource(raw string) (*Source, error) {
	body := strings.TrimPrefix(raw, castSourceScheme)
	appPart, rawQuery, _ := strings.Cut(body, "?")

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}

	appID, caps, err := parseAppID(appPart)
	if err != nil {
		return nil, err
	}
	if rawCaps := query.Get("capabilities"); rawCaps != "" {
		extra, err := parseCapabilityList(rawCaps)
		if err != nil {
			return nil, err
		}
		caps |= extra
	}

	return &Source{
		ID:             raw,
		AppID:          appID,
		ClientID:       query.Get("clientId"),
		AutoJoinPolicy: AutoJoinPolicy(query.Get("autoJoinPolicy")),
		Capabilities:   caps,
	}, nil
}

func parseLegacySource(raw string) (*Source, error) {
	_, fragment, ok := strings.Cut(raw, "#")
	if !ok {
		return nil, fmt.Errorf("%w: missing fragment", ErrUnsupportedSource)
	}

	params := map[string]string{}
	for _, part := range strings.Split(fragment, "/") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		params[key] = value
	}

	appID, caps, err := parseAppID(params[legacyAppIDKey])
	if err != nil {
		return nil, err
	}

	return &Source{
		ID:             raw,
		AppID:          appID,
		ClientID:       params[legacyClientIDKey],
		AutoJoinPolicy: AutoJoinPolicy(params[legacyPolicyKey]),
		Capabilities:   caps,
	}, nil
}

// parseAppID splits "APPID(video_out,audio_out)" into the id and its
// requested capabilities.
func parseAppID(raw string) (string, Capability, error) {
	raw = strings.TrimSpace(raw)
	appID := raw
	var caps Capability

	if open := strings.IndexByte(raw, '('); open >= 0 {
		if !strings.HasSuffix(raw, ")") {
			return "", 0, fmt.Errorf("%w: malformed capabilities in %q", ErrUnsupportedSource, raw)
		}
		parsed, err := parseCapabilityList(raw[open+1 : len(raw)-1])
		if err != nil {
			return "", 0, err
		}
		appID = raw[:open]
		caps = parsed
	}

	if appID == "" {
		return "", 0, fmt.Errorf("%w: empty application id", ErrUnsupportedSource)
	}
	for _, r := range appID {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "", 0, fmt.Errorf("%w: invalid application id %q", ErrUnsupportedSource, appID)
		}
	}
	return appID, caps, nil
}

func parseCapabilityList(raw string) (Capability, error) {
	var caps Capability
	for _, name := range strings.Split(raw, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		bit, ok := ParseCapability(name)
		if !ok {
			return 0, fmt.Errorf("%w: unknown capability %q", ErrUnsupportedSource, name)
		}
		caps |= bit
	}
	return caps, nil
}

// Accepts is the route-selector filter: a sink qualifies when it offers every
// capability the source asks for.
func (s *Source) Accepts(sink Sink) bool {
	if s == nil {
		return false
	}
	return sink.Capabilities.Has(s.Capabilities)
}
