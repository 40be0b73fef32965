package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "VRDAVIS_ICE_SERVERS_JSON"
	envStunURLs       = "VRDAVIS_STUN_URLS"
	envTurnURLs       = "VRDAVIS_TURN_URLS"
	envTurnUsername   = "VRDAVIS_TURN_USERNAME"
	envTurnCredential = "VRDAVIS_TURN_CREDENTIAL"
)

// stringOrStringSlice accepts either a single string or an array of
// strings, mirroring the "urls" field of RTCIceServer.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or array of strings")
	}
	*s = many
	return nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// parseICEServersFromValues builds the ICE server list from either the
// full JSON form or the convenience STUN/TURN values. The JSON form wins
// when both are set.
func parseICEServersFromValues(serversJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(serversJSON) != "" {
		return parseICEServersJSON(serversJSON)
	}

	var servers []webrtc.ICEServer
	if urls := splitCommaList(stunURLs); len(urls) > 0 {
		for _, u := range urls {
			if err := validateICEURL(u, "stun"); err != nil {
				return nil, err
			}
		}
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}
	if urls := splitCommaList(turnURLs); len(urls) > 0 {
		for _, u := range urls {
			if err := validateICEURL(u, "turn"); err != nil {
				return nil, err
			}
		}
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s and %s are required when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       urls,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	} else if turnUsername != "" || turnCredential != "" {
		return nil, fmt.Errorf("%s/%s set without %s", envTurnUsername, envTurnCredential, envTurnURLs)
	}
	return servers, nil
}

func parseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envICEServersJSON, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid %s: trailing data", envICEServersJSON)
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		if len(e.URLs) == 0 {
			return nil, fmt.Errorf("invalid %s: server %d has no urls", envICEServersJSON, i)
		}
		for _, u := range e.URLs {
			if err := validateICEURL(u, ""); err != nil {
				return nil, fmt.Errorf("invalid %s: server %d: %w", envICEServersJSON, i, err)
			}
		}
		server := webrtc.ICEServer{URLs: []string(e.URLs), Username: e.Username}
		if e.Credential != "" {
			server.Credential = e.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// validateICEURL checks the scheme of a STUN/TURN URL. When wantKind is
// non-empty the scheme must belong to that family.
func validateICEURL(raw, wantKind string) error {
	scheme, _, found := strings.Cut(raw, ":")
	if !found || scheme == "" {
		return fmt.Errorf("ICE URL %q has no scheme", raw)
	}
	switch strings.ToLower(scheme) {
	case "stun", "stuns":
		if wantKind != "" && wantKind != "stun" {
			return fmt.Errorf("URL %q is not a %s URL", raw, wantKind)
		}
	case "turn", "turns":
		if wantKind != "" && wantKind != "turn" {
			return fmt.Errorf("URL %q is not a %s URL", raw, wantKind)
		}
	default:
		return fmt.Errorf("ICE URL %q has unsupported scheme %q", raw, scheme)
	}
	return nil
}

func splitCommaList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
