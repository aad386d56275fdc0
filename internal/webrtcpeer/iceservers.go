package webrtcpeer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/hiapp/hicall/internal/config"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMissingURLs        = errors.New("ice server has no urls")
	ErrUnsupportedScheme  = errors.New("unsupported ice url scheme")
	ErrMissingCredentials = errors.New("turn urls require username and credential")
)

type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// urlList accepts both "urls": "stun:..." and "urls": ["stun:...", ...].
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*u = []string{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}

	*u = many

	return nil
}

// ICEServersFromConfig returns the configured ICE servers. ICE_SERVERS_JSON
// wins over the STUN_URLS / TURN_URLS pair when both are present.
func ICEServersFromConfig() ([]webrtc.ICEServer, error) {
	return parseICEServers(
		config.Conf.ICEServersJSON,
		config.Conf.STUNURLs,
		config.Conf.TURNURLs,
		config.Conf.TURNUsername,
		config.Conf.TURNCredential,
	)
}

func parseICEServers(rawJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(rawJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("ice_servers_json: %w", err)
		}

		return servers, nil
	}

	var servers []webrtc.ICEServer

	if stun := splitList(stunURLs); len(stun) > 0 {
		if err := validateICEServer(stun, "", ""); err != nil {
			return nil, fmt.Errorf("stun_urls: %w", err)
		}

		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}

	if turn := splitList(turnURLs); len(turn) > 0 {
		username, credential := strings.TrimSpace(turnUsername), strings.TrimSpace(turnCredential)
		if err := validateICEServer(turn, username, credential); err != nil {
			return nil, fmt.Errorf("turn_urls: %w", err)
		}

		servers = append(servers, webrtc.ICEServer{URLs: turn, Username: username, Credential: credential})
	}

	return servers, nil
}

func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls := splitList(strings.Join(entry.URLs, ","))
		username := strings.TrimSpace(entry.Username)

		if err := validateICEServer(urls, username, entry.Credential); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}

		server := webrtc.ICEServer{URLs: urls, Username: username}
		if strings.TrimSpace(entry.Credential) != "" {
			server.Credential = entry.Credential
		}

		servers = append(servers, server)
	}

	return servers, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}

func validateICEServer(urls []string, username, credential string) error {
	if len(urls) == 0 {
		return ErrMissingURLs
	}

	needsCredentials := false
	for _, url := range urls {
		switch {
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			needsCredentials = true
		default:
			return fmt.Errorf("%w: %q", ErrUnsupportedScheme, url)
		}
	}

	if !needsCredentials {
		return nil
	}

	if username == "" || strings.TrimSpace(credential) == "" {
		return ErrMissingCredentials
	}

	return nil
}
