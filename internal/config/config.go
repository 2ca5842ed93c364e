// Package config resolves the CLI configuration from flags, the environment
// and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
)

const DefaultRelayURL = "ws://localhost:8080/ws"

// Default STUN servers, used when neither a flag nor STUN_SERVERS is set.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config holds the resolved settings for one meeting session.
type Config struct {
	RelayURL    string
	Room        string
	User        string
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	LogLevel    string
}

// Options carries CLI flag values. Empty fields fall through to the
// environment.
type Options struct {
	EnvFile     string
	RelayURL    string
	Room        string
	User        string
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	LogLevel    string
}

// Load resolves each setting as flag > environment > default. Variables from
// EnvFile (".env" when empty) are added to the environment without
// overriding what is already set; a missing file is not an error.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
	}

	relay, err := NormalizeRelayURL(pick(opts.RelayURL, "CLASSMEET_RELAY_URL", DefaultRelayURL))
	if err != nil {
		return nil, err
	}

	stun := opts.STUNServers
	if len(stun) == 0 {
		stun = strings.Fields(os.Getenv("STUN_SERVERS"))
	}
	if len(stun) == 0 {
		stun = append([]string(nil), DefaultSTUNServers...)
	}

	return &Config{
		RelayURL:    relay,
		Room:        pick(opts.Room, "CLASSMEET_ROOM", ""),
		User:        pick(opts.User, "CLASSMEET_USER", ""),
		STUNServers: stun,
		TURNServer:  pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:    pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:    pick(opts.TURNPass, "TURN_PASSWORD", ""),
		LogLevel:    pick(opts.LogLevel, "LOG_LEVEL", "info"),
	}, nil
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

// Validate reports missing settings required to join.
func (c *Config) Validate() error {
	var errs []error
	if c.Room == "" {
		errs = append(errs, errors.New("room id is required"))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if c.TURNServer != "" && (c.TURNUser == "" || c.TURNPass == "") {
		errs = append(errs, errors.New("TURN server needs a username and password"))
	}
	return errors.Join(errs...)
}

// ICEServers returns the STUN servers plus, when configured, the TURN server
// over UDP and TCP.
func (c *Config) ICEServers() []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: c.STUNServers}}
	if c.TURNServer == "" {
		return servers
	}

	host := strings.TrimPrefix(strings.TrimPrefix(c.TURNServer, "turns:"), "turn:")
	return append(servers, webrtc.ICEServer{
		URLs: []string{
			fmt.Sprintf("turn:%s?transport=udp", host),
			fmt.Sprintf("turn:%s?transport=tcp", host),
		},
		Username:   c.TURNUser,
		Credential: c.TURNPass,
	})
}

// NormalizeRelayURL turns a host, an http(s) URL or a ws(s) URL into the
// WebSocket base URL the signaling client expects.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("relay URL is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid relay URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid relay URL %q: missing host", raw)
	}

	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), "/meet")
	u.RawQuery = ""
	return u.String(), nil
}
