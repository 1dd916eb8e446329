package config

import (
	"fmt"
	"os"
	"strings"
)

// Default configuration values (production)
const (
	DefaultDomain   = "pairlink.qzz.io"
	DefaultSTUN     = "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302,stun:stun.cloudflare.com:3478"
	DefaultTURN     = "turn:pairlink.qzz.io" // Optional, empty by default
	DefaultTURNUser = "pairlink"
	DefaultTURNPass = "pairlink-secret"
)

// Config holds application configuration
type Config struct {
	// Domain is the backend server domain
	Domain string

	// WebSocketURL is constructed from domain
	WebSocketURL string

	// BrokerURL is the room-broker REST endpoint, constructed from domain
	BrokerURL string

	// ICE servers for WebRTC
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string

	// ForceRelay restricts candidate gathering to TURN relays
	ForceRelay bool
}

// Options for loading config with CLI flag overrides
type Options struct {
	Domain     string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	domain := firstNonEmpty(opts.Domain, os.Getenv("PAIRLINK_DOMAIN"), DefaultDomain)
	stun := firstNonEmpty(opts.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN)
	turnServer := firstNonEmpty(opts.TURNServer, os.Getenv("TURN_SERVER"), DefaultTURN)
	turnUser := firstNonEmpty(opts.TURNUser, os.Getenv("TURN_USERNAME"), DefaultTURNUser)
	turnPass := firstNonEmpty(opts.TURNPass, os.Getenv("TURN_PASSWORD"), DefaultTURNPass)

	return &Config{
		Domain:       domain,
		WebSocketURL: fmt.Sprintf("wss://%s/ws", domain),
		BrokerURL:    fmt.Sprintf("https://%s", domain),
		STUNServers:  splitServers(stun),
		TURNServer:   turnServer,
		TURNUser:     turnUser,
		TURNPass:     turnPass,
		ForceRelay:   opts.ForceRelay,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitServers(list string) []string {
	var servers []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}

// GetRoomLink returns the webapp URL for a join code
func (c *Config) GetRoomLink(joinCode string) string {
	return fmt.Sprintf("https://%s/j/%s", c.Domain, joinCode)
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	return c.STUNServers
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
