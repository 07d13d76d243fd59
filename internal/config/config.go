// Package config resolves the runtime configuration for both modes: an
// optional TOML file with [server] and [client] tables, overridden by
// whatever the CLI supplies.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// File mirrors the top level of a configuration file. Both tables are
// optional; the subcommand picks the one it needs.
type File struct {
	Server *Server `toml:"server"`
	Client *Client `toml:"client"`
}

// Server configures listen mode.
type Server struct {
	// Human-readable name announced in AuthResponse. Not unique.
	Name       string `toml:"name"`
	ListenAddr string `toml:"listen_addr"`
	// Host that proxy listeners bind on.
	BindHost   string `toml:"bind_host"`
	Token      string `toml:"token"`
	MaxClients int    `toml:"max_clients"`
	LogFile    string `toml:"log_file"`
}

// Client configures connect mode.
type Client struct {
	Name     string   `toml:"name"`
	Servers  []string `toml:"servers"`
	Token    string   `toml:"token"`
	Services []string `toml:"services"`
	// Seconds between reconnect attempts to a lost server.
	ReconnectInterval uint64 `toml:"reconnect_interval"`
	// Seconds between heartbeats on an established tunnel.
	HeartbeatInterval uint64 `toml:"heartbeat_interval"`
	LogFile           string `toml:"log_file"`
	// Optional socks5:// URL to reach the servers through.
	Proxy string `toml:"proxy"`
}

func DefaultServer() Server {
	return Server{
		ListenAddr: "0.0.0.0:7000",
		BindHost:   "0.0.0.0",
		MaxClients: 100,
	}
}

func DefaultClient() Client {
	return Client{
		ReconnectInterval: 5,
		HeartbeatInterval: 30,
	}
}

// Load reads a TOML configuration file.
func Load(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &f, nil
}

// Service is one forwarding rule: expose RemotePort on the server and
// forward it to LocalIP:LocalPort on the client side.
type Service struct {
	// The raw string the rule was parsed from, used in logs.
	Name       string
	LocalIP    string
	LocalPort  uint16
	RemotePort uint16
}

// ParseService parses the "local_ip:local_port:remote_port" grammar.
func ParseService(s string) (Service, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Service{}, fmt.Errorf("invalid service %q: want local_ip:local_port:remote_port", s)
	}
	lp, err := parsePort(parts[1])
	if err != nil {
		return Service{}, fmt.Errorf("invalid service %q: local port: %w", s, err)
	}
	rp, err := parsePort(parts[2])
	if err != nil {
		return Service{}, fmt.Errorf("invalid service %q: remote port: %w", s, err)
	}
	return Service{
		Name:       s,
		LocalIP:    parts[0],
		LocalPort:  lp,
		RemotePort: rp,
	}, nil
}

// ParseServices parses a list of service strings, failing on the first bad
// one.
func ParseServices(raw []string) ([]Service, error) {
	svcs := make([]Service, 0, len(raw))
	for _, s := range raw {
		svc, err := ParseService(s)
		if err != nil {
			return nil, err
		}
		svcs = append(svcs, svc)
	}
	return svcs, nil
}

func (s Service) LocalAddr() string {
	return fmt.Sprintf("%s:%d", s.LocalIP, s.LocalPort)
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}
