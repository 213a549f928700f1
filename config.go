package mcp

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// TransportKind selects the transport a host constructs.
type TransportKind string

// Supported transport kinds.
const (
	TransportStdIO          TransportKind = "stdio"
	TransportStreamableHTTP TransportKind = "http"
)

// HostConfig is the immutable configuration of a Server or Client host. It can be populated
// from the environment with LoadHostConfig.
type HostConfig struct {
	// Transport is the kind of transport to construct. ENV: MCP_TRANSPORT
	Transport TransportKind `env:"MCP_TRANSPORT,default=stdio"`
	// Name and Version are announced to the peer. ENV: MCP_NAME, MCP_VERSION
	Name    string `env:"MCP_NAME,default=go-mcp-engine"`
	Version string `env:"MCP_VERSION,default=0.1.0"`
	// ProtocolVersion is the preferred protocol revision, the latest known by default.
	// ENV: MCP_PROTOCOL_VERSION
	ProtocolVersion ProtocolVersion `env:"MCP_PROTOCOL_VERSION"`

	// HandshakeTimeout bounds the initialize exchange. ENV: MCP_HANDSHAKE_TIMEOUT
	HandshakeTimeout time.Duration `env:"MCP_HANDSHAKE_TIMEOUT,default=30s"`
	// RequestTimeout is the default bound of outbound requests. ENV: MCP_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT,default=30s"`
	// PingInterval enables keepalive pings when positive. ENV: MCP_PING_INTERVAL
	PingInterval time.Duration `env:"MCP_PING_INTERVAL"`

	// HTTPAddr is the listen address of an HTTP server host. An empty address serves only
	// through Server.Handler. ENV: MCP_HTTP_ADDR
	HTTPAddr string `env:"MCP_HTTP_ADDR"`
	// HTTPEndpoint is the path of the MCP endpoint. ENV: MCP_HTTP_ENDPOINT
	HTTPEndpoint string `env:"MCP_HTTP_ENDPOINT,default=/mcp"`
	// ServerURL is the endpoint an HTTP client host talks to. ENV: MCP_SERVER_URL
	ServerURL string `env:"MCP_SERVER_URL"`
	// BearerToken is sent by an HTTP client host. ENV: MCP_BEARER_TOKEN
	BearerToken string `env:"MCP_BEARER_TOKEN"`

	// Command and Args spawn the server of a stdio client host. Args are separated by
	// semicolons in the environment. ENV: MCP_COMMAND, MCP_ARGS
	Command string   `env:"MCP_COMMAND"`
	Args    []string `env:"MCP_ARGS"`
}

// LoadHostConfig reads a HostConfig from the environment, applying defaults for unset
// variables, and validates it.
func LoadHostConfig() (HostConfig, error) {
	var cfg HostConfig
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return HostConfig{}, fmt.Errorf("failed to decode config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

// Validate reports configuration errors that would make Start fail.
func (c HostConfig) Validate() error {
	switch c.Transport {
	case TransportStdIO, TransportStreamableHTTP:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.ProtocolVersion != "" && !c.ProtocolVersion.Known() {
		return fmt.Errorf("unknown protocol version %q", c.ProtocolVersion)
	}
	if c.HandshakeTimeout < 0 || c.RequestTimeout < 0 || c.PingInterval < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Info returns the implementation info announced to the peer.
func (c HostConfig) Info() Info {
	return Info{Name: c.Name, Version: c.Version}
}

func (c HostConfig) endpoint() string {
	if c.HTTPEndpoint == "" {
		return DefaultStreamableHTTPEndpoint
	}
	return c.HTTPEndpoint
}

func (c HostConfig) engineOptions() []EngineOption {
	opts := []EngineOption{
		WithEngineInfo(c.Info()),
		WithHandshakeTimeout(c.HandshakeTimeout),
	}
	if c.ProtocolVersion != "" {
		opts = append(opts, WithPreferredProtocolVersion(c.ProtocolVersion))
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, WithRequestTimeout(c.RequestTimeout))
	}
	if c.PingInterval > 0 {
		opts = append(opts, WithKeepAlive(c.PingInterval, c.PingInterval, defaultPingFailureThreshold))
	}
	return opts
}
