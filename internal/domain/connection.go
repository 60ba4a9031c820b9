package domain

import (
	"fmt"
	"time"
)

// Protocol identifies the wire protocol behind a connection
type Protocol string

const (
	ProtocolSFTP  Protocol = "sftp"
	ProtocolSCP   Protocol = "scp"
	ProtocolFTP   Protocol = "ftp"
	ProtocolLocal Protocol = "local"
)

// IsValid checks if the protocol is a known value
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolSFTP, ProtocolSCP, ProtocolFTP, ProtocolLocal:
		return true
	}
	return false
}

// DefaultPort returns the well-known port for the protocol (0 for local)
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolSFTP, ProtocolSCP:
		return 22
	case ProtocolFTP:
		return 21
	}
	return 0
}

// Connection describes how to reach one remote endpoint.
// The engine treats it as opaque; only the connector reads it.
type Connection struct {
	// ID is the unique identifier transfers are keyed by
	ID string `mapstructure:"id"`

	Protocol Protocol `mapstructure:"protocol"`

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// KeyPath is a private key file for ssh based protocols
	KeyPath       string `mapstructure:"key_path"`
	KeyPassphrase string `mapstructure:"key_passphrase"`

	// KnownHostsPath enables host key verification when set
	KnownHostsPath string `mapstructure:"known_hosts"`

	// UseAgent tries the ssh-agent at SSH_AUTH_SOCK
	UseAgent bool `mapstructure:"use_agent"`

	// Root is the base directory for local connections
	Root string `mapstructure:"root"`

	// TLS enables explicit FTPS
	TLS bool `mapstructure:"tls"`

	Timeout time.Duration `mapstructure:"timeout"`
}

// Address returns host:port, falling back to the protocol's default port
func (c Connection) Address() string {
	port := c.Port
	if port == 0 {
		port = c.Protocol.DefaultPort()
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Validate checks if the connection is properly configured
func (c Connection) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: connection id is required", ErrConfigInvalid)
	}
	if !c.Protocol.IsValid() {
		return fmt.Errorf("%w: connection %q has unknown protocol %q", ErrConfigInvalid, c.ID, c.Protocol)
	}
	if c.Protocol == ProtocolLocal {
		if c.Root == "" {
			return fmt.Errorf("%w: local connection %q requires root", ErrConfigInvalid, c.ID)
		}
		return nil
	}
	if c.Host == "" {
		return fmt.Errorf("%w: connection %q requires host", ErrConfigInvalid, c.ID)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: connection %q has invalid port %d", ErrConfigInvalid, c.ID, c.Port)
	}
	return nil
}
