// Package sshclient dials SSH connections shared by the SFTP and SCP adapters.
package sshclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Ning0612/xferd/internal/domain"
)

// DefaultTimeout bounds the TCP connect and SSH handshake
const DefaultTimeout = 30 * time.Second

// Config describes how to reach and authenticate to an SSH server
type Config struct {
	Host     string
	Port     int
	Username string

	Password      string
	KeyPath       string
	KeyPassphrase string
	UseAgent      bool

	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string

	Timeout time.Duration
}

// FromConnection builds a Config from a connection descriptor
func FromConnection(conn domain.Connection) Config {
	return Config{
		Host:           conn.Host,
		Port:           conn.Port,
		Username:       conn.Username,
		Password:       conn.Password,
		KeyPath:        conn.KeyPath,
		KeyPassphrase:  conn.KeyPassphrase,
		UseAgent:       conn.UseAgent,
		KnownHostsPath: conn.KnownHostsPath,
		Timeout:        conn.Timeout,
	}
}

// Address returns host:port, defaulting the port to 22
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, fmt.Sprint(port))
}

// ClientConfig builds the ssh.ClientConfig for c
func (c Config) ClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &ssh.ClientConfig{
		User:            c.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

func (c Config) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if c.KeyPath != "" {
		signer, err := loadKey(c.KeyPath, c.KeyPassphrase)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if c.UseAgent {
		method, err := agentAuth()
		if err != nil {
			return nil, err
		}
		methods = append(methods, method)
	}

	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no ssh authentication method configured", domain.ErrConfigInvalid)
	}
	return methods, nil
}

func loadKey(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: private key %s is encrypted and no passphrase was given", domain.ErrConfigInvalid, path)
		}
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("%w: SSH_AUTH_SOCK not set", domain.ErrConnection)
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to ssh agent: %v", domain.ErrConnection, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func (c Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// Dial connects and authenticates, honouring ctx during the TCP connect
// and the handshake
func Dial(ctx context.Context, cfg Config) (*ssh.Client, error) {
	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}

	addr := cfg.Address()
	dialer := net.Dialer{Timeout: clientConfig.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrConnection, addr, err)
	}

	// Unblock the handshake if ctx ends first
	stop := context.AfterFunc(ctx, func() { netConn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	if !stop() && err == nil {
		sshConn.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	}
	if err != nil {
		netConn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			return nil, fmt.Errorf("%w: host key verification failed for %s: %v", domain.ErrConnection, addr, err)
		}
		return nil, fmt.Errorf("%w: ssh handshake with %s: %v", domain.ErrConnection, addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Alive reports whether the server still answers a keepalive request
func Alive(client *ssh.Client) bool {
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}
