// Package connector builds protocol adapters from connection descriptors.
package connector

import (
	"fmt"

	"github.com/Ning0612/xferd/internal/adapter"
	"github.com/Ning0612/xferd/internal/adapter/ftp"
	"github.com/Ning0612/xferd/internal/adapter/local"
	"github.com/Ning0612/xferd/internal/adapter/scp"
	"github.com/Ning0612/xferd/internal/adapter/sftp"
	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/logger"
	"github.com/Ning0612/xferd/internal/sshclient"
)

// Options are shared by every adapter the connector builds
type Options struct {
	Logger logger.Logger

	// SFTP tunes SFTP adapters; its Logger and Dial fields are ignored
	SFTP sftp.Options
}

// Open builds the adapter for conn. No network connection is made;
// remote adapters dial on first use.
func Open(conn domain.Connection, opts Options) (adapter.Adapter, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}
	log := opts.Logger.With("connection", conn.ID)

	switch conn.Protocol {
	case domain.ProtocolSFTP:
		sftpOpts := opts.SFTP
		sftpOpts.Logger = log
		sftpOpts.Dial = nil
		return sftp.New(sshclient.FromConnection(conn), sftpOpts), nil
	case domain.ProtocolSCP:
		return scp.New(sshclient.FromConnection(conn), scp.Options{Logger: log}), nil
	case domain.ProtocolFTP:
		return ftp.New(ftp.FromConnection(conn), ftp.Options{Logger: log}), nil
	case domain.ProtocolLocal:
		a, err := local.New(conn.Root)
		if err != nil {
			return nil, fmt.Errorf("%w: connection %q: %v", domain.ErrConfigInvalid, conn.ID, err)
		}
		return a, nil
	}
	return nil, fmt.Errorf("%w: connection %q has unknown protocol %q", domain.ErrConfigInvalid, conn.ID, conn.Protocol)
}
