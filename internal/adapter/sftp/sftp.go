// Package sftp implements the adapter contract over SSH File Transfer Protocol.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	gosftp "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/Ning0612/xferd/internal/adapter"
	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/logger"
	"github.com/Ning0612/xferd/internal/progress"
	"github.com/Ning0612/xferd/internal/sshclient"
)

// Defaults tuned for high-latency links
const (
	DefaultMaxPacketSize      = 256 * 1024
	DefaultConcurrentRequests = 64
	DefaultBufferSize         = 256 * 1024
)

// DialFunc establishes a ready SFTP client. The returned closer, if any,
// is closed together with the client.
type DialFunc func(ctx context.Context) (*gosftp.Client, io.Closer, error)

// Options tunes the SFTP client
type Options struct {
	MaxPacketSize      int
	ConcurrentRequests int
	ConcurrentIO       bool
	BufferSize         int

	Logger logger.Logger

	// Dial replaces the SSH dial, mainly for tests
	Dial DialFunc
}

func (o *Options) setDefaults() {
	if o.MaxPacketSize <= 0 {
		o.MaxPacketSize = DefaultMaxPacketSize
	}
	if o.ConcurrentRequests <= 0 {
		o.ConcurrentRequests = DefaultConcurrentRequests
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Logger == nil {
		o.Logger = logger.Get()
	}
}

// Adapter talks to one SFTP server over a single persistent client.
// The client is dialed on first use and re-dialed when found dead.
type Adapter struct {
	cfg  sshclient.Config
	opts Options
	log  logger.Logger

	mu     sync.Mutex
	client *gosftp.Client
	conn   io.Closer
	closed bool
}

// New creates an SFTP adapter. No connection is made until the first call.
func New(cfg sshclient.Config, opts Options) *Adapter {
	opts.setDefaults()
	a := &Adapter{
		cfg:  cfg,
		opts: opts,
		log:  opts.Logger.With("component", "sftp", "host", cfg.Address()),
	}
	if a.opts.Dial == nil {
		a.opts.Dial = a.dialSSH
	}
	return a
}

// Protocol implements adapter.Adapter
func (a *Adapter) Protocol() domain.Protocol { return domain.ProtocolSFTP }

// ConcurrencySafe implements adapter.ConcurrencySafe; pkg/sftp multiplexes
// requests over one channel
func (a *Adapter) ConcurrencySafe() bool { return true }

func (a *Adapter) dialSSH(ctx context.Context) (*gosftp.Client, io.Closer, error) {
	sshClient, err := sshclient.Dial(ctx, a.cfg)
	if err != nil {
		return nil, nil, err
	}

	clientOpts := []gosftp.ClientOption{
		gosftp.MaxPacketUnchecked(a.opts.MaxPacketSize),
		gosftp.MaxConcurrentRequestsPerFile(a.opts.ConcurrentRequests),
	}
	if a.opts.ConcurrentIO {
		clientOpts = append(clientOpts, gosftp.UseConcurrentReads(true), gosftp.UseConcurrentWrites(true))
	}

	client, err := gosftp.NewClient(sshClient, clientOpts...)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("%w: failed to start sftp subsystem: %v", domain.ErrConnection, err)
	}
	return client, sshClientCloser{sshClient}, nil
}

type sshClientCloser struct{ c *ssh.Client }

func (s sshClientCloser) Close() error { return s.c.Close() }

// session returns a live client, dialing or re-dialing as needed
func (a *Adapter) session(ctx context.Context) (*gosftp.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, fmt.Errorf("%w: adapter closed", domain.ErrConnection)
	}

	if a.client != nil {
		if _, err := a.client.Getwd(); err == nil {
			return a.client, nil
		}
		a.log.Info("SFTP connection lost, reconnecting")
		a.closeLocked()
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	}

	client, conn, err := a.opts.Dial(ctx)
	if err != nil {
		return nil, err
	}
	a.client, a.conn = client, conn
	a.log.Debug("SFTP client connected",
		"max_packet_kb", a.opts.MaxPacketSize/1024,
		"concurrent_requests", a.opts.ConcurrentRequests,
		"concurrent_io", a.opts.ConcurrentIO)
	return client, nil
}

func (a *Adapter) closeLocked() error {
	var err error
	if a.client != nil {
		err = a.client.Close()
		a.client = nil
	}
	if a.conn != nil {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
		a.conn = nil
	}
	return err
}

// List implements adapter.Adapter
func (a *Adapter) List(ctx context.Context, dir string) ([]domain.FileItem, error) {
	client, err := a.session(ctx)
	if err != nil {
		return nil, domain.WrapOp(domain.ProtocolSFTP, "list", dir, err)
	}

	infos, err := client.ReadDir(dir)
	if err != nil {
		return nil, domain.WrapOp(domain.ProtocolSFTP, "list", dir, mapError(err))
	}

	items := make([]domain.FileItem, 0, len(infos))
	for _, info := range infos {
		if info.Name() == "." || info.Name() == ".." {
			continue
		}
		items = append(items, fileItem(info))
	}
	return items, nil
}

func fileItem(info os.FileInfo) domain.FileItem {
	item := domain.FileItem{
		Name:        info.Name(),
		Type:        domain.FileTypeFile,
		Size:        info.Size(),
		Modified:    info.ModTime(),
		Permissions: info.Mode().String(),
	}
	if info.IsDir() {
		item.Type = domain.FileTypeDirectory
		item.Size = 0
	}
	return item
}

// Upload implements adapter.Adapter. A cancelled upload removes the
// partial remote file.
func (a *Adapter) Upload(ctx context.Context, src adapter.Source, remotePath string, onProgress adapter.ProgressFunc) error {
	return domain.WrapOp(domain.ProtocolSFTP, "upload", remotePath, a.upload(ctx, src, remotePath, onProgress))
}

func (a *Adapter) upload(ctx context.Context, src adapter.Source, remotePath string, onProgress adapter.ProgressFunc) error {
	client, err := a.session(ctx)
	if err != nil {
		return err
	}

	rc, err := src.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	remote, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return mapError(err)
	}

	_, copyErr := progress.Copy(ctx, remote, rc, src.Size(), a.opts.BufferSize, onProgress)
	closeErr := remote.Close()

	if copyErr != nil {
		if errors.Is(copyErr, domain.ErrCancelled) {
			if err := client.Remove(remotePath); err != nil {
				a.log.Warn("Failed to remove partial upload", "path", remotePath, "error", err)
			}
			return copyErr
		}
		return a.transferError(copyErr)
	}
	if closeErr != nil {
		return a.transferError(closeErr)
	}

	if err := client.Chmod(remotePath, adapter.ModeOf(src)); err != nil {
		a.log.Debug("Failed to set remote file mode", "path", remotePath, "error", err)
	}
	return nil
}

// Download implements adapter.Adapter. A cancelled download removes the
// partial local file.
func (a *Adapter) Download(ctx context.Context, remotePath, localPath string, onProgress adapter.ProgressFunc) error {
	return domain.WrapOp(domain.ProtocolSFTP, "download", remotePath, a.download(ctx, remotePath, localPath, onProgress))
}

func (a *Adapter) download(ctx context.Context, remotePath, localPath string, onProgress adapter.ProgressFunc) error {
	client, err := a.session(ctx)
	if err != nil {
		return err
	}

	remote, err := client.Open(remotePath)
	if err != nil {
		return mapError(err)
	}
	defer remote.Close()

	info, err := remote.Stat()
	if err != nil {
		return mapError(err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", domain.ErrIO, remotePath)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	local, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}

	_, copyErr := progress.Copy(ctx, local, remote, info.Size(), a.opts.BufferSize, onProgress)
	closeErr := local.Close()

	if copyErr != nil {
		if errors.Is(copyErr, domain.ErrCancelled) {
			os.Remove(localPath)
			return copyErr
		}
		return a.transferError(copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, closeErr)
	}
	return nil
}

// transferError maps a mid-transfer failure. A lost connection drops the
// cached client so the next call re-dials.
func (a *Adapter) transferError(err error) error {
	mapped := mapError(err)
	if errors.Is(mapped, domain.ErrConnection) {
		a.mu.Lock()
		a.closeLocked()
		a.mu.Unlock()
	}
	return mapped
}

// Delete removes a file or an empty directory
func (a *Adapter) Delete(ctx context.Context, p string) error {
	client, err := a.session(ctx)
	if err != nil {
		return domain.WrapOp(domain.ProtocolSFTP, "delete", p, err)
	}

	info, err := client.Stat(p)
	if err != nil {
		return domain.WrapOp(domain.ProtocolSFTP, "delete", p, mapError(err))
	}
	if info.IsDir() {
		err = client.RemoveDirectory(p)
	} else {
		err = client.Remove(p)
	}
	return domain.WrapOp(domain.ProtocolSFTP, "delete", p, mapError(err))
}

// Mkdir creates a directory and any missing parents
func (a *Adapter) Mkdir(ctx context.Context, p string) error {
	client, err := a.session(ctx)
	if err == nil {
		err = mapError(client.MkdirAll(path.Clean(p)))
	}
	return domain.WrapOp(domain.ProtocolSFTP, "mkdir", p, err)
}

// Rename moves from to to on the server
func (a *Adapter) Rename(ctx context.Context, from, to string) error {
	client, err := a.session(ctx)
	if err == nil {
		err = mapError(client.Rename(from, to))
	}
	return domain.WrapOp(domain.ProtocolSFTP, "rename", from, err)
}

// Chmod sets the permission bits of p
func (a *Adapter) Chmod(ctx context.Context, p string, mode os.FileMode) error {
	client, err := a.session(ctx)
	if err == nil {
		err = mapError(client.Chmod(p, mode.Perm()))
	}
	return domain.WrapOp(domain.ProtocolSFTP, "chmod", p, err)
}

// Close closes the client and its SSH connection. The adapter cannot be
// used afterwards.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return a.closeLocked()
}

// mapError converts pkg/sftp and OS errors to domain errors
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var status *gosftp.StatusError
	switch {
	case errors.Is(err, domain.ErrCancelled):
		return err
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case errors.Is(err, os.ErrExist):
		return fmt.Errorf("%w: %v", domain.ErrAlreadyExists, err)
	case errors.Is(err, gosftp.ErrSSHFxConnectionLost), errors.Is(err, gosftp.ErrSSHFxNoConnection),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	case errors.As(err, &status):
		if status.FxCode() == gosftp.ErrSSHFxOpUnsupported {
			return fmt.Errorf("%w: %v", domain.ErrUnsupportedOperation, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrIO, err)
}

var (
	_ adapter.Adapter  = (*Adapter)(nil)
	_ adapter.Deleter  = (*Adapter)(nil)
	_ adapter.DirMaker = (*Adapter)(nil)
	_ adapter.Renamer  = (*Adapter)(nil)
	_ adapter.Chmoder  = (*Adapter)(nil)
)
