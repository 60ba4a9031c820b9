// Package ftp implements the adapter contract over FTP, optionally with
// explicit TLS.
package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	goftp "github.com/jlaffaye/ftp"

	"github.com/Ning0612/xferd/internal/adapter"
	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/logger"
	"github.com/Ning0612/xferd/internal/progress"
)

const (
	bufferSize     = 64 * 1024
	defaultTimeout = 30 * time.Second
)

// Client is the subset of an FTP control connection the adapter uses
type Client interface {
	List(path string) ([]*goftp.Entry, error)
	Stor(path string, r io.Reader) error
	Retr(path string) (io.ReadCloser, error)
	FileSize(path string) (int64, error)
	Delete(path string) error
	RemoveDir(path string) error
	MakeDir(path string) error
	Rename(from, to string) error
	NoOp() error
	Quit() error
}

// serverConn adapts *goftp.ServerConn to Client
type serverConn struct {
	*goftp.ServerConn
}

func (c serverConn) Retr(p string) (io.ReadCloser, error) {
	resp, err := c.ServerConn.Retr(p)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// DialFunc opens a logged-in control connection
type DialFunc func(ctx context.Context) (Client, error)

// Config describes an FTP endpoint
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLS upgrades the control connection with AUTH TLS
	TLS     bool
	Timeout time.Duration
}

// FromConnection builds a Config from a connection descriptor
func FromConnection(conn domain.Connection) Config {
	return Config{
		Host:     conn.Host,
		Port:     conn.Port,
		Username: conn.Username,
		Password: conn.Password,
		TLS:      conn.TLS,
		Timeout:  conn.Timeout,
	}
}

// Address returns host:port, defaulting the port to 21
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = 21
	}
	return net.JoinHostPort(c.Host, fmt.Sprint(port))
}

// Options configures an Adapter
type Options struct {
	Logger logger.Logger

	// Dial replaces the network dial, mainly for tests
	Dial DialFunc
}

// Adapter owns a single FTP control connection. FTP cannot multiplex
// transfers on one connection, so the adapter is not concurrency-safe.
type Adapter struct {
	cfg  Config
	log  logger.Logger
	dial DialFunc

	mu     sync.Mutex
	client Client
	closed bool
}

// New creates an FTP adapter. No connection is made until the first call.
func New(cfg Config, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}
	a := &Adapter{
		cfg: cfg,
		log: opts.Logger.With("component", "ftp", "host", cfg.Address()),
	}
	a.dial = opts.Dial
	if a.dial == nil {
		a.dial = a.dialFTP
	}
	return a
}

// Protocol implements adapter.Adapter
func (a *Adapter) Protocol() domain.Protocol { return domain.ProtocolFTP }

// ConcurrencySafe implements adapter.ConcurrencySafe
func (a *Adapter) ConcurrencySafe() bool { return false }

func (a *Adapter) dialFTP(ctx context.Context) (Client, error) {
	timeout := a.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []goftp.DialOption{
		goftp.DialWithContext(ctx),
		goftp.DialWithTimeout(timeout),
	}
	if a.cfg.TLS {
		opts = append(opts, goftp.DialWithExplicitTLS(&tls.Config{ServerName: a.cfg.Host}))
	}

	c, err := goftp.Dial(a.cfg.Address(), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrConnection, a.cfg.Address(), err)
	}

	user, pass := a.cfg.Username, a.cfg.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := c.Login(user, pass); err != nil {
		c.Quit()
		return nil, fmt.Errorf("%w: login as %s: %v", domain.ErrConnection, user, err)
	}
	return serverConn{c}, nil
}

// session returns a live control connection, re-dialing a dead one
func (a *Adapter) session(ctx context.Context) (Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, fmt.Errorf("%w: adapter closed", domain.ErrConnection)
	}
	if a.client != nil {
		if err := a.client.NoOp(); err == nil {
			return a.client, nil
		}
		a.log.Info("FTP connection lost, reconnecting")
		a.dropLocked()
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	}

	client, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}

// drop discards the control connection so the next call re-dials. An
// interrupted data transfer leaves the control channel out of sync.
func (a *Adapter) drop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropLocked()
}

func (a *Adapter) dropLocked() error {
	if a.client == nil {
		return nil
	}
	err := a.client.Quit()
	a.client = nil
	return err
}

// List implements adapter.Adapter. FTP listings carry no permissions.
func (a *Adapter) List(ctx context.Context, dir string) ([]domain.FileItem, error) {
	client, err := a.session(ctx)
	if err != nil {
		return nil, domain.WrapOp(domain.ProtocolFTP, "list", dir, err)
	}

	entries, err := client.List(dir)
	if err != nil {
		return nil, domain.WrapOp(domain.ProtocolFTP, "list", dir, mapError(err))
	}
	return fileItems(entries), nil
}

func fileItems(entries []*goftp.Entry) []domain.FileItem {
	items := make([]domain.FileItem, 0, len(entries))
	for _, e := range entries {
		if e == nil || e.Name == "." || e.Name == ".." {
			continue
		}
		item := domain.FileItem{
			Name:     e.Name,
			Type:     domain.FileTypeFile,
			Size:     int64(e.Size),
			Modified: e.Time,
		}
		if e.Type == goftp.EntryTypeFolder {
			item.Type = domain.FileTypeDirectory
			item.Size = 0
		}
		items = append(items, item)
	}
	return items
}

// Upload implements adapter.Adapter
func (a *Adapter) Upload(ctx context.Context, src adapter.Source, remotePath string, onProgress adapter.ProgressFunc) error {
	return domain.WrapOp(domain.ProtocolFTP, "upload", remotePath, a.upload(ctx, src, remotePath, onProgress))
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

	pr := progress.NewReader(ctx, rc, src.Size(), onProgress)
	if err := client.Stor(remotePath, pr); err != nil {
		a.drop()
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		return mapError(err)
	}
	return nil
}

// Download implements adapter.Adapter. When the server does not report
// the size, progress is reported with total 0 followed by one final tick
// carrying the real size. The partial local file is removed on failure.
func (a *Adapter) Download(ctx context.Context, remotePath, localPath string, onProgress adapter.ProgressFunc) error {
	return domain.WrapOp(domain.ProtocolFTP, "download", remotePath, a.download(ctx, remotePath, localPath, onProgress))
}

func (a *Adapter) download(ctx context.Context, remotePath, localPath string, onProgress adapter.ProgressFunc) error {
	client, err := a.session(ctx)
	if err != nil {
		return err
	}

	total, err := client.FileSize(remotePath)
	if err != nil {
		a.log.Debug("Server did not report file size", "path", remotePath, "error", err)
		total = 0
	}

	resp, err := client.Retr(remotePath)
	if err != nil {
		return mapError(err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		resp.Close()
		a.drop()
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	file, err := os.Create(localPath)
	if err != nil {
		resp.Close()
		a.drop()
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}

	n, copyErr := progress.Copy(ctx, file, resp, total, bufferSize, onProgress)
	closeErr := file.Close()
	respErr := resp.Close()

	switch {
	case copyErr != nil:
		err = copyErr
	case closeErr != nil:
		err = fmt.Errorf("%w: %v", domain.ErrIO, closeErr)
	case respErr != nil:
		err = mapError(respErr)
	}
	if err != nil {
		os.Remove(localPath)
		a.drop()
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		return err
	}

	if total <= 0 && onProgress != nil {
		onProgress(n, n)
	}
	return nil
}

// Delete removes a file, or an empty directory
func (a *Adapter) Delete(ctx context.Context, p string) error {
	client, err := a.session(ctx)
	if err != nil {
		return domain.WrapOp(domain.ProtocolFTP, "delete", p, err)
	}

	err = client.Delete(p)
	if err != nil && isCode(err, goftp.StatusFileUnavailable) {
		if dirErr := client.RemoveDir(p); dirErr == nil {
			return nil
		}
	}
	return domain.WrapOp(domain.ProtocolFTP, "delete", p, mapError(err))
}

// Mkdir creates a directory and any missing parents. An existing
// directory is not an error.
func (a *Adapter) Mkdir(ctx context.Context, p string) error {
	client, err := a.session(ctx)
	if err != nil {
		return domain.WrapOp(domain.ProtocolFTP, "mkdir", p, err)
	}

	clean := path.Clean(p)
	var lastErr error
	for _, dir := range parents(clean) {
		lastErr = client.MakeDir(dir)
	}

	if lastErr != nil && a.isDir(client, clean) {
		lastErr = nil
	}
	return domain.WrapOp(domain.ProtocolFTP, "mkdir", p, mapError(lastErr))
}

// parents returns p and its ancestors, outermost first
func parents(p string) []string {
	var dirs []string
	for d := p; d != "." && d != "/" && d != ""; d = path.Dir(d) {
		dirs = append([]string{d}, dirs...)
	}
	return dirs
}

func (a *Adapter) isDir(client Client, p string) bool {
	entries, err := client.List(path.Dir(p))
	if err != nil {
		return false
	}
	name := path.Base(p)
	for _, e := range entries {
		if e != nil && e.Name == name && e.Type == goftp.EntryTypeFolder {
			return true
		}
	}
	return false
}

// Rename moves from to to on the server
func (a *Adapter) Rename(ctx context.Context, from, to string) error {
	client, err := a.session(ctx)
	if err == nil {
		err = mapError(client.Rename(from, to))
	}
	return domain.WrapOp(domain.ProtocolFTP, "rename", from, err)
}

// Close sends QUIT. The adapter cannot be used afterwards.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return a.dropLocked()
}

func isCode(err error, code int) bool {
	var tp *textproto.Error
	return errors.As(err, &tp) && tp.Code == code
}

// mapError converts FTP replies to domain errors
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrCancelled) {
		return err
	}

	var tp *textproto.Error
	if !errors.As(err, &tp) {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %v", domain.ErrConnection, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}

	switch tp.Code {
	case goftp.StatusFileUnavailable:
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case goftp.StatusNotLoggedIn, goftp.StatusBadFileName:
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case goftp.StatusNotImplemented:
		return fmt.Errorf("%w: %v", domain.ErrUnsupportedOperation, err)
	case goftp.StatusNotAvailable, goftp.StatusCanNotOpenDataConnection, goftp.StatusTransfertAborted:
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrProtocol, err)
}

var (
	_ adapter.Adapter  = (*Adapter)(nil)
	_ adapter.Deleter  = (*Adapter)(nil)
	_ adapter.DirMaker = (*Adapter)(nil)
	_ adapter.Renamer  = (*Adapter)(nil)
)
