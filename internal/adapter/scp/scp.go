// Package scp implements the adapter contract with the classic rcp/scp
// protocol spoken over an SSH session. Only single files are supported.
package scp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"

	"github.com/Ning0612/xferd/internal/adapter"
	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/logger"
	"github.com/Ning0612/xferd/internal/progress"
	"github.com/Ning0612/xferd/internal/sshclient"
)

const bufferSize = 64 * 1024

// Session is the part of *ssh.Session the protocol needs
type Session interface {
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

// SessionFunc opens one remote command session
type SessionFunc func(ctx context.Context) (Session, error)

// Options configures an Adapter
type Options struct {
	Logger logger.Logger

	// NewSession replaces the SSH session factory, mainly for tests
	NewSession SessionFunc
}

// Adapter runs one scp process on the server per transfer over a shared
// SSH connection
type Adapter struct {
	cfg        sshclient.Config
	log        logger.Logger
	newSession SessionFunc

	mu     sync.Mutex
	client *ssh.Client
	closed bool
}

// New creates an SCP adapter. No connection is made until the first transfer.
func New(cfg sshclient.Config, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}
	a := &Adapter{
		cfg: cfg,
		log: opts.Logger.With("component", "scp", "host", cfg.Address()),
	}
	a.newSession = opts.NewSession
	if a.newSession == nil {
		a.newSession = a.sshSession
	}
	return a
}

// Protocol implements adapter.Adapter
func (a *Adapter) Protocol() domain.Protocol { return domain.ProtocolSCP }

// ConcurrencySafe implements adapter.ConcurrencySafe; every transfer has
// its own SSH session
func (a *Adapter) ConcurrencySafe() bool { return true }

func (a *Adapter) sshSession(ctx context.Context) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, fmt.Errorf("%w: adapter closed", domain.ErrConnection)
	}
	if a.client != nil && !sshclient.Alive(a.client) {
		a.log.Info("SSH connection lost, reconnecting")
		a.client.Close()
		a.client = nil
	}
	if a.client == nil {
		client, err := sshclient.Dial(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
		a.client = client
	}

	s, err := a.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open ssh session: %v", domain.ErrConnection, err)
	}
	return s, nil
}

// List is not part of the scp protocol
func (a *Adapter) List(ctx context.Context, dir string) ([]domain.FileItem, error) {
	return nil, domain.WrapOp(domain.ProtocolSCP, "list", dir, domain.ErrUnsupportedOperation)
}

// Upload implements adapter.Adapter
func (a *Adapter) Upload(ctx context.Context, src adapter.Source, remotePath string, onProgress adapter.ProgressFunc) error {
	return domain.WrapOp(domain.ProtocolSCP, "upload", remotePath, a.run(ctx, "-t", remotePath, func(c *conn) error {
		return c.send(ctx, src, path.Base(remotePath), onProgress)
	}))
}

// Download implements adapter.Adapter. A failed or cancelled download
// removes the partial local file.
func (a *Adapter) Download(ctx context.Context, remotePath, localPath string, onProgress adapter.ProgressFunc) error {
	return domain.WrapOp(domain.ProtocolSCP, "download", remotePath, a.run(ctx, "-f", remotePath, func(c *conn) error {
		return c.receive(ctx, localPath, onProgress)
	}))
}

// run starts "scp <mode> <path>" remotely and drives fn over its stdio
func (a *Adapter) run(ctx context.Context, mode, remotePath string, fn func(*conn) error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	}

	s, err := a.newSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	stdin, err := s.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	stdout, err := s.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}

	cmd := "scp " + mode + " " + shellquote.Join(remotePath)
	if err := s.Start(cmd); err != nil {
		return fmt.Errorf("%w: failed to start %q: %v", domain.ErrConnection, cmd, err)
	}

	// Closing the session unblocks any pending read or write
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	c := &conn{r: bufio.NewReader(stdout), w: stdin}
	runErr := fn(c)
	stdin.Close()

	if runErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		return runErr
	}

	if err := s.Wait(); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: remote scp exited with status %d", domain.ErrProtocol, exitErr.ExitStatus())
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	return nil
}

// Close closes the SSH connection. The adapter cannot be used afterwards.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

// conn speaks the scp wire protocol over a remote scp's stdio
type conn struct {
	r *bufio.Reader
	w io.Writer
}

// readAck reads one status byte. 1 (warning) and 2 (fatal) are followed
// by a message line.
func (c *conn) readAck() error {
	b, err := c.r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: reading scp status: %v", domain.ErrConnection, err)
	}
	switch b {
	case 0:
		return nil
	case 1, 2:
		msg, _ := c.r.ReadString('\n')
		return fmt.Errorf("%w: remote scp: %s", domain.ErrProtocol, strings.TrimSpace(msg))
	default:
		return fmt.Errorf("%w: unexpected scp status byte %#x", domain.ErrProtocol, b)
	}
}

func (c *conn) ack() error {
	if _, err := c.w.Write([]byte{0}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	return nil
}

// send plays the source side against a remote "scp -t"
func (c *conn) send(ctx context.Context, src adapter.Source, name string, onProgress adapter.ProgressFunc) error {
	rc, err := src.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := c.readAck(); err != nil {
		return err
	}

	size := src.Size()
	if _, err := fmt.Fprint(c.w, formatHeader(adapter.ModeOf(src), size, name)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	if err := c.readAck(); err != nil {
		return err
	}

	n, err := progress.Copy(ctx, c.w, io.LimitReader(rc, size), size, bufferSize, onProgress)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("%w: source shrank from %d to %d bytes", domain.ErrIO, size, n)
	}

	if err := c.ack(); err != nil {
		return err
	}
	return c.readAck()
}

// receive plays the sink side against a remote "scp -f"
func (c *conn) receive(ctx context.Context, localPath string, onProgress adapter.ProgressFunc) error {
	if err := c.ack(); err != nil {
		return err
	}

	h, err := c.readHeader()
	if err != nil {
		return err
	}
	if err := c.ack(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	file, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, h.mode)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}

	n, copyErr := progress.Copy(ctx, file, io.LimitReader(c.r, h.size), h.size, bufferSize, onProgress)
	closeErr := file.Close()

	switch {
	case copyErr != nil:
		err = copyErr
	case n != h.size:
		err = fmt.Errorf("%w: connection closed after %d of %d bytes", domain.ErrConnection, n, h.size)
	case closeErr != nil:
		err = fmt.Errorf("%w: %v", domain.ErrIO, closeErr)
	default:
		err = c.readAck()
	}
	if err != nil {
		os.Remove(localPath)
		return err
	}
	return c.ack()
}

type header struct {
	mode os.FileMode
	size int64
	name string
}

func formatHeader(mode os.FileMode, size int64, name string) string {
	return fmt.Sprintf("C%04o %d %s\n", mode.Perm(), size, name)
}

// readHeader reads the next control record, which must describe a file
func (c *conn) readHeader() (header, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return header{}, fmt.Errorf("%w: reading scp header: %v", domain.ErrConnection, err)
	}
	switch b {
	case 1, 2:
		msg, _ := c.r.ReadString('\n')
		return header{}, fmt.Errorf("%w: remote scp: %s", domain.ErrProtocol, strings.TrimSpace(msg))
	case 'C':
	case 'D':
		return header{}, fmt.Errorf("%w: remote path is a directory", domain.ErrIO)
	default:
		return header{}, fmt.Errorf("%w: unexpected scp record %q", domain.ErrProtocol, b)
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		return header{}, fmt.Errorf("%w: reading scp header: %v", domain.ErrConnection, err)
	}
	return parseHeader(strings.TrimSuffix(line, "\n"))
}

// parseHeader parses "<mode> <size> <name>" following the C record type
func parseHeader(line string) (header, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 || fields[2] == "" {
		return header{}, fmt.Errorf("%w: malformed scp header %q", domain.ErrProtocol, line)
	}

	mode, err := strconv.ParseUint(fields[0], 8, 32)
	if err != nil {
		return header{}, fmt.Errorf("%w: malformed scp mode %q", domain.ErrProtocol, fields[0])
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return header{}, fmt.Errorf("%w: malformed scp size %q", domain.ErrProtocol, fields[1])
	}

	return header{mode: os.FileMode(mode).Perm(), size: size, name: fields[2]}, nil
}

var _ adapter.Adapter = (*Adapter)(nil)
