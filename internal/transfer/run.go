package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/Ning0612/xferd/internal/adapter"
	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/events"
	"github.com/Ning0612/xferd/internal/progress"
)

// invokeFunc runs the adapter primitive for one attempt
type invokeFunc func(ctx context.Context, onProgress adapter.ProgressFunc) error

// UploadFile uploads src to remotePath and blocks until the transfer ends.
// Transfer failures and cancellation are reported through the returned
// session's Status and Error; the error return is reserved for unknown
// connections, a closed manager and store failures.
func (m *Manager) UploadFile(ctx context.Context, connectionID string, src adapter.Source, remotePath string) (domain.TransferSession, error) {
	a, err := m.adapter(connectionID)
	if err != nil {
		return domain.TransferSession{}, err
	}

	session := domain.NewTransferSession(m.newID(), connectionID, domain.TransferUpload,
		adapter.PathOf(src), remotePath, src.Size(), m.now())

	return m.execute(ctx, session, a, func(ctx context.Context, onProgress adapter.ProgressFunc) error {
		return a.Upload(ctx, src, remotePath, onProgress)
	})
}

// DownloadFile downloads remotePath to localPath and blocks until the
// transfer ends. Errors are reported as for UploadFile.
func (m *Manager) DownloadFile(ctx context.Context, connectionID, remotePath, localPath string) (domain.TransferSession, error) {
	a, err := m.adapter(connectionID)
	if err != nil {
		return domain.TransferSession{}, err
	}

	// Size is unknown until the adapter's first progress tick
	session := domain.NewTransferSession(m.newID(), connectionID, domain.TransferDownload,
		localPath, remotePath, 0, m.now())

	return m.execute(ctx, session, a, func(ctx context.Context, onProgress adapter.ProgressFunc) error {
		return a.Download(ctx, remotePath, localPath, onProgress)
	})
}

// ResumeTransfer re-runs an unfinished transfer from the first byte.
// The new attempt's progress replaces the old values instead of adding to
// them. A completed session is returned unchanged without touching the
// adapter. For uploads a nil src re-opens the session's local path.
func (m *Manager) ResumeTransfer(ctx context.Context, transferID string, src adapter.Source) (domain.TransferSession, error) {
	session, err := m.store.Get(transferID)
	if err != nil {
		return domain.TransferSession{}, err
	}
	if session.Status == domain.StatusCompleted {
		return session, nil
	}
	if m.isRunning(transferID) {
		return session, fmt.Errorf("%w: %s", domain.ErrTransferInProgress, transferID)
	}

	a, err := m.adapter(session.ConnectionID)
	if err != nil {
		return session, err
	}

	m.log.Info("Resuming transfer", "id", session.ID, "type", string(session.Type),
		"previous_status", string(session.Status), "previous_transferred", session.TransferredSize)

	if session.Type == domain.TransferDownload {
		if err := session.Reopen(session.TotalSize, m.now()); err != nil {
			return session, err
		}
		localPath, remotePath := session.LocalPath, session.RemotePath
		return m.execute(ctx, session, a, func(ctx context.Context, onProgress adapter.ProgressFunc) error {
			return a.Download(ctx, remotePath, localPath, onProgress)
		})
	}

	if src == nil {
		src, err = reopenSource(session)
		if err != nil {
			return m.failBeforeStart(session, err)
		}
	}

	total := src.Size()
	if total <= 0 {
		total = session.TotalSize
	}
	if err := session.Reopen(total, m.now()); err != nil {
		return session, err
	}

	remotePath := session.RemotePath
	return m.execute(ctx, session, a, func(ctx context.Context, onProgress adapter.ProgressFunc) error {
		return a.Upload(ctx, src, remotePath, onProgress)
	})
}

func reopenSource(session domain.TransferSession) (adapter.Source, error) {
	if session.LocalPath == "" {
		return nil, fmt.Errorf("%w: session %s has no local path to re-open", domain.ErrIO, session.ID)
	}
	return adapter.FileSource(session.LocalPath)
}

// failBeforeStart records a new attempt that could not reach the adapter
func (m *Manager) failBeforeStart(session domain.TransferSession, cause error) (domain.TransferSession, error) {
	if err := m.register(session.ID, func() {}); err != nil {
		return session, err
	}
	defer m.deregister(session.ID)

	if err := session.Reopen(session.TotalSize, m.now()); err != nil {
		return session, err
	}
	return m.finish(context.Background(), &session, cause)
}

// execute runs one attempt of a transfer through its whole lifecycle
func (m *Manager) execute(ctx context.Context, session domain.TransferSession, a adapter.Adapter, invoke invokeFunc) (domain.TransferSession, error) {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.register(session.ID, cancel); err != nil {
		return session, err
	}
	defer m.deregister(session.ID)

	log := m.log.With("id", session.ID, "connection", session.ConnectionID, "type", string(session.Type))

	if err := m.store.Upsert(session); err != nil {
		return session, fmt.Errorf("failed to persist session: %w", err)
	}

	release, err := m.acquire(tctx, session.ConnectionID, a)
	if err != nil {
		return m.finish(tctx, &session, err)
	}
	defer release()

	if err := session.Transition(domain.StatusActive, m.now()); err != nil {
		return session, err
	}
	if err := m.store.Upsert(session); err != nil {
		return session, fmt.Errorf("failed to persist session: %w", err)
	}
	m.bus.PublishStart(events.StartEvent{Session: session})
	log.Info("Transfer started", "remote", session.RemotePath, "local", session.LocalPath, "total", session.TotalSize)

	t := &tracker{m: m, session: &session, throttle: progress.NewThrottle(m.persistInterval, m.now)}
	cause := safeInvoke(func() error { return invoke(tctx, t.onProgress) })
	t.stop()

	return m.finish(tctx, &session, cause)
}

// safeInvoke converts an adapter panic into an error
func safeInvoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return fn()
}

// finish moves the session to its terminal state, persists it and emits
// the terminal event. Cancellation and failure are kept apart: only a
// failure observed after tctx was cancelled counts as cancellation.
func (m *Manager) finish(tctx context.Context, session *domain.TransferSession, cause error) (domain.TransferSession, error) {
	now := m.now()

	switch {
	case cause == nil:
		if session.TransferredSize > session.TotalSize {
			session.TotalSize = session.TransferredSize
		}
		session.TransferredSize = session.TotalSize
		session.Error = ""
		if err := session.Transition(domain.StatusCompleted, now); err != nil {
			return *session, err
		}
	case tctx.Err() != nil:
		session.Error = ""
		if err := session.Transition(domain.StatusCancelled, now); err != nil {
			return *session, err
		}
	default:
		session.Error = cause.Error()
		if err := session.Transition(domain.StatusError, now); err != nil {
			return *session, err
		}
	}

	log := m.log.With("id", session.ID, "connection", session.ConnectionID)
	if err := m.store.Upsert(*session); err != nil {
		log.Error("Failed to persist final transfer state", "status", string(session.Status), "error", err)
		return *session, fmt.Errorf("failed to persist session: %w", err)
	}

	switch session.Status {
	case domain.StatusCompleted:
		log.Info("Transfer completed", "bytes", session.TransferredSize)
		m.bus.PublishEnd(events.EndEvent{Session: *session})
	case domain.StatusCancelled:
		log.Info("Transfer cancelled", "transferred", session.TransferredSize, "total", session.TotalSize)
		m.bus.PublishEnd(events.EndEvent{Session: *session})
	case domain.StatusError:
		log.Warn("Transfer failed", "kind", string(domain.KindOf(cause)), "error", cause)
		if m.bus.HasErrorListeners() {
			m.bus.PublishError(events.ErrorEvent{Session: *session, Err: cause})
		}
	}

	return *session, nil
}

// tracker applies progress ticks of one attempt to its session
type tracker struct {
	m        *Manager
	throttle *progress.Throttle

	mu      sync.Mutex
	session *domain.TransferSession
	stopped bool
}

// onProgress persists and publishes a tick. Ticks that would move
// progress backwards, or that arrive after the adapter returned, are
// dropped. The lock is held through publishing so events stay ordered.
func (t *tracker) onProgress(transferred, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.session
	if t.stopped || transferred < s.TransferredSize {
		return
	}

	if total > 0 {
		s.TotalSize = total
	}
	if s.TotalSize > 0 && transferred > s.TotalSize {
		s.TotalSize = transferred
	}
	s.TransferredSize = transferred

	if t.throttle.Allow() {
		if err := t.m.store.Upsert(*s); err != nil {
			t.m.log.Warn("Failed to persist transfer progress", "id", s.ID, "error", err)
		}
	}

	t.m.bus.PublishProgress(events.ProgressEvent{
		ID:          s.ID,
		Progress:    s.Progress(),
		Transferred: s.TransferredSize,
		Total:       s.TotalSize,
	})
}

func (t *tracker) stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}
