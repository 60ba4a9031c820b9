package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Ning0612/xferd/internal/adapter"
	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/events"
	"github.com/Ning0612/xferd/internal/logger"
	"github.com/Ning0612/xferd/internal/scheduler"
	"github.com/Ning0612/xferd/internal/store"
)

// Options configures a Manager
type Options struct {
	// Store persists sessions (required)
	Store store.Store

	// Bus receives lifecycle events; a new bus is created when nil
	Bus *events.Bus

	Logger logger.Logger

	// PersistInterval throttles progress writes. Zero persists every tick.
	// Status transitions are always written.
	PersistInterval time.Duration

	// Retention enables a periodic sweep of terminal sessions older than
	// Retention. Zero keeps sessions until pruned explicitly.
	Retention     time.Duration
	SweepInterval time.Duration

	// Clock and NewID are overridable for tests
	Clock func() time.Time
	NewID func() string
}

// Manager drives uploads and downloads across registered adapters.
// Each transfer runs on the caller's goroutine with its own cancellable
// context; any number may run at once.
type Manager struct {
	store           store.Store
	bus             *events.Bus
	log             logger.Logger
	now             func() time.Time
	newID           func() string
	persistInterval time.Duration
	retention       time.Duration
	sweepInterval   time.Duration

	mu          sync.Mutex
	adapters    map[string]adapter.Adapter
	slots       map[string]*semaphore.Weighted
	controllers map[string]context.CancelFunc
	closed      bool
	sweeper     *scheduler.IntervalScheduler

	inflight sync.WaitGroup
}

// NewManager creates a new transfer manager
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session store cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Retention > 0 && opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Hour
	}

	return &Manager{
		store:           opts.Store,
		bus:             opts.Bus,
		log:             opts.Logger.With("component", "transfer"),
		now:             opts.Clock,
		newID:           opts.NewID,
		persistInterval: opts.PersistInterval,
		retention:       opts.Retention,
		sweepInterval:   opts.SweepInterval,
		adapters:        make(map[string]adapter.Adapter),
		slots:           make(map[string]*semaphore.Weighted),
		controllers:     make(map[string]context.CancelFunc),
	}, nil
}

// Events returns the bus transfer events are published on
func (m *Manager) Events() *events.Bus {
	return m.bus
}

// Start launches the retention sweep when retention is configured
func (m *Manager) Start(ctx context.Context) error {
	if m.retention <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.ErrManagerClosed
	}
	if m.sweeper != nil {
		return fmt.Errorf("transfer manager already started")
	}

	sweeper, err := scheduler.NewIntervalScheduler(scheduler.Config{
		Name:       "session-retention",
		Interval:   m.sweepInterval,
		RunOnStart: true,
	}, scheduler.RunnerFunc(m.sweep), m.log)
	if err != nil {
		return fmt.Errorf("failed to create retention sweep: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retention sweep: %w", err)
	}

	m.sweeper = sweeper
	return nil
}

func (m *Manager) sweep(ctx context.Context) error {
	n, err := m.Prune(m.retention)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Info("Pruned finished transfer sessions", "count", n, "retention", m.retention.String())
	}
	return nil
}

// Prune removes terminal sessions that ended more than olderThan ago
func (m *Manager) Prune(olderThan time.Duration) (int, error) {
	return m.store.PruneTerminal(m.now().Add(-olderThan))
}

// Shutdown cancels every in-flight transfer, waits for them to record
// their final state, then closes all adapters. The store is left open
// for its owner to close.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, cancel := range m.controllers {
		cancel()
	}
	sweeper := m.sweeper
	adapters := m.adapters
	m.adapters = make(map[string]adapter.Adapter)
	m.mu.Unlock()

	if sweeper != nil {
		sweeper.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("timed out waiting for transfers to stop: %w", ctx.Err())
	}

	var errs []error
	for id, a := range adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close adapter %s: %w", id, err))
		}
	}

	return errors.Join(append([]error{waitErr}, errs...)...)
}

// RegisterAdapter binds a to connectionID, closing any adapter it replaces
func (m *Manager) RegisterAdapter(connectionID string, a adapter.Adapter) {
	m.mu.Lock()
	old, replaced := m.adapters[connectionID]
	m.adapters[connectionID] = a
	m.mu.Unlock()

	if replaced && old != a {
		if err := old.Close(); err != nil {
			m.log.Warn("Failed to close replaced adapter", "connection", connectionID, "error", err)
		}
	}
	m.log.Debug("Adapter registered", "connection", connectionID, "protocol", string(a.Protocol()))
}

// Capabilities reports the optional operations of a connection's adapter
func (m *Manager) Capabilities(connectionID string) (adapter.Capabilities, error) {
	a, err := m.adapter(connectionID)
	if err != nil {
		return adapter.Capabilities{}, err
	}
	return adapter.CapabilitiesOf(a), nil
}

func (m *Manager) adapter(connectionID string) (adapter.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, domain.ErrManagerClosed
	}
	a, ok := m.adapters[connectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAdapterNotRegistered, connectionID)
	}
	return a, nil
}

// acquire serializes operations on adapters that are not concurrency-safe.
// Waiting observes ctx.
func (m *Manager) acquire(ctx context.Context, connectionID string, a adapter.Adapter) (func(), error) {
	if adapter.IsConcurrencySafe(a) {
		return func() {}, nil
	}

	m.mu.Lock()
	slot, ok := m.slots[connectionID]
	if !ok {
		slot = semaphore.NewWeighted(1)
		m.slots[connectionID] = slot
	}
	m.mu.Unlock()

	if err := slot.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}
	return func() { slot.Release(1) }, nil
}

// ListDirectory lists path on the connection's adapter
func (m *Manager) ListDirectory(ctx context.Context, connectionID, path string) ([]domain.FileItem, error) {
	var items []domain.FileItem
	err := m.withAdapter(ctx, connectionID, func(a adapter.Adapter) error {
		var err error
		items, err = a.List(ctx, path)
		return domain.WrapOp(a.Protocol(), "list", path, err)
	})
	return items, err
}

// DeleteFile removes path if the adapter supports deletion
func (m *Manager) DeleteFile(ctx context.Context, connectionID, path string) error {
	return m.withAdapter(ctx, connectionID, func(a adapter.Adapter) error {
		d, ok := a.(adapter.Deleter)
		if !ok {
			return unsupported(a, "delete", path)
		}
		return domain.WrapOp(a.Protocol(), "delete", path, d.Delete(ctx, path))
	})
}

// CreateDirectory creates path if the adapter supports it
func (m *Manager) CreateDirectory(ctx context.Context, connectionID, path string) error {
	return m.withAdapter(ctx, connectionID, func(a adapter.Adapter) error {
		d, ok := a.(adapter.DirMaker)
		if !ok {
			return unsupported(a, "mkdir", path)
		}
		return domain.WrapOp(a.Protocol(), "mkdir", path, d.Mkdir(ctx, path))
	})
}

// RenameFile renames from to to if the adapter supports it
func (m *Manager) RenameFile(ctx context.Context, connectionID, from, to string) error {
	return m.withAdapter(ctx, connectionID, func(a adapter.Adapter) error {
		r, ok := a.(adapter.Renamer)
		if !ok {
			return unsupported(a, "rename", from)
		}
		return domain.WrapOp(a.Protocol(), "rename", from, r.Rename(ctx, from, to))
	})
}

// ChangePermissions sets the permission bits of path if the adapter supports it
func (m *Manager) ChangePermissions(ctx context.Context, connectionID, path string, mode os.FileMode) error {
	return m.withAdapter(ctx, connectionID, func(a adapter.Adapter) error {
		c, ok := a.(adapter.Chmoder)
		if !ok {
			return unsupported(a, "chmod", path)
		}
		return domain.WrapOp(a.Protocol(), "chmod", path, c.Chmod(ctx, path, mode))
	})
}

func unsupported(a adapter.Adapter, op, path string) error {
	return domain.WrapOp(a.Protocol(), op, path, domain.ErrUnsupportedOperation)
}

// withAdapter resolves the adapter and runs fn inside its connection slot
func (m *Manager) withAdapter(ctx context.Context, connectionID string, fn func(adapter.Adapter) error) error {
	a, err := m.adapter(connectionID)
	if err != nil {
		return err
	}

	release, err := m.acquire(ctx, connectionID, a)
	if err != nil {
		return err
	}
	defer release()

	return fn(a)
}

// GetActiveTransfers returns every persisted session of the connection,
// in-flight or terminal, until pruned
func (m *Manager) GetActiveTransfers(connectionID string) ([]domain.TransferSession, error) {
	sessions, err := m.store.ListByConnection(connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	return sessions, nil
}

// GetTransfer returns one persisted session
func (m *Manager) GetTransfer(transferID string) (domain.TransferSession, error) {
	return m.store.Get(transferID)
}

// Interrupted returns persisted sessions left pending or active with no
// running controller, typically after a crash. They can be resumed.
func (m *Manager) Interrupted() ([]domain.TransferSession, error) {
	all, err := m.store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	var result []domain.TransferSession
	for _, s := range all {
		if !s.Status.IsTerminal() && !m.isRunning(s.ID) {
			result = append(result, s)
		}
	}
	return result, nil
}

// CancelTransfer signals the transfer's cancellation context. Unknown or
// finished transfers are ignored.
func (m *Manager) CancelTransfer(transferID string) {
	m.mu.Lock()
	cancel, ok := m.controllers[transferID]
	m.mu.Unlock()

	if ok {
		m.log.Info("Cancelling transfer", "id", transferID)
		cancel()
	}
}

func (m *Manager) isRunning(transferID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.controllers[transferID]
	return ok
}

// register claims the controller slot for a transfer id
func (m *Manager) register(transferID string, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.ErrManagerClosed
	}
	if _, ok := m.controllers[transferID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrTransferInProgress, transferID)
	}
	m.controllers[transferID] = cancel
	m.inflight.Add(1)
	return nil
}

func (m *Manager) deregister(transferID string) {
	m.mu.Lock()
	delete(m.controllers, transferID)
	m.mu.Unlock()
	m.inflight.Done()
}
