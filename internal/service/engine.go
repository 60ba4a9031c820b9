// Package service wires configuration, storage and adapters into a
// running transfer engine.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ning0612/xferd/internal/adapter/sftp"
	"github.com/Ning0612/xferd/internal/config"
	"github.com/Ning0612/xferd/internal/connector"
	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/lock"
	"github.com/Ning0612/xferd/internal/logger"
	"github.com/Ning0612/xferd/internal/store"
	"github.com/Ning0612/xferd/internal/transfer"
)

// Options configures an Engine
type Options struct {
	// Command is recorded in the data directory lock
	Command string

	Logger logger.Logger
}

// Engine owns the data directory for one process: its lock, the session
// database and a transfer manager with one adapter per connection
type Engine struct {
	cfg     *config.Config
	log     logger.Logger
	lock    *lock.DirLock
	store   *store.SQLiteStore
	manager *transfer.Manager
}

// NewEngine locks cfg.DataDir, opens the session store and registers an
// adapter for every configured connection
func NewEngine(cfg *config.Config, opts Options) (_ *Engine, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}

	dirLock, err := lock.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create data directory lock: %w", err)
	}
	if err := dirLock.Acquire(opts.Command); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			dirLock.Release()
		}
	}()

	st, err := store.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	manager, err := transfer.NewManager(transfer.Options{
		Store:           st,
		Logger:          opts.Logger,
		PersistInterval: cfg.Transfers.PersistInterval,
		Retention:       cfg.Transfers.Retention,
		SweepInterval:   cfg.Transfers.SweepInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer manager: %w", err)
	}

	connOpts := connector.Options{
		Logger: opts.Logger,
		SFTP: sftp.Options{
			MaxPacketSize:      cfg.SFTP.MaxPacketSize,
			ConcurrentRequests: cfg.SFTP.ConcurrentRequests,
			ConcurrentIO:       cfg.SFTP.ConcurrentIO,
			BufferSize:         cfg.SFTP.BufferSize,
		},
	}
	for _, conn := range cfg.Connections {
		a, openErr := connector.Open(conn, connOpts)
		if openErr != nil {
			manager.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to set up connection %s: %w", conn.ID, openErr)
		}
		manager.RegisterAdapter(conn.ID, a)
	}

	opts.Logger.Debug("Engine ready", "data_dir", cfg.DataDir, "connections", len(cfg.Connections))

	return &Engine{
		cfg:     cfg,
		log:     opts.Logger,
		lock:    dirLock,
		store:   st,
		manager: manager,
	}, nil
}

// Manager returns the transfer manager
func (e *Engine) Manager() *transfer.Manager {
	return e.manager
}

// Connection returns a configured connection by id
func (e *Engine) Connection(id string) (*domain.Connection, error) {
	return e.cfg.GetConnection(id)
}

// Connections returns the configured connections
func (e *Engine) Connections() []domain.Connection {
	return e.cfg.Connections
}

// Start launches background work such as the retention sweep
func (e *Engine) Start(ctx context.Context) error {
	return e.manager.Start(ctx)
}

// Close cancels running transfers, then releases the store and the lock
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close session store: %w", err))
	}
	if err := e.lock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release data directory: %w", err))
	}
	return errors.Join(errs...)
}
