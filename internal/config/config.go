package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/logger"
)

// Config represents the complete configuration for xferd
type Config struct {
	// DataDir holds the session database and the process lock
	DataDir string `mapstructure:"data_dir"`

	Log LogConfig `mapstructure:"log"`

	Transfers TransferConfig `mapstructure:"transfers"`

	// SFTP tunes the SFTP client; zero values use the adapter defaults
	SFTP SFTPConfig `mapstructure:"sftp"`

	// Connections are the remote endpoints transfers can target
	Connections []domain.Connection `mapstructure:"connections"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`

	// File enables a rotated log file in addition to stderr
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// TransferConfig configures the transfer manager
type TransferConfig struct {
	// PersistInterval throttles progress writes to the session store
	PersistInterval time.Duration `mapstructure:"persist_interval"`

	// Retention is how long finished sessions are kept; 0 keeps them forever
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SFTPConfig tunes github.com/pkg/sftp
type SFTPConfig struct {
	MaxPacketSize      int  `mapstructure:"max_packet_size"`
	ConcurrentRequests int  `mapstructure:"concurrent_requests"`
	BufferSize         int  `mapstructure:"buffer_size"`
	ConcurrentIO       bool `mapstructure:"concurrent_io"`
}

// Validate checks if the configuration is complete and consistent
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir cannot be empty", domain.ErrConfigInvalid)
	}
	if c.Transfers.PersistInterval < 0 || c.Transfers.Retention < 0 || c.Transfers.SweepInterval < 0 {
		return fmt.Errorf("%w: transfer intervals cannot be negative", domain.ErrConfigInvalid)
	}
	if c.SFTP.MaxPacketSize < 0 || c.SFTP.ConcurrentRequests < 0 || c.SFTP.BufferSize < 0 {
		return fmt.Errorf("%w: sftp settings cannot be negative", domain.ErrConfigInvalid)
	}

	ids := make(map[string]bool)
	for _, conn := range c.Connections {
		if err := conn.Validate(); err != nil {
			return err
		}
		if ids[conn.ID] {
			return fmt.Errorf("%w: duplicate connection id: %s", domain.ErrConfigInvalid, conn.ID)
		}
		ids[conn.ID] = true
	}

	return nil
}

// GetConnection returns a connection by id
func (c *Config) GetConnection(id string) (*domain.Connection, error) {
	for i := range c.Connections {
		if c.Connections[i].ID == id {
			return &c.Connections[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, id)
}

// LoggerConfig converts the log section into a logger configuration
func (c *Config) LoggerConfig() logger.Config {
	cfg := logger.Config{
		Level:   logger.ParseLevel(c.Log.Level),
		Format:  logger.ParseFormat(c.Log.Format),
		Outputs: []logger.OutputConfig{{Type: logger.OutputStderr}},
	}
	if c.Log.File != "" {
		cfg.Outputs = append(cfg.Outputs, logger.OutputConfig{Type: logger.OutputFile})
		cfg.File = logger.FileConfig{
			Enabled:    true,
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxAgeDays: c.Log.MaxAgeDays,
			MaxBackups: c.Log.MaxBackups,
			Compress:   c.Log.Compress,
		}
	}
	return cfg
}

// expandPaths resolves ~ and environment variables in every path setting
func (c *Config) expandPaths() {
	c.DataDir = ExpandPath(c.DataDir)
	if c.Log.File != "" {
		c.Log.File = ExpandPath(c.Log.File)
	}
	for i := range c.Connections {
		conn := &c.Connections[i]
		if conn.KeyPath != "" {
			conn.KeyPath = ExpandPath(conn.KeyPath)
		}
		if conn.KnownHostsPath != "" {
			conn.KnownHostsPath = ExpandPath(conn.KnownHostsPath)
		}
		if conn.Root != "" {
			conn.Root = ExpandPath(conn.Root)
		}
	}
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
				path = filepath.Join(home, path[2:])
			} else if len(path) == 1 {
				path = home
			}
		}
	}
	path = os.ExpandEnv(path)
	return filepath.Clean(path)
}
