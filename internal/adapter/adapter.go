package adapter

import (
	"context"
	"os"

	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/progress"
)

// ProgressFunc receives cumulative byte counts during a transfer.
// total is 0 while the size is unknown.
type ProgressFunc = progress.Func

// Adapter defines the uniform contract every protocol implements.
// Implementations wrap their errors with domain.WrapOp so callers can
// tell which protocol failed, and observe ctx at every chunk boundary.
type Adapter interface {
	// Protocol identifies the wire protocol
	Protocol() domain.Protocol

	// List returns the entries of a remote directory.
	// Protocols without listing return domain.ErrUnsupportedOperation
	// immediately, never an empty slice.
	List(ctx context.Context, path string) ([]domain.FileItem, error)

	// Upload writes src to remotePath, reporting progress per chunk.
	// A done ctx aborts the transfer with domain.ErrCancelled.
	Upload(ctx context.Context, src Source, remotePath string, onProgress ProgressFunc) error

	// Download writes remotePath to localPath, reporting progress per chunk
	Download(ctx context.Context, remotePath, localPath string, onProgress ProgressFunc) error

	// Close releases any resources held by the adapter
	Close() error
}

// Deleter is implemented by adapters that can remove remote entries
type Deleter interface {
	Delete(ctx context.Context, path string) error
}

// DirMaker is implemented by adapters that can create remote directories
type DirMaker interface {
	Mkdir(ctx context.Context, path string) error
}

// Renamer is implemented by adapters that can rename remote entries
type Renamer interface {
	Rename(ctx context.Context, from, to string) error
}

// Chmoder is implemented by adapters that can change remote permissions
type Chmoder interface {
	Chmod(ctx context.Context, path string, mode os.FileMode) error
}

// ConcurrencySafe is implemented by adapters that tolerate concurrent
// operations on one instance. Adapters without it are serialized per
// connection by the transfer manager.
type ConcurrencySafe interface {
	ConcurrencySafe() bool
}

// Capabilities lists the optional operations an adapter supports
type Capabilities struct {
	Delete     bool `json:"delete"`
	Mkdir      bool `json:"mkdir"`
	Rename     bool `json:"rename"`
	Chmod      bool `json:"chmod"`
	Concurrent bool `json:"concurrent"`
}

// CapabilitiesOf probes a for optional interfaces
func CapabilitiesOf(a Adapter) Capabilities {
	var caps Capabilities
	_, caps.Delete = a.(Deleter)
	_, caps.Mkdir = a.(DirMaker)
	_, caps.Rename = a.(Renamer)
	_, caps.Chmod = a.(Chmoder)
	caps.Concurrent = IsConcurrencySafe(a)
	return caps
}

// IsConcurrencySafe reports whether a may run operations in parallel
func IsConcurrencySafe(a Adapter) bool {
	cs, ok := a.(ConcurrencySafe)
	return ok && cs.ConcurrencySafe()
}
