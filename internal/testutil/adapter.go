package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Ning0612/xferd/internal/adapter"
	"github.com/Ning0612/xferd/internal/domain"
)

// ScriptedAdapter is an adapter.Adapter whose transfers replay a fixed
// sequence of progress ticks. It supports no optional capabilities.
type ScriptedAdapter struct {
	// Proto is reported by Protocol; defaults to sftp
	Proto domain.Protocol

	// Total is reported with every tick; 0 means the upload source size
	Total int64

	// Ticks are cumulative transferred values, one per chunk
	Ticks []int64

	// TickDelay is waited before each tick, observing cancellation
	TickDelay time.Duration

	// Unsafe makes the adapter report that it is not concurrency-safe
	Unsafe bool

	// Items is returned by List
	Items []domain.FileItem

	mu          sync.Mutex
	failAfter   int
	failErr     error
	panicMsg    string
	uploads     int
	downloads   int
	inFlight    int
	maxInFlight int
	started     chan struct{}
}

// NewScriptedAdapter creates an adapter that reports total bytes in ticks
// equal steps
func NewScriptedAdapter(total int64, ticks int, delay time.Duration) *ScriptedAdapter {
	a := &ScriptedAdapter{Total: total, TickDelay: delay}
	for i := 1; i <= ticks; i++ {
		a.Ticks = append(a.Ticks, total*int64(i)/int64(ticks))
	}
	return a
}

// FailAfter makes subsequent transfers return err after n ticks.
// A nil err clears the failure.
func (a *ScriptedAdapter) FailAfter(n int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failAfter = n
	a.failErr = err
}

// PanicWith makes subsequent transfers panic with msg. Empty clears it.
func (a *ScriptedAdapter) PanicWith(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.panicMsg = msg
}

// Started returns a channel that receives once per transfer when it begins
func (a *ScriptedAdapter) Started() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started == nil {
		a.started = make(chan struct{}, 64)
	}
	return a.started
}

// Calls returns how many uploads and downloads were invoked
func (a *ScriptedAdapter) Calls() (uploads, downloads int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploads, a.downloads
}

// MaxInFlight returns the highest number of concurrent transfers observed
func (a *ScriptedAdapter) MaxInFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxInFlight
}

func (a *ScriptedAdapter) Protocol() domain.Protocol {
	if a.Proto == "" {
		return domain.ProtocolSFTP
	}
	return a.Proto
}

func (a *ScriptedAdapter) ConcurrencySafe() bool { return !a.Unsafe }

func (a *ScriptedAdapter) List(ctx context.Context, path string) ([]domain.FileItem, error) {
	if ctx.Err() != nil {
		return nil, domain.WrapOp(a.Protocol(), "list", path, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err()))
	}
	return append([]domain.FileItem(nil), a.Items...), nil
}

func (a *ScriptedAdapter) Upload(ctx context.Context, src adapter.Source, remotePath string, onProgress adapter.ProgressFunc) error {
	total := a.Total
	if total == 0 {
		total = src.Size()
	}
	a.mu.Lock()
	a.uploads++
	a.mu.Unlock()
	return domain.WrapOp(a.Protocol(), "upload", remotePath, a.play(ctx, total, onProgress))
}

func (a *ScriptedAdapter) Download(ctx context.Context, remotePath, localPath string, onProgress adapter.ProgressFunc) error {
	a.mu.Lock()
	a.downloads++
	a.mu.Unlock()
	return domain.WrapOp(a.Protocol(), "download", remotePath, a.play(ctx, a.Total, onProgress))
}

func (a *ScriptedAdapter) play(ctx context.Context, total int64, onProgress adapter.ProgressFunc) error {
	a.mu.Lock()
	a.inFlight++
	if a.inFlight > a.maxInFlight {
		a.maxInFlight = a.inFlight
	}
	failAfter, failErr, panicMsg := a.failAfter, a.failErr, a.panicMsg
	started := a.started
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.inFlight--
		a.mu.Unlock()
	}()

	if started != nil {
		started <- struct{}{}
	}
	if panicMsg != "" {
		panic(panicMsg)
	}

	for i, tick := range a.Ticks {
		if a.TickDelay > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
			case <-time.After(a.TickDelay):
			}
		} else if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}

		onProgress(tick, total)

		if failErr != nil && i+1 == failAfter {
			return failErr
		}
	}
	return nil
}

func (a *ScriptedAdapter) Close() error { return nil }

var _ adapter.Adapter = (*ScriptedAdapter)(nil)
