package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ning0612/xferd/internal/adapter"
	"github.com/Ning0612/xferd/internal/adapter/local"
	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/events"
	"github.com/Ning0612/xferd/internal/logger"
	"github.com/Ning0612/xferd/internal/store"
	"github.com/Ning0612/xferd/internal/testutil"
)

const testTimeout = 5 * time.Second

func newTestManager(t *testing.T, st store.Store, opts ...func(*Options)) *Manager {
	t.Helper()
	o := Options{Store: st, Logger: &logger.NullLogger{}}
	for _, fn := range opts {
		fn(&o)
	}
	m, err := NewManager(o)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func sequentialIDs() func(*Options) {
	var n int64
	return func(o *Options) {
		o.NewID = func() string { return fmt.Sprintf("t%d", atomic.AddInt64(&n, 1)) }
	}
}

// recorder captures bus events in delivery order
type recorder struct {
	mu       sync.Mutex
	order    []string
	progress []events.ProgressEvent
	ends     []events.EndEvent
	errs     []events.ErrorEvent
}

func record(bus *events.Bus, withErrors bool) *recorder {
	r := &recorder{}
	bus.OnStart(func(events.StartEvent) { r.add("start", nil) })
	bus.OnProgress(func(e events.ProgressEvent) {
		r.add("progress", func() { r.progress = append(r.progress, e) })
	})
	bus.OnEnd(func(e events.EndEvent) {
		r.add("end", func() { r.ends = append(r.ends, e) })
	})
	if withErrors {
		bus.OnError(func(e events.ErrorEvent) {
			r.add("error", func() { r.errs = append(r.errs, e) })
		})
	}
	return r
}

func (r *recorder) add(kind string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, kind)
	if fn != nil {
		fn()
	}
}

func (r *recorder) snapshot() (order []string, progress []events.ProgressEvent, ends []events.EndEvent, errs []events.ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...), append([]events.ProgressEvent(nil), r.progress...),
		append([]events.EndEvent(nil), r.ends...), append([]events.ErrorEvent(nil), r.errs...)
}

type result struct {
	session domain.TransferSession
	err     error
}

func uploadAsync(m *Manager, conn string, src adapter.Source, remote string) <-chan result {
	ch := make(chan result, 1)
	go func() {
		s, err := m.UploadFile(context.Background(), conn, src, remote)
		ch <- result{s, err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(testTimeout):
		t.Fatal("transfer did not finish in time")
		return result{}
	}
}

func waitStarted(t *testing.T, a *testutil.ScriptedAdapter) {
	t.Helper()
	select {
	case <-a.Started():
	case <-time.After(testTimeout):
		t.Fatal("adapter was never invoked")
	}
}

// fakeClock is a settable clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNewManager_RequiresStore(t *testing.T) {
	if _, err := NewManager(Options{}); err == nil {
		t.Fatal("expected error without a store")
	}
}

func TestManager_UploadCompletes(t *testing.T) {
	st := store.NewMemoryStore()
	m := newTestManager(t, st)
	rec := record(m.Events(), true)

	a := testutil.NewScriptedAdapter(100, 4, 0)
	m.RegisterAdapter("conn", a)

	session, err := m.UploadFile(context.Background(), "conn", adapter.BytesSource("a.txt", make([]byte, 100)), "/remote/a.txt")
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}

	if session.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", session.Status, session.Error)
	}
	if session.TotalSize != 100 || session.TransferredSize != 100 {
		t.Errorf("expected 100/100 bytes, got %d/%d", session.TransferredSize, session.TotalSize)
	}
	if session.EndTime == nil {
		t.Error("completed session should have an end time")
	}
	if session.Type != domain.TransferUpload || session.RemotePath != "/remote/a.txt" {
		t.Errorf("unexpected session fields: %+v", session)
	}

	stored, err := st.Get(session.ID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if stored.Status != domain.StatusCompleted || stored.TransferredSize != 100 {
		t.Errorf("stored session out of date: %+v", stored)
	}

	order, progress, ends, errs := rec.snapshot()
	want := []string{"start", "progress", "progress", "progress", "progress", "end"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("event order = %v, want %v", order, want)
	}
	for i, p := range progress {
		wantPct := float64(25 * (i + 1))
		if p.Progress != wantPct || p.ID != session.ID {
			t.Errorf("progress[%d] = %+v, want %.0f%%", i, p, wantPct)
		}
	}
	if len(ends) != 1 || ends[0].Session.Status != domain.StatusCompleted {
		t.Errorf("unexpected end events: %+v", ends)
	}
	if len(errs) != 0 {
		t.Errorf("unexpected error events: %+v", errs)
	}
}

func TestManager_DownloadUnknownSize(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	rec := record(m.Events(), false)

	a := &testutil.ScriptedAdapter{Ticks: []int64{30, 60}}
	m.RegisterAdapter("conn", a)

	session, err := m.DownloadFile(context.Background(), "conn", "/remote/b.bin", "/tmp/b.bin")
	if err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}
	if session.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", session.Status)
	}
	if session.TotalSize != 60 || session.TransferredSize != 60 {
		t.Errorf("expected 60/60, got %d/%d", session.TransferredSize, session.TotalSize)
	}
	if session.Progress() != 100 {
		t.Errorf("completed progress = %v", session.Progress())
	}

	_, progress, _, _ := rec.snapshot()
	for _, p := range progress {
		if p.Progress != 0 {
			t.Errorf("progress with unknown total should be 0, got %v", p.Progress)
		}
	}
}

func TestManager_CancelMidTransfer(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore(), sequentialIDs())
	rec := record(m.Events(), true)

	a := testutil.NewScriptedAdapter(1000, 50, 20*time.Millisecond)
	started := a.Started()
	m.RegisterAdapter("conn", a)

	ch := uploadAsync(m, "conn", adapter.BytesSource("big", make([]byte, 1000)), "/big")
	select {
	case <-started:
	case <-time.After(testTimeout):
		t.Fatal("adapter was never invoked")
	}

	m.CancelTransfer("t1")
	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("UploadFile returned error: %v", r.err)
	}

	if r.session.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", r.session.Status)
	}
	if r.session.Error != "" {
		t.Errorf("cancelled session should carry no error, got %q", r.session.Error)
	}
	if r.session.TransferredSize >= 1000 {
		t.Errorf("transfer should not have finished, transferred %d", r.session.TransferredSize)
	}

	_, _, ends, errs := rec.snapshot()
	if len(ends) != 1 || ends[0].Session.Status != domain.StatusCancelled {
		t.Errorf("expected one cancelled end event, got %+v", ends)
	}
	if len(errs) != 0 {
		t.Errorf("cancellation must not emit error events: %+v", errs)
	}
	if m.isRunning("t1") {
		t.Error("controller should be released after cancellation")
	}
}

func TestManager_CancelFinishedTransferIsNoop(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	m.RegisterAdapter("conn", testutil.NewScriptedAdapter(10, 1, 0))

	session, err := m.UploadFile(context.Background(), "conn", adapter.BytesSource("x", make([]byte, 10)), "/x")
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}

	m.CancelTransfer(session.ID)
	m.CancelTransfer("does-not-exist")

	got, err := m.GetTransfer(session.ID)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("cancelling a finished transfer changed it to %s", got.Status)
	}
}

func TestManager_FailureWithErrorListener(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	rec := record(m.Events(), true)

	a := testutil.NewScriptedAdapter(100, 4, 0)
	a.FailAfter(2, fmt.Errorf("%w: connection reset by peer", domain.ErrConnection))
	m.RegisterAdapter("conn", a)

	session, err := m.UploadFile(context.Background(), "conn", adapter.BytesSource("a", make([]byte, 100)), "/a")
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}

	if session.Status != domain.StatusError {
		t.Fatalf("expected error, got %s", session.Status)
	}
	if !strings.Contains(session.Error, "connection reset by peer") {
		t.Errorf("error message not recorded: %q", session.Error)
	}
	if session.TransferredSize != 50 {
		t.Errorf("expected 50 bytes recorded at failure, got %d", session.TransferredSize)
	}

	_, _, ends, errs := rec.snapshot()
	if len(ends) != 0 {
		t.Errorf("failed transfer must not emit end events: %+v", ends)
	}
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if !errors.Is(errs[0].Err, domain.ErrConnection) {
		t.Errorf("error event lost its cause: %v", errs[0].Err)
	}
	if errs[0].Session.Status != domain.StatusError {
		t.Errorf("error event carries status %s", errs[0].Session.Status)
	}
}

func TestManager_FailureWithoutErrorListener(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	rec := record(m.Events(), false)

	a := testutil.NewScriptedAdapter(100, 4, 0)
	a.FailAfter(1, errors.New("disk full"))
	m.RegisterAdapter("conn", a)

	session, err := m.UploadFile(context.Background(), "conn", adapter.BytesSource("a", make([]byte, 100)), "/a")
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if session.Status != domain.StatusError || session.Error != "sftp upload /a: disk full" {
		t.Errorf("unexpected session: status=%s error=%q", session.Status, session.Error)
	}

	order, _, _, _ := rec.snapshot()
	if order[len(order)-1] == "end" {
		t.Error("failed transfer emitted an end event")
	}
}

func TestManager_AdapterPanicBecomesError(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	a := testutil.NewScriptedAdapter(10, 1, 0)
	a.PanicWith("nil pointer in adapter")
	m.RegisterAdapter("conn", a)

	session, err := m.UploadFile(context.Background(), "conn", adapter.BytesSource("a", make([]byte, 10)), "/a")
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if session.Status != domain.StatusError {
		t.Fatalf("expected error, got %s", session.Status)
	}
	if !strings.Contains(session.Error, "nil pointer in adapter") {
		t.Errorf("panic value not recorded: %q", session.Error)
	}
	if m.isRunning(session.ID) {
		t.Error("controller leaked after panic")
	}
}

func TestManager_AdapterNotRegistered(t *testing.T) {
	st := store.NewMemoryStore()
	m := newTestManager(t, st)

	_, err := m.UploadFile(context.Background(), "missing", adapter.BytesSource("a", nil), "/a")
	if !errors.Is(err, domain.ErrAdapterNotRegistered) {
		t.Errorf("UploadFile: expected ErrAdapterNotRegistered, got %v", err)
	}
	_, err = m.DownloadFile(context.Background(), "missing", "/a", "/tmp/a")
	if !errors.Is(err, domain.ErrAdapterNotRegistered) {
		t.Errorf("DownloadFile: expected ErrAdapterNotRegistered, got %v", err)
	}
	if _, err := m.ListDirectory(context.Background(), "missing", "/"); !errors.Is(err, domain.ErrAdapterNotRegistered) {
		t.Errorf("ListDirectory: expected ErrAdapterNotRegistered, got %v", err)
	}

	all, _ := st.LoadAll()
	if len(all) != 0 {
		t.Errorf("no session should be created, got %d", len(all))
	}
}

func TestManager_ProgressIsMonotonic(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	rec := record(m.Events(), false)

	a := &testutil.ScriptedAdapter{Total: 100, Ticks: []int64{10, 40, 30, 60, 55, 100}}
	m.RegisterAdapter("conn", a)

	if _, err := m.DownloadFile(context.Background(), "conn", "/a", "/tmp/a"); err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}

	_, progress, _, _ := rec.snapshot()
	var got []int64
	for _, p := range progress {
		got = append(got, p.Transferred)
	}
	want := []int64{10, 40, 60, 100}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("progress ticks = %v, want %v", got, want)
	}
}

func TestManager_PersistIntervalThrottlesProgressWrites(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := &countingStore{Store: store.NewMemoryStore()}
	m := newTestManager(t, st, func(o *Options) {
		o.Clock = clock.Now
		o.PersistInterval = time.Minute
	})
	m.RegisterAdapter("conn", testutil.NewScriptedAdapter(100, 10, 0))

	if _, err := m.DownloadFile(context.Background(), "conn", "/a", "/tmp/a"); err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}

	// pending, active, first tick, completed
	if got := st.upserts.Load(); got != 4 {
		t.Errorf("expected 4 writes with a frozen clock, got %d", got)
	}
}

type countingStore struct {
	store.Store
	upserts atomic.Int64
}

func (s *countingStore) Upsert(session domain.TransferSession) error {
	s.upserts.Add(1)
	return s.Store.Upsert(session)
}

func TestManager_ResumeRestartsFromZero(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())

	a := testutil.NewScriptedAdapter(100, 4, 0)
	a.FailAfter(2, errors.New("connection lost"))
	m.RegisterAdapter("conn", a)

	src := adapter.BytesSource("a", make([]byte, 100))
	failed, err := m.UploadFile(context.Background(), "conn", src, "/a")
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if failed.Status != domain.StatusError || failed.TransferredSize != 50 {
		t.Fatalf("unexpected first attempt: %+v", failed)
	}

	rec := record(m.Events(), true)
	a.FailAfter(0, nil)

	resumed, err := m.ResumeTransfer(context.Background(), failed.ID, src)
	if err != nil {
		t.Fatalf("ResumeTransfer failed: %v", err)
	}
	if resumed.ID != failed.ID {
		t.Errorf("resume created a new id %s", resumed.ID)
	}
	if resumed.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", resumed.Status, resumed.Error)
	}
	if resumed.TransferredSize != 100 || resumed.Error != "" {
		t.Errorf("progress should be replaced, not added: %+v", resumed)
	}

	_, progress, _, _ := rec.snapshot()
	if len(progress) == 0 || progress[0].Transferred != 25 {
		t.Errorf("resumed attempt should report from the first chunk: %+v", progress)
	}

	uploads, _ := a.Calls()
	if uploads != 2 {
		t.Errorf("expected 2 adapter uploads, got %d", uploads)
	}

	again, err := m.ResumeTransfer(context.Background(), failed.ID, src)
	if err != nil {
		t.Fatalf("second ResumeTransfer failed: %v", err)
	}
	if again.Status != domain.StatusCompleted || !again.EndTime.Equal(*resumed.EndTime) {
		t.Errorf("resuming a completed transfer should return it unchanged: %+v", again)
	}
	if uploads, _ := a.Calls(); uploads != 2 {
		t.Errorf("completed resume invoked the adapter again (%d uploads)", uploads)
	}
}

func TestManager_ResumeDownloadAfterCancel(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore(), sequentialIDs())

	a := testutil.NewScriptedAdapter(100, 20, 20*time.Millisecond)
	started := a.Started()
	m.RegisterAdapter("conn", a)

	ch := make(chan result, 1)
	go func() {
		s, err := m.DownloadFile(context.Background(), "conn", "/remote", "/tmp/local")
		ch <- result{s, err}
	}()
	<-started
	m.CancelTransfer("t1")
	if r := waitResult(t, ch); r.session.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", r.session.Status)
	}

	a.TickDelay = 0
	resumed, err := m.ResumeTransfer(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("ResumeTransfer failed: %v", err)
	}
	if resumed.Status != domain.StatusCompleted || resumed.TransferredSize != 100 {
		t.Errorf("unexpected resumed download: %+v", resumed)
	}
	if _, downloads := a.Calls(); downloads != 2 {
		t.Errorf("expected 2 downloads, got %d", downloads)
	}
}

func TestManager_ResumeUploadReopensLocalFile(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	dir := t.TempDir()
	path := testutil.CreateTestFileWithSize(t, dir, "data.bin", 64)

	a := testutil.NewScriptedAdapter(0, 2, 0)
	a.Ticks = []int64{32, 64}
	a.FailAfter(1, errors.New("broken pipe"))
	m.RegisterAdapter("conn", a)

	src, err := adapter.FileSource(path)
	if err != nil {
		t.Fatalf("FileSource failed: %v", err)
	}
	failed, err := m.UploadFile(context.Background(), "conn", src, "/data.bin")
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if failed.LocalPath != path {
		t.Errorf("local path not recorded: %q", failed.LocalPath)
	}

	a.FailAfter(0, nil)
	resumed, err := m.ResumeTransfer(context.Background(), failed.ID, nil)
	if err != nil {
		t.Fatalf("ResumeTransfer failed: %v", err)
	}
	if resumed.Status != domain.StatusCompleted || resumed.TotalSize != 64 {
		t.Errorf("unexpected resumed upload: %+v", resumed)
	}
}

func TestManager_ResumeUploadWithoutSourceFails(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	rec := record(m.Events(), true)

	a := testutil.NewScriptedAdapter(10, 2, 0)
	a.FailAfter(1, errors.New("timeout"))
	m.RegisterAdapter("conn", a)

	failed, _ := m.UploadFile(context.Background(), "conn", adapter.BytesSource("mem", make([]byte, 10)), "/mem")

	resumed, err := m.ResumeTransfer(context.Background(), failed.ID, nil)
	if err != nil {
		t.Fatalf("ResumeTransfer failed: %v", err)
	}
	if resumed.Status != domain.StatusError {
		t.Fatalf("expected error, got %s", resumed.Status)
	}
	if resumed.TransferredSize != 0 {
		t.Errorf("new attempt should start at zero, got %d", resumed.TransferredSize)
	}
	if uploads, _ := a.Calls(); uploads != 1 {
		t.Errorf("adapter should not be invoked without a source, got %d uploads", uploads)
	}
	_, _, _, errs := rec.snapshot()
	if len(errs) != 2 {
		t.Errorf("expected an error event per attempt, got %d", len(errs))
	}
}

func TestManager_ResumeErrors(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore(), sequentialIDs())

	if _, err := m.ResumeTransfer(context.Background(), "nope", nil); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	a := testutil.NewScriptedAdapter(100, 50, 20*time.Millisecond)
	started := a.Started()
	m.RegisterAdapter("conn", a)

	ch := uploadAsync(m, "conn", adapter.BytesSource("a", make([]byte, 100)), "/a")
	<-started

	if _, err := m.ResumeTransfer(context.Background(), "t1", nil); !errors.Is(err, domain.ErrTransferInProgress) {
		t.Errorf("expected ErrTransferInProgress, got %v", err)
	}

	m.CancelTransfer("t1")
	waitResult(t, ch)
}

func TestManager_TransfersAreIsolated(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore(), sequentialIDs())

	slow := testutil.NewScriptedAdapter(100, 50, 20*time.Millisecond)
	started := slow.Started()
	fast := testutil.NewScriptedAdapter(100, 5, 5*time.Millisecond)
	m.RegisterAdapter("slow", slow)
	m.RegisterAdapter("fast", fast)

	slowCh := uploadAsync(m, "slow", adapter.BytesSource("s", make([]byte, 100)), "/s")
	<-started
	fastCh := uploadAsync(m, "fast", adapter.BytesSource("f", make([]byte, 100)), "/f")

	m.CancelTransfer("t1")

	if r := waitResult(t, slowCh); r.session.Status != domain.StatusCancelled {
		t.Errorf("slow transfer: expected cancelled, got %s", r.session.Status)
	}
	if r := waitResult(t, fastCh); r.session.Status != domain.StatusCompleted {
		t.Errorf("fast transfer: expected completed, got %s", r.session.Status)
	}
}

func TestManager_SerializesUnsafeAdapter(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	a := testutil.NewScriptedAdapter(40, 4, 5*time.Millisecond)
	a.Unsafe = true
	m.RegisterAdapter("conn", a)

	var wg sync.WaitGroup
	var completed atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.UploadFile(context.Background(), "conn", adapter.BytesSource("f", make([]byte, 40)), fmt.Sprintf("/f%d", i))
			if err == nil && s.Status == domain.StatusCompleted {
				completed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if completed.Load() != 4 {
		t.Errorf("expected 4 completed transfers, got %d", completed.Load())
	}
	if got := a.MaxInFlight(); got != 1 {
		t.Errorf("unsafe adapter ran %d transfers at once", got)
	}
}

func TestManager_ConcurrentSafeAdapter(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	a := testutil.NewScriptedAdapter(40, 5, 20*time.Millisecond)
	m.RegisterAdapter("conn", a)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.UploadFile(context.Background(), "conn", adapter.BytesSource("f", make([]byte, 40)), fmt.Sprintf("/f%d", i))
		}(i)
	}
	wg.Wait()

	if got := a.MaxInFlight(); got < 2 {
		t.Errorf("expected overlapping transfers, max in flight %d", got)
	}

	sessions, err := m.GetActiveTransfers("conn")
	if err != nil {
		t.Fatalf("GetActiveTransfers failed: %v", err)
	}
	if len(sessions) != 4 {
		t.Errorf("expected 4 sessions, got %d", len(sessions))
	}
}

func TestManager_UnsupportedCapabilities(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	m.RegisterAdapter("conn", testutil.NewScriptedAdapter(1, 1, 0))
	ctx := context.Background()

	caps, err := m.Capabilities("conn")
	if err != nil {
		t.Fatalf("Capabilities failed: %v", err)
	}
	if caps.Delete || caps.Mkdir || caps.Rename || caps.Chmod || !caps.Concurrent {
		t.Errorf("unexpected capabilities: %+v", caps)
	}

	checks := map[string]error{
		"delete": m.DeleteFile(ctx, "conn", "/a"),
		"mkdir":  m.CreateDirectory(ctx, "conn", "/d"),
		"rename": m.RenameFile(ctx, "conn", "/a", "/b"),
		"chmod":  m.ChangePermissions(ctx, "conn", "/a", 0600),
	}
	for op, err := range checks {
		if !errors.Is(err, domain.ErrUnsupportedOperation) {
			t.Errorf("%s: expected ErrUnsupportedOperation, got %v", op, err)
		}
	}
}

func TestManager_LocalAdapterRoundTrip(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()

	remoteRoot := t.TempDir()
	a, err := local.New(remoteRoot)
	if err != nil {
		t.Fatalf("local.New failed: %v", err)
	}
	m.RegisterAdapter("local", a)

	workDir := t.TempDir()
	content := testutil.RandomBytes(200 * 1024)
	srcPath := testutil.CreateTestFile(t, workDir, "payload.bin", content)

	if err := m.CreateDirectory(ctx, "local", "/incoming"); err != nil {
		t.Fatalf("CreateDirectory failed: %v", err)
	}

	src, err := adapter.FileSource(srcPath)
	if err != nil {
		t.Fatalf("FileSource failed: %v", err)
	}
	up, err := m.UploadFile(ctx, "local", src, "/incoming/payload.bin")
	if err != nil || up.Status != domain.StatusCompleted {
		t.Fatalf("upload failed: %v %+v", err, up)
	}
	if up.TotalSize != int64(len(content)) {
		t.Errorf("upload total = %d, want %d", up.TotalSize, len(content))
	}

	items, err := m.ListDirectory(ctx, "local", "/incoming")
	if err != nil {
		t.Fatalf("ListDirectory failed: %v", err)
	}
	if len(items) != 1 || items[0].Name != "payload.bin" || items[0].Size != int64(len(content)) {
		t.Errorf("unexpected listing: %+v", items)
	}

	if err := m.RenameFile(ctx, "local", "/incoming/payload.bin", "/incoming/renamed.bin"); err != nil {
		t.Fatalf("RenameFile failed: %v", err)
	}
	if err := m.ChangePermissions(ctx, "local", "/incoming/renamed.bin", 0600); err != nil {
		t.Fatalf("ChangePermissions failed: %v", err)
	}

	dst := filepath.Join(workDir, "out", "copy.bin")
	down, err := m.DownloadFile(ctx, "local", "/incoming/renamed.bin", dst)
	if err != nil || down.Status != domain.StatusCompleted {
		t.Fatalf("download failed: %v %+v", err, down)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("downloaded content differs from upload")
	}

	if err := m.DeleteFile(ctx, "local", "/incoming/renamed.bin"); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	missing, err := m.DownloadFile(ctx, "local", "/incoming/renamed.bin", dst)
	if err != nil {
		t.Fatalf("DownloadFile returned error: %v", err)
	}
	if missing.Status != domain.StatusError || !strings.Contains(missing.Error, "not found") {
		t.Errorf("expected not-found failure, got %+v", missing)
	}
}

func TestManager_SessionsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st1, err := store.NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	m1 := newTestManager(t, st1)
	a1 := testutil.NewScriptedAdapter(100, 4, 0)
	a1.FailAfter(3, errors.New("link down"))
	m1.RegisterAdapter("conn", a1)

	failed, err := m1.UploadFile(ctx, "conn", adapter.BytesSource("a", make([]byte, 100)), "/a")
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}

	interrupted := domain.NewTransferSession("crashed", "conn", domain.TransferDownload, "/tmp/c", "/c", 100, time.Now())
	interrupted.Status = domain.StatusActive
	interrupted.TransferredSize = 40
	if err := st1.Upsert(interrupted); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	m1.Shutdown(ctx)
	if err := st1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	st2, err := store.NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st2.Close()
	m2 := newTestManager(t, st2)
	a2 := testutil.NewScriptedAdapter(100, 4, 0)
	m2.RegisterAdapter("conn", a2)

	sessions, err := m2.GetActiveTransfers("conn")
	if err != nil {
		t.Fatalf("GetActiveTransfers failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 persisted sessions, got %d", len(sessions))
	}

	stored, err := m2.GetTransfer(failed.ID)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if stored.Status != domain.StatusError || stored.TransferredSize != 75 || stored.Error != failed.Error {
		t.Errorf("failed session not restored: %+v", stored)
	}

	pending, err := m2.Interrupted()
	if err != nil {
		t.Fatalf("Interrupted failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "crashed" {
		t.Fatalf("expected the crashed session, got %+v", pending)
	}

	resumed, err := m2.ResumeTransfer(ctx, "crashed", nil)
	if err != nil {
		t.Fatalf("ResumeTransfer failed: %v", err)
	}
	if resumed.Status != domain.StatusCompleted || resumed.TransferredSize != 100 {
		t.Errorf("unexpected resumed session: %+v", resumed)
	}
	if pending, _ := m2.Interrupted(); len(pending) != 0 {
		t.Errorf("nothing should be interrupted after resume, got %d", len(pending))
	}
}

func TestManager_ShutdownCancelsTransfers(t *testing.T) {
	st := store.NewMemoryStore()
	m, err := NewManager(Options{Store: st, Logger: &logger.NullLogger{}})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	a := testutil.NewScriptedAdapter(100, 100, 20*time.Millisecond)
	started := a.Started()
	m.RegisterAdapter("conn", a)

	ch := uploadAsync(m, "conn", adapter.BytesSource("a", make([]byte, 100)), "/a")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	r := waitResult(t, ch)
	if r.session.Status != domain.StatusCancelled {
		t.Errorf("expected cancelled, got %s", r.session.Status)
	}

	if _, err := m.UploadFile(context.Background(), "conn", adapter.BytesSource("b", nil), "/b"); !errors.Is(err, domain.ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed, got %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown should be a no-op, got %v", err)
	}
}

func TestManager_Prune(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	m := newTestManager(t, st, func(o *Options) { o.Clock = clock.Now })
	m.RegisterAdapter("conn", testutil.NewScriptedAdapter(10, 1, 0))

	done, _ := m.UploadFile(context.Background(), "conn", adapter.BytesSource("a", make([]byte, 10)), "/a")

	running := domain.NewTransferSession("running", "conn", domain.TransferUpload, "", "/r", 10, clock.Now())
	st.Upsert(running)

	clock.Advance(2 * time.Hour)

	n, err := m.Prune(time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned session, got %d", n)
	}
	if _, err := m.GetTransfer(done.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("terminal session should be pruned, got %v", err)
	}
	if _, err := m.GetTransfer("running"); err != nil {
		t.Errorf("non-terminal session must be kept: %v", err)
	}
}

func TestManager_StartSweepsRetention(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	m := newTestManager(t, st, func(o *Options) {
		o.Clock = clock.Now
		o.Retention = time.Hour
		o.SweepInterval = 10 * time.Millisecond
	})
	m.RegisterAdapter("conn", testutil.NewScriptedAdapter(10, 1, 0))

	done, _ := m.UploadFile(context.Background(), "conn", adapter.BytesSource("a", make([]byte, 10)), "/a")
	clock.Advance(3 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	testutil.AssertEventually(t, testTimeout, func() bool {
		_, err := st.Get(done.ID)
		return errors.Is(err, domain.ErrSessionNotFound)
	}, "retention sweep did not prune the finished session")
}

func TestManager_RegisterAdapterReplacesAndCloses(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	old := &closeTracking{ScriptedAdapter: testutil.NewScriptedAdapter(1, 1, 0)}
	m.RegisterAdapter("conn", old)
	m.RegisterAdapter("conn", testutil.NewScriptedAdapter(1, 1, 0))

	if !old.closed.Load() {
		t.Error("replaced adapter was not closed")
	}
}

type closeTracking struct {
	*testutil.ScriptedAdapter
	closed atomic.Bool
}

func (c *closeTracking) Close() error {
	c.closed.Store(true)
	return nil
}
