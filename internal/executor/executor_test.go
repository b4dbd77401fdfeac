package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/LightspeedDMS/ssh-mcp/internal/browserbuf"
	"github.com/LightspeedDMS/ssh-mcp/internal/model"
)

type fakeAdapter struct {
	mu         sync.Mutex
	writes     []string
	interrupts int
	signals    []ssh.Signal
	signalErr  error
	writeErr   error
}

func (a *fakeAdapter) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writeErr != nil {
		return 0, a.writeErr
	}
	a.writes = append(a.writes, string(p))
	return len(p), nil
}

func (a *fakeAdapter) Interrupt() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupts++
	return nil
}

func (a *fakeAdapter) SendSignal(sig ssh.Signal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signals = append(a.signals, sig)
	return a.signalErr
}

func (a *fakeAdapter) interruptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupts
}

func (a *fakeAdapter) lastWrite() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.writes) == 0 {
		return ""
	}
	return a.writes[len(a.writes)-1]
}

type fakeFilter struct {
	mu      sync.Mutex
	submits []string
}

func (f *fakeFilter) Submit(command string, needsEchoInjection bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, command)
}

type lockEvent struct {
	locked bool
	source model.Source
}

type harness struct {
	exec    *Executor
	adapter *fakeAdapter
	filter  *fakeFilter
	bufr    *browserbuf.Buffer

	mu    sync.Mutex
	locks []lockEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{adapter: &fakeAdapter{}, filter: &fakeFilter{}, bufr: browserbuf.New()}
	h.exec = New(h.adapter, h.filter, h.bufr, func(locked bool, commandID string, src model.Source) {
		h.mu.Lock()
		h.locks = append(h.locks, lockEvent{locked, src})
		h.mu.Unlock()
	})
	t.Cleanup(h.exec.Shutdown)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.exec.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("executor never reached state %s (stuck at %s)", want, h.exec.State())
}

type submitResult struct {
	res model.CommandResult
	err *model.Error
}

func (h *harness) submitAsync(req Request) chan submitResult {
	done := make(chan submitResult, 1)
	go func() {
		res, err := h.exec.Submit(context.Background(), req)
		done <- submitResult{res, err}
	}()
	return done
}

func awaitResult(t *testing.T, done chan submitResult) submitResult {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for submission to resolve")
	}
	return submitResult{}
}

func TestSubmitCompletesAndWrapsCommand(t *testing.T) {
	h := newHarness(t)
	done := h.submitAsync(Request{Command: "whoami", CommandID: "c1", Source: model.SourceAgent})
	h.waitState(t, StateRunning)

	if got := h.adapter.lastWrite(); !strings.Contains(got, "whoami; echo __rc:$?") {
		t.Errorf("adapter write = %q, want exit-code wrapped command", got)
	}

	h.exec.Complete(model.CommandResult{Stdout: "testuser\n", ExitCode: 0})
	out := awaitResult(t, done)
	if out.err != nil {
		t.Fatalf("unexpected error: %v", out.err)
	}
	if out.res.Stdout != "testuser\n" || out.res.ExitCode != 0 {
		t.Errorf("result = %+v", out.res)
	}
	h.waitState(t, StateIdle)
}

func TestLockStateTransitions(t *testing.T) {
	h := newHarness(t)
	done := h.submitAsync(Request{Command: "true", CommandID: "c1", Source: model.SourceUser})
	h.waitState(t, StateRunning)
	h.exec.Complete(model.CommandResult{ExitCode: 0})
	awaitResult(t, done)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.locks) != 2 || !h.locks[0].locked || h.locks[1].locked {
		t.Errorf("lock events = %+v, want [locked, unlocked]", h.locks)
	}
}

func TestAgentGatedByBrowserCommands(t *testing.T) {
	h := newHarness(t)
	h.bufr.Append(model.BrowserCommandRecord{
		Command:   "pwd",
		CommandID: "b-1",
		Source:    model.SourceUser,
		Result:    model.CommandResult{ExitCode: 0, Stdout: "/home/testuser\n"},
	})

	_, err := h.exec.Submit(context.Background(), Request{Command: "date", Source: model.SourceAgent})
	if err == nil || err.Kind != model.ErrBrowserCommandsExecuted {
		t.Fatalf("err = %v, want browser-commands-executed", err)
	}
	if !err.RetryAllowed {
		t.Error("gating error must set RetryAllowed")
	}
	if len(err.BrowserCommands) != 1 || err.BrowserCommands[0].CommandID != "b-1" {
		t.Errorf("gating payload = %+v", err.BrowserCommands)
	}
	if h.bufr.Size() != 0 {
		t.Errorf("buffer not drained by gating error, size = %d", h.bufr.Size())
	}

	// The immediately following submission proceeds normally.
	done := h.submitAsync(Request{Command: "date", Source: model.SourceAgent})
	h.waitState(t, StateRunning)
	h.exec.Complete(model.CommandResult{ExitCode: 0})
	if out := awaitResult(t, done); out.err != nil {
		t.Errorf("retry after gating failed: %v", out.err)
	}
}

func TestBrowserSubmissionRecordsAndUpdatesResult(t *testing.T) {
	h := newHarness(t)
	done := h.submitAsync(Request{Command: "pwd", CommandID: "b-1", Source: model.SourceUser})
	h.waitState(t, StateRunning)

	if h.bufr.Size() != 1 {
		t.Fatalf("browser buffer size = %d, want 1", h.bufr.Size())
	}

	h.exec.Complete(model.CommandResult{Stdout: "/home/testuser\n", ExitCode: 0})
	awaitResult(t, done)

	drained := h.bufr.Drain()
	if len(drained) != 1 || drained[0].Result.ExitCode != 0 {
		t.Errorf("drained record = %+v, want completed result", drained)
	}
}

func TestCancelWhenIdleReturnsNotRunning(t *testing.T) {
	h := newHarness(t)
	if err := h.exec.Cancel(); err == nil || err.Kind != model.ErrNotRunning {
		t.Errorf("Cancel on idle = %v, want not-running", err)
	}
}

func TestCancelRunningBrowserCommandWritesInterrupt(t *testing.T) {
	h := newHarness(t)
	done := h.submitAsync(Request{Command: "sleep 30", CommandID: "b-2", Source: model.SourceUser})
	h.waitState(t, StateRunning)

	if err := h.exec.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	h.waitState(t, StateCancelling)
	if h.adapter.interruptCount() == 0 {
		t.Error("browser-channel cancellation must write the interrupt byte")
	}

	// The post-signal prompt arrives.
	h.exec.Complete(model.CommandResult{ExitCode: model.PendingExitCode})
	out := awaitResult(t, done)
	if out.err == nil || out.err.Kind != model.ErrCancelled {
		t.Errorf("outcome = %v, want cancelled", out.err)
	}
	h.waitState(t, StateIdle)
}

func TestCancelAgentCommandPrefersNativeSignal(t *testing.T) {
	h := newHarness(t)
	done := h.submitAsync(Request{Command: "sleep 30", Source: model.SourceAgent})
	h.waitState(t, StateRunning)

	h.exec.Cancel()
	h.waitState(t, StateCancelling)

	h.adapter.mu.Lock()
	signals := len(h.adapter.signals)
	h.adapter.mu.Unlock()
	if signals == 0 {
		t.Error("agent-channel cancellation must attempt the native channel signal")
	}

	h.exec.Complete(model.CommandResult{ExitCode: model.PendingExitCode})
	awaitResult(t, done)
}

func TestCancelFallsBackToInterruptWhenSignalFails(t *testing.T) {
	h := newHarness(t)
	h.adapter.signalErr = fmt.Errorf("signal not supported")

	done := h.submitAsync(Request{Command: "sleep 30", Source: model.SourceAgent})
	h.waitState(t, StateRunning)
	h.exec.Cancel()
	h.waitState(t, StateCancelling)

	if h.adapter.interruptCount() == 0 {
		t.Error("failed native signal must fall back to the interrupt byte")
	}

	h.exec.Complete(model.CommandResult{ExitCode: model.PendingExitCode})
	awaitResult(t, done)
}

func TestTimeoutBelowMinimumRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec.Submit(context.Background(), Request{Command: "true", Timeout: 500 * time.Millisecond, Source: model.SourceAgent})
	if err == nil || err.Kind != model.ErrMissingParams {
		t.Errorf("sub-minimum timeout = %v, want missing-params rejection", err)
	}
}

func TestTimeoutResolvesAsTimeout(t *testing.T) {
	h := newHarness(t)
	done := h.submitAsync(Request{Command: "sleep 30", Timeout: MinTimeout, Source: model.SourceAgent})
	h.waitState(t, StateRunning)

	// No Complete until after the deadline: the executor signals and waits.
	h.waitState(t, StateCancelling)
	h.exec.Complete(model.CommandResult{ExitCode: model.PendingExitCode})

	out := awaitResult(t, done)
	if out.err == nil || out.err.Kind != model.ErrTimeout {
		t.Errorf("outcome = %v, want timeout", out.err)
	}
}

func TestQueuedSubmissionsRunFIFO(t *testing.T) {
	h := newHarness(t)
	first := h.submitAsync(Request{Command: "first", Source: model.SourceAgent})
	h.waitState(t, StateRunning)
	second := h.submitAsync(Request{Command: "second", Source: model.SourceAgent})

	h.exec.Complete(model.CommandResult{ExitCode: 0})
	awaitResult(t, first)

	h.waitState(t, StateRunning)
	if got := h.adapter.lastWrite(); !strings.Contains(got, "second") {
		t.Errorf("second command not submitted after first completed: %q", got)
	}
	h.exec.Complete(model.CommandResult{ExitCode: 0})
	awaitResult(t, second)
}

func TestQueueOverflowFailsBusy(t *testing.T) {
	h := newHarness(t)
	running := h.submitAsync(Request{Command: "hold", Source: model.SourceAgent})
	h.waitState(t, StateRunning)

	for i := 0; i < QueueCapacity; i++ {
		h.submitAsync(Request{Command: fmt.Sprintf("queued-%d", i), Source: model.SourceAgent})
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(h.exec.queue) < QueueCapacity {
		time.Sleep(time.Millisecond)
	}
	if len(h.exec.queue) != QueueCapacity {
		t.Fatalf("queue depth = %d, want %d", len(h.exec.queue), QueueCapacity)
	}

	_, err := h.exec.Submit(context.Background(), Request{Command: "overflow", Source: model.SourceAgent})
	if err == nil || err.Kind != model.ErrBusy {
		t.Errorf("overflow submission = %v, want busy", err)
	}

	// Shutdown resolves the held and queued requests; the harness cleanup
	// relies on none of them wedging the dispatch loop.
	h.exec.Shutdown()
	awaitResult(t, running)
}

func TestShutdownResolvesInFlightWithTransportLost(t *testing.T) {
	h := newHarness(t)
	done := h.submitAsync(Request{Command: "sleep 30", Source: model.SourceAgent})
	h.waitState(t, StateRunning)

	h.exec.Shutdown()
	out := awaitResult(t, done)
	if out.err == nil || out.err.Kind != model.ErrTransportLost {
		t.Errorf("outcome after shutdown = %v, want transport-lost", out.err)
	}

	_, err := h.exec.Submit(context.Background(), Request{Command: "true", Source: model.SourceAgent})
	if err == nil || err.Kind != model.ErrTransportLost {
		t.Errorf("submit after shutdown = %v, want transport-lost", err)
	}
}

func TestWriteFailureResolvesTransportLost(t *testing.T) {
	h := newHarness(t)
	h.adapter.writeErr = fmt.Errorf("broken pipe")

	_, err := h.exec.Submit(context.Background(), Request{Command: "true", Source: model.SourceAgent})
	if err == nil || err.Kind != model.ErrTransportLost {
		t.Errorf("submit over broken transport = %v, want transport-lost", err)
	}
}
