// Package executor is the control core of a session: it serializes command
// submissions against one shell, enforces the browser-gating protocol, and
// drives the idle/running/cancelling state machine. One long-lived dispatch
// goroutine owns every write to the shell's stdin; caller-facing methods
// only ever communicate with it over channels.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/LightspeedDMS/ssh-mcp/internal/browserbuf"
	"github.com/LightspeedDMS/ssh-mcp/internal/model"
	"github.com/LightspeedDMS/ssh-mcp/internal/sshadapter"
)

// MinTimeout is the minimum honored ExecutionRequest timeout; smaller values
// are rejected with missing-params at Submit.
const MinTimeout = 1000 * time.Millisecond

// CancelGrace bounds how long the Executor waits for a post-signal
// completion prompt once a cancellation (explicit or timeout-driven) has
// been signaled, before escalating to transport-lost.
const CancelGrace = 2000 * time.Millisecond

// QueueCapacity bounds how many submissions may be waiting behind the
// current in-flight request; a submission beyond this fails with busy.
const QueueCapacity = 32

// State is the Executor's per-session state machine position.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateCancelling State = "cancelling"
)

// Request is an ExecutionRequest: one command awaiting submission.
type Request struct {
	Command   string
	CommandID string
	Timeout   time.Duration // 0 means no deadline
	Source    model.Source
	Timestamp int64 // unix millis, used only for browser-record bookkeeping
}

type inflight struct {
	req        Request
	completeCh chan model.CommandResult
	cancelCh   chan struct{}
	doneCh     chan outcome
}

type outcome struct {
	result model.CommandResult
	err    *model.Error
}

// Adapter is the subset of *sshadapter.Adapter the Executor drives. Declared
// as an interface so tests can substitute a fake shell.
type Adapter interface {
	Write(p []byte) (int, error)
	Interrupt() error
	SendSignal(sig ssh.Signal) error
}

// Filter is the subset of *termfilter.Filter the Executor drives.
type Filter interface {
	Submit(command string, needsEchoInjection bool)
}

// LockStateFunc is invoked on every running/cancelling <-> idle transition,
// letting the Session forward terminal_lock_state / terminal_ready control
// messages without the Executor knowing about WebSockets.
type LockStateFunc func(locked bool, commandID string, source model.Source)

// Executor drives one session's command state machine.
type Executor struct {
	adapter Adapter
	filter  Filter
	bufr    *browserbuf.Buffer
	onLock  LockStateFunc

	// mu guards state, current, and shuttingDown. Enqueues onto queue also
	// happen under mu so nothing can send after Shutdown closes it.
	mu           sync.Mutex
	state        State
	current      *inflight
	shuttingDown bool

	queue  chan *inflight
	closed chan struct{}
	wg     sync.WaitGroup
}

// New creates an Executor bound to one session's Adapter, Filter, and
// Browser-Command Buffer, and starts its dispatch loop.
func New(adapter Adapter, filter Filter, bufr *browserbuf.Buffer, onLock LockStateFunc) *Executor {
	e := &Executor{
		adapter: adapter,
		filter:  filter,
		bufr:    bufr,
		onLock:  onLock,
		state:   StateIdle,
		queue:   make(chan *inflight, QueueCapacity),
		closed:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// State returns the Executor's current state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Current returns the state machine position plus, when a request is in
// flight, its command id and source. Used to answer request_state_recovery
// without the WebSocket layer reaching into Executor internals.
func (e *Executor) Current() (State, string, model.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return e.state, "", ""
	}
	return e.state, e.current.req.CommandID, e.current.req.Source
}

// Submit enqueues req and blocks until it resolves, the session shuts down,
// or ctx is cancelled. A tool-channel submission (Source == SourceAgent)
// that finds a non-empty Browser-Command Buffer is refused immediately with
// browser-commands-executed, draining the buffer into the error payload,
// without ever entering the state machine.
func (e *Executor) Submit(ctx context.Context, req Request) (model.CommandResult, *model.Error) {
	if req.Timeout != 0 && req.Timeout < MinTimeout {
		return model.CommandResult{}, model.NewError(model.ErrMissingParams, fmt.Sprintf("timeout must be at least %s", MinTimeout))
	}

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return model.CommandResult{}, model.NewError(model.ErrTransportLost, "session closed")
	}
	e.mu.Unlock()

	if req.Source == model.SourceAgent {
		if e.bufr.Size() > 0 {
			drained := e.bufr.Drain()
			return model.CommandResult{}, &model.Error{
				Kind:            model.ErrBrowserCommandsExecuted,
				Message:         "User executed commands directly in browser",
				BrowserCommands: drained,
				RetryAllowed:    true,
			}
		}
	}

	ifl := &inflight{
		req:        req,
		completeCh: make(chan model.CommandResult, 1),
		cancelCh:   make(chan struct{}, 1),
		doneCh:     make(chan outcome, 1),
	}

	if req.Source == model.SourceUser {
		e.bufr.Append(model.BrowserCommandRecord{
			Command:   req.Command,
			CommandID: req.CommandID,
			Timestamp: req.Timestamp,
			Source:    req.Source,
			Result:    model.CommandResult{ExitCode: model.PendingExitCode},
		})
	}

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return model.CommandResult{}, model.NewError(model.ErrTransportLost, "session closed")
	}
	select {
	case e.queue <- ifl:
		e.mu.Unlock()
	default:
		e.mu.Unlock()
		return model.CommandResult{}, model.NewError(model.ErrBusy, "a command is already queued on this session")
	}

	select {
	case out := <-ifl.doneCh:
		if req.Source == model.SourceUser {
			e.bufr.UpdateResult(req.CommandID, out.result)
		}
		return out.result, out.err
	case <-ctx.Done():
		return model.CommandResult{}, model.NewError(model.ErrInternal, ctx.Err().Error())
	case <-e.closed:
		return model.CommandResult{}, model.NewError(model.ErrTransportLost, "session closed")
	}
}

// Cancel requests cancellation of the currently running request. It returns
// not-running if the Executor is not in the running state. Cancelling is
// reached only from running, so a second Cancel racing an already-cancelling
// request also observes not-running.
func (e *Executor) Cancel() *model.Error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return model.NewError(model.ErrNotRunning, "no command is running")
	}
	cur := e.current
	e.mu.Unlock()

	select {
	case cur.cancelCh <- struct{}{}:
	default:
	}
	return nil
}

// Complete is called by the session's reader pipeline (the Filter's
// onComplete callback) once per resolved command. It is a no-op if nothing
// is currently in flight.
func (e *Executor) Complete(result model.CommandResult) {
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()
	if cur == nil {
		return
	}
	select {
	case cur.completeCh <- result:
	default:
	}
}

// Shutdown stops accepting new submissions, resolves the in-flight and any
// still-queued requests with transport-lost, and stops the dispatch loop.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return
	}
	e.shuttingDown = true
	e.mu.Unlock()

	close(e.closed)
	close(e.queue)
	e.wg.Wait()
}

func (e *Executor) run() {
	defer e.wg.Done()
	for ifl := range e.queue {
		e.process(ifl)
	}
}

func (e *Executor) process(ifl *inflight) {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		ifl.doneCh <- outcome{model.CommandResult{}, model.NewError(model.ErrTransportLost, "session closed")}
		return
	}
	e.state = StateRunning
	e.current = ifl
	e.mu.Unlock()
	if e.onLock != nil {
		e.onLock(true, ifl.req.CommandID, ifl.req.Source)
	}

	e.filter.Submit(ifl.req.Command, true)
	wrapped := sshadapter.WrapCommand(ifl.req.Command) + "\n"
	if _, err := e.adapter.Write([]byte(wrapped)); err != nil {
		e.finish(ifl, model.CommandResult{}, model.NewError(model.ErrTransportLost, err.Error()))
		return
	}

	var deadline <-chan time.Time
	if ifl.req.Timeout > 0 {
		t := time.NewTimer(ifl.req.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	var reason *model.Error
	select {
	case res := <-ifl.completeCh:
		e.finish(ifl, res, nil)
		return
	case <-deadline:
		reason = model.NewError(model.ErrTimeout, fmt.Sprintf("command exceeded its %s deadline", ifl.req.Timeout))
	case <-ifl.cancelCh:
		reason = model.NewError(model.ErrCancelled, "command cancelled")
	case <-e.closed:
		e.finish(ifl, model.CommandResult{}, model.NewError(model.ErrTransportLost, "session closed"))
		return
	}

	e.beginCancellation(ifl)

	grace := time.NewTimer(CancelGrace)
	defer grace.Stop()
	select {
	case res := <-ifl.completeCh:
		e.finish(ifl, res, reason)
	case <-grace.C:
		e.finish(ifl, model.CommandResult{}, model.NewError(model.ErrTransportLost, "cancellation did not complete in time"))
	case <-e.closed:
		e.finish(ifl, model.CommandResult{}, model.NewError(model.ErrTransportLost, "session closed"))
	}
}

// beginCancellation transitions to cancelling and signals the shell: a
// native SSH signal request for tool-channel-submitted commands, a raw
// interrupt byte for browser-submitted ones. SendSignal is best-effort
// (most servers reject it for interactive shells); any error falls back to
// Interrupt.
func (e *Executor) beginCancellation(ifl *inflight) {
	e.mu.Lock()
	e.state = StateCancelling
	e.mu.Unlock()

	if ifl.req.Source == model.SourceAgent {
		if err := e.adapter.SendSignal(ssh.SIGINT); err == nil {
			return
		}
	}
	e.adapter.Interrupt()
}

func (e *Executor) finish(ifl *inflight, result model.CommandResult, err *model.Error) {
	e.mu.Lock()
	e.state = StateIdle
	e.current = nil
	e.mu.Unlock()
	if e.onLock != nil {
		e.onLock(false, ifl.req.CommandID, ifl.req.Source)
	}
	ifl.doneCh <- outcome{result, err}
}
