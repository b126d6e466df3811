package eventhandler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Loop is the Event Loop of spec §4.E: a dedicated goroutine that blocks on
// the platform backend with a timeout, drains the interrupt channel, and
// dispatches per-handle events to their bound listener ports.
type Loop struct {
	state     *loopState
	poller    *ioPoller
	registry  *Registry
	ports     *PortSink
	interrupt *interruptChannel
	timer     *timerWheel
	logger    *Logger
	opts      *loopOptions

	registerReq chan registerRequest

	loopDone     chan struct{}
	shutdownOnce sync.Once

	metrics loopMetrics
}

// registerRequest is the synchronous handshake the socket and process
// packages use to
// bind a freshly created OS descriptor into the Handle Registry. This isn't
// part of the wire-stable control-message format (spec §6) — that format
// only ever carries interest updates and commands for an *existing* Handle —
// it is the practical mechanism by which a new Handle is born on the loop
// goroutine without the caller needing to reach into the Registry itself.
type registerRequest struct {
	osID     int
	kind     HandleKind
	port     PortID
	interest EventBit
	reply    chan *Handle
}

// New constructs a Loop and its platform backend. The backend is created
// eagerly so construction failures (e.g. epoll_create1 exhausting fd limits)
// surface before Run is ever called.
func New(opts ...Option) (*Loop, error) {
	cfg := resolveOptions(opts)

	poller, err := newIOPoller()
	if err != nil {
		return nil, wrapError("eventhandler: create backend", err)
	}

	return &Loop{
		state:       newLoopState(),
		poller:      poller,
		registry:    newRegistry(),
		ports:       NewPortSink(),
		interrupt:   newInterruptChannel(),
		timer:       newTimerWheel(),
		logger:      cfg.logger,
		opts:        cfg,
		registerReq: make(chan registerRequest, 16),
		loopDone:    make(chan struct{}),
	}, nil
}

// Ports returns the Loop's PortSink, for creating listener ports.
func (l *Loop) Ports() *PortSink { return l.ports }

// State reports the loop's current state.
func (l *Loop) State() LoopState { return l.state.Load() }

// Run executes the Event Loop until Shutdown is requested or ctx is
// cancelled. It blocks for the lifetime of the loop and must only be called
// once; a call made while another Run is in progress returns
// ErrLoopAlreadyRunning.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.TryTransition(StateIdle, StateDispatching) {
		return ErrLoopAlreadyRunning
	}
	defer close(l.loopDone)
	defer func() { _ = l.poller.Close() }()

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.RequestShutdown()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		l.applyRegistrations()

		if l.state.Load() == StateTerminating {
			l.drainFinal()
			l.state.Store(StateIdle)
			if err := ctx.Err(); err != nil {
				return err
			}
			return nil
		}

		timeoutMs := l.calculateTimeout()

		l.state.TryTransition(StateDispatching, StateSleeping)
		n, err := l.poller.PollIO(timeoutMs)
		l.state.TryTransition(StateSleeping, StateDispatching)
		if err != nil {
			// Unrecoverable backend error (spec §7 class 4): abort the
			// process. This indicates a program or kernel bug, never a
			// runtime condition a listener could meaningfully react to.
			logPollError(l.logger, err)
			panic(fmt.Sprintf("eventhandler: backend PollIO failed fatally: %v", err))
		}
		if l.opts.metricsEnabled {
			l.metrics.dispatched.Add(int64(n))
		}

		l.fireTimer()
		l.drainInterrupt()
	}
}

// calculateTimeout implements spec §4.E step 1: infinite if no timer is
// armed, else max(0, deadline-now), bounded by the configured idle timeout
// so a stalled interrupt producer doesn't wedge shutdown checks forever.
func (l *Loop) calculateTimeout() int {
	now := time.Now()
	timeoutMs := l.timer.nextTimeoutMs(now)
	if l.opts.idleTimeout > 0 {
		idleMs := int(l.opts.idleTimeout / time.Millisecond)
		if timeoutMs < 0 || timeoutMs > idleMs {
			timeoutMs = idleMs
		}
	}
	return timeoutMs
}

func (l *Loop) fireTimer() {
	if port, _, ok := l.timer.fire(time.Now()); ok {
		l.ports.PostNull(port)
	}
}

// applyRegistrations drains pending registerRequests, creating Handles and
// arming the backend to reflect their initial interest. Run exclusively on
// the loop goroutine, same as drainInterrupt.
func (l *Loop) applyRegistrations() {
	for {
		select {
		case req := <-l.registerReq:
			h := l.registry.GetOrCreate(req.osID, req.kind)
			h.Port = req.port
			h.Interest = req.interest
			if err := l.poller.RegisterFD(req.osID, req.kind, ioEventIn|ioEventOut, func(ev ioEvents, buf *ioBuffer) {
				l.onBackendEvent(h, ev, buf)
			}); err != nil {
				logHandleError(l.logger, req.osID, req.kind, err)
			}
			l.syncRegistration(h)
			req.reply <- h
		default:
			return
		}
	}
}

// drainInterrupt implements spec §4.E step 5.
func (l *Loop) drainInterrupt() {
	for _, msg := range l.interrupt.drain() {
		switch msg.id {
		case TimerID:
			l.timer.arm(time.UnixMilli(msg.data), msg.port, 0)
		case ShutdownID:
			l.state.Store(StateTerminating)
		default:
			l.applyHandleCommand(msg)
		}
	}
}

func (l *Loop) applyHandleCommand(msg controlMessage) {
	h := l.registry.Lookup(int(msg.id))
	if h == nil {
		return // stale command for an already-removed Handle: no-op
	}
	switch {
	case msg.data&int64(CommandClose) != 0:
		l.closeHandle(h)
	case msg.data&int64(CommandShutdownWrite) != 0:
		l.shutdownDirection(h, false)
	case msg.data&int64(CommandShutdownRead) != 0:
		l.shutdownDirection(h, true)
	default:
		if h.Closing {
			return
		}
		h.Port = msg.port
		h.Interest = EventBit(msg.data) & (EventIn | EventOut)
		// "If IN is requested on a Handle already closed_read, post CLOSE
		// directly and do not register" (spec §4.E step 5).
		if h.Interest&EventIn != 0 && h.ClosedRead {
			l.postEvent(h, EventClose)
			h.Interest &^= EventIn
		}
		l.syncRegistration(h)
	}
}

// shutdownDirection applies SHUTDOWN_READ (read=true) or SHUTDOWN_WRITE
// (read=false); idempotent per invariant 6.
func (l *Loop) shutdownDirection(h *Handle, read bool) {
	if h.Closing {
		return
	}
	if read {
		if h.ClosedRead {
			return
		}
		h.ClosedRead = true
	} else {
		if h.ClosedWrite {
			return
		}
		h.ClosedWrite = true
	}
	if h.ShutdownFunc != nil {
		if err := h.ShutdownFunc(read); err != nil {
			logHandleError(l.logger, h.OSID, h.Kind, err)
		}
	}
	l.syncRegistration(h)
}

func (l *Loop) closeHandle(h *Handle) {
	if h.Closing {
		return
	}
	h.Closing = true
	h.ClosedRead = true
	h.ClosedWrite = true
	_ = l.poller.UnregisterFD(h.OSID)
	if h.pendingIOCount() != 0 {
		// Completion backend: outstanding buffers must drain before the
		// Handle can be destroyed (spec §4.B). The next completion for this
		// fd will observe Closing and retry removal.
		return
	}
	_ = closeFD(h.OSID)
	if err := l.registry.Remove(h.OSID); err != nil && err != ErrHandleBusy {
		logHandleError(l.logger, h.OSID, h.Kind, err)
	}
	l.ports.ClosePort(h.Port)
}

// syncRegistration implements invariant 1: the backend registration always
// reflects (interest &^ closedDirection) at every point the loop is about to
// sleep.
func (l *Loop) syncRegistration(h *Handle) {
	if h.Closing {
		return
	}
	wantRead, wantWrite := h.wantRegistration()
	var events ioEvents
	if wantRead {
		events |= ioEventIn
	}
	if wantWrite {
		events |= ioEventOut
	}
	h.ReadArmed = wantRead
	h.WriteArmed = wantWrite
	if err := l.poller.ModifyFD(h.OSID, events); err != nil {
		// A permanent registration failure (spec §4.D): mark fully closed
		// and post a single CLOSE, never retried.
		h.ClosedRead = true
		h.ClosedWrite = true
		l.postEvent(h, EventClose)
	}
}

func (l *Loop) postEvent(h *Handle, mask EventBit) {
	if h.Closing {
		return // invariant 3: no posts after CLOSE_CMD
	}
	l.ports.PostInt32(h.Port, int32(mask))
}

// onBackendEvent is the per-fd callback registered with the poller. It
// dispatches to the readiness or completion translation per spec §4.D,
// selected at compile time by usesCompletionBackend (backend_unix.go /
// backend_windows.go), then clears the backend registrations that were
// consumed, per the level-triggered synthesis rule: "interest is consumed on
// delivery; listener must re-assert".
func (l *Loop) onBackendEvent(h *Handle, ev ioEvents, buf *ioBuffer) {
	if h.Closing {
		return
	}
	if usesCompletionBackend {
		l.dispatchCompletion(h, buf)
	} else {
		l.dispatchReadiness(h, ev)
	}
}

// dispatchReadiness implements spec §4.D Variant R's translation table.
func (l *Loop) dispatchReadiness(h *Handle, ev ioEvents) {
	if ev&ioEventErr != 0 {
		// "Error bit on an event: the loop aborts (treated as programmer
		// error, not a runtime condition)."
		panic(fmt.Sprintf("eventhandler: backend reported EPOLLERR/EV_ERROR on fd %d", h.OSID))
	}

	switch h.Kind {
	case HandleKindListenSocket:
		if ev&ioEventIn != 0 {
			if ev&ioEventHup != 0 {
				h.ClosedRead = true
				l.postEvent(h, EventClose)
			} else {
				l.postEvent(h, EventIn)
			}
		}

	default:
		if ev&ioEventIn != 0 {
			if ev&ioEventHup != 0 {
				h.ClosedRead = true
				l.postEvent(h, EventClose)
			} else {
				l.postEvent(h, EventIn)
			}
		}
		if ev&ioEventOut != 0 {
			if ev&ioEventHup != 0 {
				h.ClosedWrite = true
				h.WriteArmed = false
				l.postEvent(h, EventClose)
			} else {
				l.postEvent(h, EventOut)
			}
		}
	}

	// Level-triggered synthesis: the fired directions are consumed; the
	// listener must re-assert via an interest-update control message before
	// the backend is re-armed for them.
	if ev&ioEventIn != 0 {
		h.Interest &^= EventIn
		h.ReadArmed = false
	}
	if ev&ioEventOut != 0 {
		h.Interest &^= EventOut
		h.WriteArmed = false
	}
	l.syncRegistration(h)
}

// dispatchCompletion implements spec §4.D Variant C's translation table.
func (l *Loop) dispatchCompletion(h *Handle, buf *ioBuffer) {
	if buf == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	switch buf.Op {
	case ioOpAccept:
		h.pendingRead = nil
		if buf.Err != nil {
			h.lastError = buf.Err
			l.postEvent(h, EventErr)
			return
		}
		wasEmpty := len(h.Accepted) == 0
		h.Accepted = append(h.Accepted, buf.AcceptFD)
		if h.Interest&EventIn != 0 && wasEmpty {
			l.postEvent(h, EventIn)
		}
		// Spec §4.D Variant C: "always top up to 5 outstanding accepts".
		// Accepts keep flowing into the Accepted FIFO independent of
		// listener interest; re-arming happens here, not on re-assertion,
		// since backlog starvation would otherwise drop connections.
		if err := l.poller.TopUpAccepts(h.OSID); err != nil {
			logHandleError(l.logger, h.OSID, h.Kind, err)
		}

	case ioOpRead:
		h.pendingRead = nil
		switch {
		case buf.Err != nil:
			h.lastError = buf.Err
			l.postEvent(h, EventErr)
		case buf.Filled == 0:
			h.ClosedRead = true
			l.postEvent(h, EventClose)
		default:
			h.dataReady = buf
			if h.Interest&EventIn != 0 {
				l.postEvent(h, EventIn)
			}
			// Level-triggered synthesis, same rule dispatchReadiness applies
			// on the readiness backends: the completed read is consumed, and
			// a further read is not re-issued until the listener re-asserts
			// IN. Without this a second overlapped ReadFile could complete
			// and silently clobber dataReady before the first was drained.
			h.Interest &^= EventIn
			h.ReadArmed = false
			l.syncRegistration(h)
		}

	case ioOpWrite:
		h.pendingWrite = nil
		if buf.Err == nil && h.Interest&EventOut != 0 {
			l.postEvent(h, EventOut)
		} else if buf.Err != nil {
			h.lastError = buf.Err
			l.postEvent(h, EventErr)
		}

	case ioOpDisconnect:
		h.pendingWrite = nil
		h.pendingRead = nil
	}

	if h.Closing && h.pendingRead == nil && h.pendingWrite == nil {
		// The deferred removal spec §4.B describes: teardown started while
		// I/O was outstanding, and the last of it has now drained. Runs on
		// the loop goroutine already, same as the original CLOSE_CMD.
		_ = closeFD(h.OSID)
		if err := l.registry.Remove(h.OSID); err != nil && err != ErrHandleBusy {
			logHandleError(l.logger, h.OSID, h.Kind, err)
		}
		l.ports.ClosePort(h.Port)
	}
}

// RegisterHandle binds a freshly created OS descriptor into the Handle
// Registry and arms its initial interest. Safe from any goroutine; blocks
// until the loop goroutine has processed the request.
func (l *Loop) RegisterHandle(osID int, kind HandleKind, port PortID, interest EventBit) (*Handle, error) {
	select {
	case <-l.loopDone:
		return nil, ErrLoopTerminated
	default:
	}
	reply := make(chan *Handle, 1)
	select {
	case l.registerReq <- registerRequest{osID: osID, kind: kind, port: port, interest: interest, reply: reply}:
	case <-l.loopDone:
		return nil, ErrLoopTerminated
	}
	if err := l.poller.Wakeup(); err != nil {
		return nil, err
	}
	select {
	case h := <-reply:
		return h, nil
	case <-l.loopDone:
		return nil, ErrLoopTerminated
	}
}

// SendCommand pushes a handle-targeted control message (interest update,
// SHUTDOWN_READ, SHUTDOWN_WRITE, or CLOSE_CMD) over the interrupt channel.
// Safe from any goroutine.
func (l *Loop) SendCommand(osID int, port PortID, data int64) error {
	l.interrupt.push(controlMessage{id: int64(osID), port: port, data: data})
	return l.poller.Wakeup()
}

// CloseHandle requests CLOSE_CMD for osID.
func (l *Loop) CloseHandle(osID int, port PortID) error {
	return l.SendCommand(osID, port, int64(CommandClose))
}

// ArmTimer schedules (or re-arms) the loop's single wakeup timer.
func (l *Loop) ArmTimer(deadline time.Time, port PortID) error {
	l.interrupt.push(controlMessage{id: TimerID, port: port, data: deadline.UnixMilli()})
	return l.poller.Wakeup()
}

// RequestShutdown asks the loop to terminate at the start of its next
// iteration. Safe from any goroutine; idempotent.
func (l *Loop) RequestShutdown() error {
	l.interrupt.push(controlMessage{id: ShutdownID})
	return l.poller.Wakeup()
}

// Shutdown requests termination and blocks until Run returns or ctx expires.
// Safe to call more than once; only the first call's request is sent.
func (l *Loop) Shutdown(ctx context.Context) error {
	var sendErr error
	l.shutdownOnce.Do(func() { sendErr = l.RequestShutdown() })
	if sendErr != nil {
		return sendErr
	}
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainFinal runs once, when StateTerminating is observed: it force-closes
// every remaining live Handle so OS descriptors are never leaked past
// process exit, matching the teacher's closeFDs shutdown step.
func (l *Loop) drainFinal() {
	var live []*Handle
	l.registry.Each(func(h *Handle) { live = append(live, h) })
	for _, h := range live {
		l.closeHandle(h)
	}
}

// Registry exposes the Handle Registry for the socket/process packages'
// direct-state inspection (e.g. Available/GetError read Handle fields).
func (l *Loop) Registry() *Registry { return l.registry }

// Logger returns the loop's configured Logger.
func (l *Loop) Logger() *Logger { return l.logger }
