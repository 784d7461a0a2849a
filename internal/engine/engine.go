package engine

import (
	"fmt"
	"net"
	"sync"
	"time"

	"dns-sinkhole-vpn/internal/core"
	"dns-sinkhole-vpn/internal/platform"
	"dns-sinkhole-vpn/internal/upstream"
)

const (
	// Three consecutive upstream send failures inside this window push the
	// engine into RECONNECTING_NETWORK_ERROR and start the backoff schedule.
	sendFailureWindow    = 5 * time.Second
	sendFailureThreshold = 3

	// pumpJoinDeadline bounds how long Stop waits for the pump goroutine
	// to exit cleanly before force-closing the tunnel fd and abandoning it.
	pumpJoinDeadline = 2 * time.Second

	// sweepInterval is the Query Tracker's eviction sweep cadence.
	sweepInterval = time.Second
)

// Command is one of the control interface's operations.
type Command int

const (
	CmdStart Command = iota
	CmdStop
	// CmdPause is STOP plus an externally persisted "should resume" flag;
	// the engine itself treats it identically to CmdStop — it never reads
	// that flag.
	CmdPause
	// CmdResume is equivalent to CmdStart.
	CmdResume
)

// Config is everything the Engine needs to build and run one session. The
// TUN/upstream-socket factories are injected rather than called directly so
// tests can substitute fakes for the real platform/linux devices.
type Config struct {
	NewTUN       func() (platform.TUNDevice, error)
	DialUpstream func() (*net.UDPConn, error)

	Rules *core.RuleTable
	Pool  *upstream.Pool

	IPv6Enabled     bool
	BlockLogEnabled bool
	BlockLogPath    string
	BlockLogCap     int

	// QueryTimeout overrides how long a forwarded query waits for an
	// upstream response before its tracker entry is swept; zero keeps the
	// default.
	QueryTimeout time.Duration

	// NetworkEvents is nil when no network monitor is wired (e.g. in
	// tests); a nil channel simply never fires in the Run select.
	NetworkEvents <-chan platform.NetworkEvent

	Status *core.StatusReporter
	Logger *core.Logger

	// RunID is the per-engine-run correlation id stamped into the
	// persisted Block Log file; empty means no id is stamped.
	RunID string

	// PersistActiveFlag, when non-nil, records whether the engine should be
	// considered active across restarts: invoked with true once the engine
	// reaches RUNNING and with false on explicit stop or fatal error. The
	// engine only ever writes this flag; the boot-time autostart predicate
	// is its sole reader.
	PersistActiveFlag func(active bool)
}

// Engine is the lifecycle-managed VPN data-plane engine: the sole owner of
// the tunnel fd and the upstream socket, coordinating Start/Stop/Pause/
// Resume and network-availability reconnects against the single pump
// goroutine. All lifecycle state is owned and mutated exclusively by the
// Run goroutine; Submit and the pump's OnSendResult callback only ever
// hand events to Run over channels.
type Engine struct {
	cfg Config

	stateMu sync.Mutex
	state   core.EngineState

	tracker  *core.QueryTracker
	blockLog *core.BlockLog
	backoff  *core.Backoff

	controlCh   chan Command
	sendResults chan bool

	tun          platform.TUNDevice
	upstreamConn *net.UDPConn

	pumpShutdown chan struct{}
	pumpDone     chan error

	// reconnectC is armed with the backoff delay after a send-failure or
	// re-dial error; firing moves RECONNECTING_NETWORK_ERROR back to
	// RECONNECTING. Nil when no reconnect is pending.
	reconnectC <-chan time.Time

	sendFailures   int
	firstFailureAt time.Time
}

// NewEngine constructs an Engine in the STOPPED state. cfg.Status and
// cfg.Logger default to fresh/global instances when nil.
func NewEngine(cfg Config) *Engine {
	if cfg.Status == nil {
		cfg.Status = core.NewStatusReporter(core.StateStopped)
	}
	if cfg.Logger == nil {
		cfg.Logger = core.Log
	}
	return &Engine{
		cfg:         cfg,
		state:       core.StateStopped,
		tracker:     core.NewQueryTrackerTTL(cfg.QueryTimeout),
		backoff:     core.NewBackoff(),
		controlCh:   make(chan Command, 1),
		sendResults: make(chan bool, 16),
	}
}

// Status returns the engine's status reporter, for observers.
func (e *Engine) Status() *core.StatusReporter { return e.cfg.Status }

// Submit enqueues a control command. Commands are processed strictly in
// arrival order; Submit blocks up to 1s before dropping the command with a
// logged warning so a wedged control loop can never deadlock its callers.
func (e *Engine) Submit(cmd Command) {
	select {
	case e.controlCh <- cmd:
	case <-time.After(1 * time.Second):
		e.cfg.Logger.Warnf("engine", "control queue full, dropping command %d", cmd)
	}
}

// Run blocks awaiting the first CmdStart/CmdResume, then drives the engine
// through one full STARTING→RUNNING→...→STOPPED lifecycle, returning when
// Submit(CmdStop) (or CmdPause) is received or a fatal tunnel error occurs.
// A caller that wants to support RESUME after a PAUSE calls Run again; the
// engine's own state is already back at STOPPED and ready for it. Run is
// not safe to call concurrently with itself.
func (e *Engine) Run() error {
	if !e.awaitStartCommand() {
		return nil
	}

	if err := e.start(); err != nil {
		e.transition(core.StateStopped, fmt.Sprintf("start failed: %v", err))
		e.persistActiveFlag(false)
		return err
	}
	e.transition(core.StateRunning, "pump running")
	e.persistActiveFlag(true)

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case cmd := <-e.controlCh:
			switch cmd {
			case CmdStop, CmdPause:
				e.stop("stop requested")
				e.persistActiveFlag(false)
				return nil
			case CmdStart, CmdResume:
				// Already running; start/resume while active is a no-op.
			}

		case ev, ok := <-e.cfg.NetworkEvents:
			if !ok {
				continue
			}
			e.handleNetworkEvent(ev)

		case ok := <-e.sendResults:
			e.handleSendResult(ok)

		case <-e.reconnectC:
			e.reconnectC = nil
			if e.State() == core.StateReconnectingNetworkError {
				e.transition(core.StateReconnecting, "backoff elapsed, restarting pump")
				e.restartPump()
			}

		case err := <-e.pumpDone:
			e.pumpDone = nil
			if err != nil {
				e.cfg.Logger.Errorf("engine", "pump exited with fatal error: %v", err)
				e.teardown()
				e.transition(core.StateStopped, fmt.Sprintf("tunnel failure: %v", err))
				e.persistActiveFlag(false)
				return err
			}
			// A nil error means the pump was stopped deliberately (network
			// loss or send-failure reconnect), already handled by whichever
			// caller closed pumpShutdown.

		case <-sweep.C:
			e.tracker.Sweep(func(rec core.QueryRecord) {
				if r, ok := e.cfg.Pool.ByAddr(rec.ResolverAddr); ok {
					r.MarkTimeout(time.Now())
				}
			})
		}
	}
}

func (e *Engine) persistActiveFlag(active bool) {
	if e.cfg.PersistActiveFlag != nil {
		e.cfg.PersistActiveFlag(active)
	}
}

// awaitStartCommand blocks until a CmdStart or CmdResume arrives on the
// control channel — the engine only ever leaves STOPPED on an explicit
// start. A CmdStop/CmdPause received while already stopped is a no-op.
// Returns false only if the control channel is closed without ever
// starting (not used in normal operation; the channel is never closed).
func (e *Engine) awaitStartCommand() bool {
	for cmd := range e.controlCh {
		switch cmd {
		case CmdStart, CmdResume:
			return true
		case CmdStop, CmdPause:
			// Already stopped; nothing to do.
		}
	}
	return false
}

// start acquires the tunnel fd and upstream socket, loads the persisted
// Block Log, and spawns the pump goroutine.
func (e *Engine) start() error {
	e.transition(core.StateStarting, "start requested")

	blockLog, err := core.LoadBlockLog(e.cfg.BlockLogPath, e.cfg.BlockLogCap)
	if err != nil {
		return fmt.Errorf("load block log: %w", err)
	}
	blockLog.SetRunID(e.cfg.RunID)
	e.blockLog = blockLog

	tun, err := e.cfg.NewTUN()
	if err != nil {
		return fmt.Errorf("create tunnel device: %w", err)
	}
	e.tun = tun

	conn, err := e.cfg.DialUpstream()
	if err != nil {
		tun.Close()
		return fmt.Errorf("dial upstream socket: %w", err)
	}
	e.upstreamConn = conn

	e.spawnPump()
	return nil
}

func (e *Engine) spawnPump() {
	e.pumpShutdown = make(chan struct{})
	e.pumpDone = make(chan error, 1)

	pump := NewPump(PumpDeps{
		Tun:             e.tun,
		Upstream:        e.upstreamConn,
		Rules:           e.cfg.Rules,
		Pool:            e.cfg.Pool,
		Tracker:         e.tracker,
		BlockLog:        e.blockLog,
		BlockLogEnabled: e.cfg.BlockLogEnabled,
		IPv6Enabled:     e.cfg.IPv6Enabled,
		Logger:          e.cfg.Logger,
		OnSendResult:    e.recordSendResult,
	})

	shutdown := e.pumpShutdown
	done := e.pumpDone
	go func() {
		done <- pump.Run(shutdown)
	}()
}

// recordSendResult relays one upstream send outcome from the pump
// goroutine to Run's select loop, which is the only goroutine allowed to
// act on it.
func (e *Engine) recordSendResult(ok bool) {
	select {
	case e.sendResults <- ok:
	default:
		// The control thread is behind; a dropped sample only delays
		// failure-threshold detection by one query, never corrupts state.
	}
}

// handleSendResult runs on the Run goroutine. On success it resets the
// failure streak and, if a reconnect was in flight, completes it. On
// failure it accumulates the streak and, once the threshold is reached
// within the window, stops the current pump and arms the backoff timer.
func (e *Engine) handleSendResult(ok bool) {
	if ok {
		e.sendFailures = 0
		e.backoff.Reset()
		if e.State() == core.StateReconnecting {
			e.transition(core.StateRunning, "upstream send succeeded")
		}
		return
	}

	now := time.Now()
	if e.sendFailures == 0 || now.Sub(e.firstFailureAt) > sendFailureWindow {
		e.firstFailureAt = now
		e.sendFailures = 0
	}
	e.sendFailures++
	if e.sendFailures < sendFailureThreshold {
		return
	}
	e.sendFailures = 0

	if !e.State().CanTransition(core.StateReconnectingNetworkError) {
		return
	}
	e.stopPumpOnly()
	e.transition(core.StateReconnectingNetworkError, "3 consecutive upstream send failures within 5s")
	e.armReconnect()
}

// armReconnect schedules the next reconnect attempt on the backoff
// schedule.
func (e *Engine) armReconnect() {
	delay := e.backoff.Next()
	e.cfg.Logger.Warnf("engine", "reconnecting in %s", delay)
	e.reconnectC = time.After(delay)
}

// handleNetworkEvent reacts to a default-network availability transition:
// losing the default underlying network parks the engine in
// WAITING_FOR_NETWORK with the tunnel fd kept open, and regaining it
// restarts the pump through RECONNECTING.
func (e *Engine) handleNetworkEvent(ev platform.NetworkEvent) {
	cur := e.State()

	if !ev.Available {
		if cur == core.StateRunning || cur == core.StateReconnecting || cur == core.StateReconnectingNetworkError {
			e.stopPumpOnly()
			e.reconnectC = nil
			e.transition(core.StateWaitingForNetwork, "default network lost")
		}
		return
	}

	if cur == core.StateWaitingForNetwork {
		e.transition(core.StateReconnecting, "default network available")
		e.restartPump()
	}
}

// restartPump re-dials the upstream socket and spawns a fresh pump. A dial
// failure here covers both a still-dead network and a failed bind to the
// physical interface; either way the engine falls back to
// RECONNECTING_NETWORK_ERROR and retries on the backoff schedule rather
// than risking sends over the tunnel itself.
func (e *Engine) restartPump() {
	conn, err := e.cfg.DialUpstream()
	if err != nil {
		e.cfg.Logger.Warnf("engine", "re-dial upstream socket: %v", err)
		if e.State().CanTransition(core.StateReconnectingNetworkError) {
			e.transition(core.StateReconnectingNetworkError, fmt.Sprintf("upstream socket unavailable: %v", err))
			e.armReconnect()
		}
		return
	}
	e.upstreamConn = conn
	e.spawnPump()
}

// stopPumpOnly closes the shutdown signal and joins the pump goroutine
// without tearing down the tunnel fd — used for WAITING_FOR_NETWORK and
// for a send-failure-triggered reconnect, where the OS keeps holding the
// tunnel and apps simply see no DNS connectivity.
func (e *Engine) stopPumpOnly() {
	if e.pumpShutdown != nil {
		close(e.pumpShutdown)
		e.pumpShutdown = nil
	}
	if e.upstreamConn != nil {
		e.upstreamConn.Close() // unblocks the pump's poll on the upstream fd
		e.upstreamConn = nil
	}
	e.joinPump()
}

func (e *Engine) joinPump() {
	if e.pumpDone == nil {
		return
	}
	select {
	case <-e.pumpDone:
	case <-time.After(pumpJoinDeadline):
		e.cfg.Logger.Errorf("engine", "pump goroutine did not exit within %s, abandoning it", pumpJoinDeadline)
	}
	e.pumpDone = nil
}

// stop drives the engine through STOPPING to STOPPED, releasing both file
// descriptors and persisting the Block Log if it was enabled.
func (e *Engine) stop(reason string) {
	e.transition(core.StateStopping, reason)
	e.teardown()
	e.transition(core.StateStopped, reason)
}

func (e *Engine) teardown() {
	if e.pumpShutdown != nil {
		close(e.pumpShutdown)
		e.pumpShutdown = nil
	}
	if e.upstreamConn != nil {
		e.upstreamConn.Close()
		e.upstreamConn = nil
	}
	e.joinPump()
	e.reconnectC = nil
	if e.tun != nil {
		if err := e.tun.Close(); err != nil {
			e.cfg.Logger.Warnf("engine", "close tunnel device: %v", err)
		}
		e.tun = nil
	}

	if e.cfg.BlockLogEnabled && e.blockLog != nil {
		if err := e.blockLog.Save(e.cfg.BlockLogPath); err != nil {
			// Persistence failure is a warning, never a state change.
			e.cfg.Logger.Warnf("engine", "persist block log: %v", err)
		}
	}
}

func (e *Engine) transition(next core.EngineState, reason string) {
	e.stateMu.Lock()
	cur := e.state
	if !cur.CanTransition(next) {
		e.stateMu.Unlock()
		e.cfg.Logger.Errorf("engine", "rejected invalid transition %s -> %s (%s)", cur, next, reason)
		return
	}
	e.state = next
	e.stateMu.Unlock()

	e.cfg.Logger.Infof("engine", "%s -> %s: %s", cur, next, reason)
	e.cfg.Status.Publish(next)
}

// State returns the engine's current lifecycle state. Safe to call from
// any goroutine.
func (e *Engine) State() core.EngineState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}
