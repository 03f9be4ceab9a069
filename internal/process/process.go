// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package process implements the Process Manager (C10) and Process Handle
// (C11): a registry of child processes, each wired with a control channel
// over stdio and an optional data channel over a local socket, supervised
// by a restart policy with capped exponential backoff. The registry/handle
// split and the restart-on-crash-not-on-clean-exit rule follow the
// teacher's Scheduler/BackupJob pair (internal/agent/scheduler.go): a
// mutex-guarded running flag per entry, a shared event sink, and backoff
// math reused from internal/agent/daemon.go's calculateBackoff.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	gpsproc "github.com/shirou/gopsutil/v3/process"

	"github.com/nishisan-dev/ipcrun/internal/channel"
	"github.com/nishisan-dev/ipcrun/internal/framing"
	"github.com/nishisan-dev/ipcrun/internal/ipcerr"
	"github.com/nishisan-dev/ipcrun/internal/ipcutil"
	"github.com/nishisan-dev/ipcrun/internal/logging"
	"github.com/nishisan-dev/ipcrun/internal/metrics"
	"github.com/nishisan-dev/ipcrun/internal/pipeaddr"
	"github.com/nishisan-dev/ipcrun/internal/rpcproto"
	"github.com/nishisan-dev/ipcrun/internal/serialize"
	"github.com/nishisan-dev/ipcrun/internal/shutdown"
	"github.com/nishisan-dev/ipcrun/internal/transport"
)

// Reserved control-channel methods the manager drives directly, alongside
// the ones internal/shutdown already owns.
const (
	methodHandshake = "__handshake__"
)

// RestartPolicy governs whether and how aggressively a crashed process is
// re-spawned, per spec.md §4.10.
type RestartPolicy struct {
	Enabled     bool
	MaxRestarts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// DataChannelOptions configures the optional high-throughput data channel.
// A zero value leaves the data channel disabled.
type DataChannelOptions struct {
	Enabled        bool
	Serialization  serialize.Codec // defaults to serialize.JSONCodec{}
	MaxFrameSize   uint32          // defaults to framing.DefaultMaxFrameSize
	MaxBytesPerSec int64           // 0 disables the write-side rate limiter
}

// SpawnOptions configures one child process and its channels.
type SpawnOptions struct {
	Command string
	Args    []string
	Env     []string
	Dir     string

	Protocol      rpcproto.Protocol // defaults to rpcproto.JSONRPC2{}
	Serialization serialize.Codec   // defaults to serialize.JSONCodec{}
	MaxFrameSize  uint32            // defaults to framing.DefaultMaxFrameSize

	ControlTimeout           time.Duration
	BufferEarlyNotifications int
	MaxInboundFrames         int
	PendingRequestPoolSize   int

	// ReadyTimeout bounds the handshake request Spawn waits on before
	// returning an error; defaults to ControlTimeout (or channel.DefaultTimeout
	// if that is also zero).
	ReadyTimeout time.Duration

	DataChannel DataChannelOptions
	Restart     RestartPolicy

	Logger  *slog.Logger
	Metrics metrics.Sink

	// LogDir, if set, gives this process its own log file in addition to
	// Logger's destination, via logging.NewProcessLogger.
	LogDir string
}

func (o SpawnOptions) withDefaults() SpawnOptions {
	if o.Protocol == nil {
		o.Protocol = rpcproto.JSONRPC2{}
	}
	if o.Serialization == nil {
		o.Serialization = serialize.JSONCodec{}
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = framing.DefaultMaxFrameSize
	}
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = channel.DefaultTimeout
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = o.ControlTimeout
	}
	if o.BufferEarlyNotifications <= 0 {
		o.BufferEarlyNotifications = channel.DefaultBufferEarlyNotifications
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NopSink{}
	}
	if o.DataChannel.Enabled {
		if o.DataChannel.Serialization == nil {
			o.DataChannel.Serialization = serialize.JSONCodec{}
		}
		if o.DataChannel.MaxFrameSize == 0 {
			o.DataChannel.MaxFrameSize = framing.DefaultMaxFrameSize
		}
	}
	return o
}

// ResourceUsage reports a child process's resource consumption at a point
// in time, sourced from gopsutil by pid.
type ResourceUsage struct {
	CPUPercent float64
	RSSBytes   uint64
}

// HandleState is a Handle's lifecycle state, independent of its
// channels' own connected/disconnected bookkeeping.
type HandleState int

const (
	StateSpawning HandleState = iota
	StateRunning
	StateRestarting
	StateExited
	StateCrashed
)

func (s HandleState) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Handle is the user-facing façade over one child's control channel and
// optional data channel, per spec.md's ProcessHandle (C11).
type Handle struct {
	id      string
	manager *Manager

	mu           sync.Mutex
	opts         SpawnOptions
	state        HandleState
	restartCount int
	terminating  bool

	tr      *transport.StdioTransport
	control *channel.Channel

	dataServer *transport.SocketServer
	dataPath   string
	data       *channel.Channel
	dataReady  chan struct{}

	logCloser io.Closer
}

// ID returns the handle's registry key.
func (h *Handle) ID() string { return h.id }

// State reports the handle's current lifecycle state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Request issues a correlated request on the control channel.
func (h *Handle) Request(ctx context.Context, method string, params any, timeout time.Duration) (any, error) {
	h.mu.Lock()
	control := h.control
	h.mu.Unlock()
	return control.Request(ctx, method, params, timeout)
}

// RequestViaData issues a correlated request on the data channel, failing
// with a StateError if none was configured. If the data channel has not
// connected yet, it waits for it and returns ctx's error if ctx ends first.
func (h *Handle) RequestViaData(ctx context.Context, method string, params any, timeout time.Duration) (any, error) {
	h.mu.Lock()
	enabled := h.opts.DataChannel.Enabled
	ready := h.dataReady
	h.mu.Unlock()
	if !enabled {
		return nil, ipcerr.Newf(ipcerr.KindState, "process.RequestViaData", "no data channel configured for %q", h.id)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.Lock()
	data := h.data
	h.mu.Unlock()
	if data == nil {
		return nil, ipcerr.Newf(ipcerr.KindState, "process.RequestViaData", "data channel for %q never became ready", h.id)
	}
	return data.Request(ctx, method, params, timeout)
}

// Notify sends a fire-and-forget notification on the control channel.
func (h *Handle) Notify(method string, params any) error {
	h.mu.Lock()
	control := h.control
	h.mu.Unlock()
	return control.Notify(method, params)
}

// On subscribes to notifications arriving on the control channel.
func (h *Handle) On(fn channel.NotificationHandler) ipcutil.Unsubscribe {
	h.mu.Lock()
	control := h.control
	h.mu.Unlock()
	return control.OnNotification(fn)
}

// OnNotification satisfies shutdown.NotificationSubscriber.
func (h *Handle) OnNotification(fn func(method string, params any)) ipcutil.Unsubscribe {
	return h.On(fn)
}

// Kill forcefully terminates the child without attempting the graceful
// shutdown handshake; satisfies shutdown.Killer.
func (h *Handle) Kill() error {
	h.mu.Lock()
	h.terminating = true
	tr := h.tr
	h.mu.Unlock()
	return tr.Disconnect()
}

// Close runs the graceful shutdown handshake (falling back to Kill) and
// releases the handle's channels and data-channel listener.
func (h *Handle) Close(ctx context.Context, opts shutdown.Options) (*shutdown.Result, error) {
	h.mu.Lock()
	h.terminating = true
	control := h.control
	h.mu.Unlock()

	res, err := h.manager.shutdown.Shutdown(ctx, h, opts)

	control.Close()
	h.mu.Lock()
	dataServer := h.dataServer
	logCloser := h.logCloser
	h.mu.Unlock()
	if dataServer != nil {
		dataServer.Close()
	}
	if logCloser != nil {
		logCloser.Close()
	}
	return res, err
}

// ResourceUsage reports the child's current CPU/memory consumption.
func (h *Handle) ResourceUsage() (*ResourceUsage, error) {
	h.mu.Lock()
	tr := h.tr
	h.mu.Unlock()
	pid, ok := tr.Pid()
	if !ok {
		return nil, ipcerr.Newf(ipcerr.KindState, "process.ResourceUsage", "process %q is not running", h.id)
	}
	proc, err := gpsproc.NewProcess(int32(pid))
	if err != nil {
		return nil, ipcerr.New(ipcerr.KindTransport, "process.ResourceUsage", err)
	}
	cpuPct, err := proc.CPUPercent()
	if err != nil {
		return nil, ipcerr.New(ipcerr.KindTransport, "process.ResourceUsage", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return nil, ipcerr.New(ipcerr.KindTransport, "process.ResourceUsage", err)
	}
	return &ResourceUsage{CPUPercent: cpuPct, RSSBytes: mem.RSS}, nil
}

var (
	_ shutdown.Requester               = (*Handle)(nil)
	_ shutdown.NotificationSubscriber  = (*Handle)(nil)
	_ shutdown.Killer                  = (*Handle)(nil)
)

// EventKind distinguishes Process Manager bus events.
type EventKind int

const (
	EventSpawn EventKind = iota
	EventReady
	EventExit
	EventCrash
	EventRestart
	EventDataChannelReady
	EventError
)

// Event is delivered to listeners registered via Manager.On.
type Event struct {
	Kind     EventKind
	ID       string
	ExitCode int
	Reason   string
	Attempt  int
	Delay    time.Duration
	Err      error
}

// Manager is a registry of process handles keyed by a user-supplied id,
// per spec.md §4.10.
type Manager struct {
	moduleName string
	logger     *slog.Logger
	metrics    metrics.Sink

	mu      sync.Mutex
	handles map[string]*Handle

	emitter  *ipcutil.Emitter[Event]
	shutdown *shutdown.Manager

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewManager constructs a Manager. moduleName is combined with each
// handle's id to derive its data-channel socket path (pipeaddr.Derive).
func NewManager(moduleName string, logger *slog.Logger, sink metrics.Sink) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Manager{
		moduleName: moduleName,
		logger:     logger,
		metrics:    sink,
		handles:    make(map[string]*Handle),
		emitter:    ipcutil.NewEmitter[Event](),
		shutdown:   shutdown.New(),
	}
}

// On subscribes to process lifecycle events.
func (m *Manager) On(fn func(Event)) ipcutil.Unsubscribe { return m.emitter.On(fn) }

// IsRunning reports whether id's handle is currently in StateRunning.
func (m *Manager) IsRunning(id string) bool {
	h, ok := m.GetHandle(id)
	if !ok {
		return false
	}
	return h.State() == StateRunning
}

// GetHandle returns the registered handle for id, if any.
func (m *Manager) GetHandle(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// Spawn starts a new child process under id, wires its control channel
// (and optional data channel), and waits for its handshake before
// returning. Duplicate ids fail immediately.
func (m *Manager) Spawn(ctx context.Context, id string, opts SpawnOptions) (*Handle, error) {
	m.mu.Lock()
	if _, exists := m.handles[id]; exists {
		m.mu.Unlock()
		return nil, ipcerr.Newf(ipcerr.KindState, "process.Spawn", "process %q already registered", id)
	}
	h := &Handle{id: id, manager: m, opts: opts.withDefaults(), state: StateSpawning}
	m.handles[id] = h
	m.mu.Unlock()

	if err := m.start(ctx, h); err != nil {
		h.mu.Lock()
		if h.logCloser != nil {
			h.logCloser.Close()
		}
		h.mu.Unlock()
		m.mu.Lock()
		delete(m.handles, id)
		m.mu.Unlock()
		return nil, err
	}
	return h, nil
}

// start performs the actual spawn-and-handshake sequence, reused for both
// the initial Spawn and each restart.
func (m *Manager) start(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	opts := h.opts
	h.mu.Unlock()

	tr := transport.NewStdioTransport(transport.StdioOptions{
		Command: opts.Command,
		Args:    opts.Args,
		Env:     opts.Env,
		Dir:     opts.Dir,
	})

	handleLogger := opts.Logger
	var logCloser io.Closer
	if opts.LogDir != "" {
		enriched, closer, _, err := logging.NewProcessLogger(opts.Logger, opts.LogDir, m.moduleName, h.id)
		if err != nil {
			return ipcerr.New(ipcerr.KindState, "process.Spawn", err)
		}
		handleLogger = enriched
		logCloser = closer
	}

	control := channel.New(channel.Options{
		Transport:                tr,
		Framing:                  framing.NewLengthPrefixed(opts.MaxFrameSize),
		Serialization:            opts.Serialization,
		Protocol:                 opts.Protocol,
		DefaultTimeout:           opts.ControlTimeout,
		BufferEarlyNotifications: opts.BufferEarlyNotifications,
		MaxInboundFrames:         opts.MaxInboundFrames,
		PendingRequestPoolSize:   opts.PendingRequestPoolSize,
		Metrics:                  opts.Metrics,
		Logger:                   handleLogger,
	})

	// Subscribe to the transport's own close event before connecting, so
	// a child that exits the instant it starts is never missed — the
	// same subscribe-before-connect discipline channel.Start applies to
	// its own data subscription.
	exitUnsub := tr.On(transport.EventClose, func(evt transport.Event) {
		m.onProcessExit(h, evt.Err)
	})

	h.mu.Lock()
	if h.logCloser != nil {
		h.logCloser.Close()
	}
	h.tr = tr
	h.control = control
	h.logCloser = logCloser
	h.mu.Unlock()

	m.emitter.Emit(Event{Kind: EventSpawn, ID: h.id})

	if err := control.Start(ctx); err != nil {
		exitUnsub()
		return ipcerr.New(ipcerr.KindTransport, "process.Spawn", err)
	}

	if opts.DataChannel.Enabled {
		if err := m.startDataChannel(h, opts); err != nil {
			control.Close()
			return err
		}
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, opts.ReadyTimeout)
	payload := map[string]any{"version": 1, "capabilities": []string{"zstd"}}
	if h.dataPath != "" {
		payload["data_channel"] = map[string]any{"path": h.dataPath, "serialization": opts.DataChannel.Serialization.Name()}
	}
	_, err := control.Request(handshakeCtx, methodHandshake, payload, opts.ReadyTimeout)
	cancel()
	if err != nil {
		control.Close()
		return ipcerr.New(ipcerr.KindProtocol, "process.Spawn", fmt.Errorf("handshake with %q failed: %w", h.id, err))
	}

	h.mu.Lock()
	h.state = StateRunning
	h.mu.Unlock()
	m.emitter.Emit(Event{Kind: EventReady, ID: h.id})
	return nil
}

func (m *Manager) startDataChannel(h *Handle, opts SpawnOptions) error {
	path := pipeaddr.Derive(m.moduleName, h.id)
	if err := pipeaddr.CleanupStale(path); err != nil {
		return ipcerr.New(ipcerr.KindTransport, "process.startDataChannel", err)
	}
	if err := pipeaddr.EnsureDir(path); err != nil {
		return ipcerr.New(ipcerr.KindTransport, "process.startDataChannel", err)
	}

	ready := make(chan struct{})
	h.mu.Lock()
	h.dataPath = path
	h.dataReady = ready
	h.mu.Unlock()

	var once sync.Once
	server := transport.NewSocketServer(path, func(conn transport.Transport) {
		limited := transport.NewRateLimitedTransport(context.Background(), conn, opts.DataChannel.MaxBytesPerSec)
		dataCh := channel.New(channel.Options{
			Transport:     limited,
			Framing:       framing.NewLengthPrefixed(opts.DataChannel.MaxFrameSize),
			Serialization: opts.DataChannel.Serialization,
			Protocol:      opts.Protocol,
			Logger:        opts.Logger,
			Metrics:       opts.Metrics,
		})
		if err := dataCh.Start(context.Background()); err != nil {
			m.emitter.Emit(Event{Kind: EventError, ID: h.id, Err: err})
			return
		}
		h.mu.Lock()
		h.data = dataCh
		h.mu.Unlock()
		once.Do(func() { close(ready) })
		m.emitter.Emit(Event{Kind: EventDataChannelReady, ID: h.id})
	})
	if err := server.Listen(); err != nil {
		return err
	}
	h.mu.Lock()
	h.dataServer = server
	h.mu.Unlock()
	return nil
}

// onProcessExit runs on the child's transport-close event: it computes the
// exit code, rejects the control channel's pending requests, and either
// reports a clean exit or drives the restart policy.
func (m *Manager) onProcessExit(h *Handle, waitErr error) {
	h.mu.Lock()
	if h.terminating {
		h.mu.Unlock()
		m.emitter.Emit(Event{Kind: EventExit, ID: h.id, ExitCode: 0})
		return
	}
	if h.state == StateCrashed || h.state == StateRestarting || h.state == StateExited {
		// Already being handled by a prior exit signal (the transport's
		// own EventClose and the liveness probe can both observe the
		// same dead process); avoid double restart/exit reporting.
		h.mu.Unlock()
		return
	}
	h.state = StateCrashed
	policy := h.opts.Restart
	restartCount := h.restartCount
	h.mu.Unlock()

	h.control.Close()

	code := exitCode(waitErr)
	if code == 0 {
		h.mu.Lock()
		h.state = StateExited
		logCloser := h.logCloser
		h.logCloser = nil
		h.mu.Unlock()
		if logCloser != nil {
			logCloser.Close()
		}
		logging.RemoveProcessLog(h.opts.LogDir, m.moduleName, h.id)
		m.emitter.Emit(Event{Kind: EventExit, ID: h.id, ExitCode: 0})
		return
	}

	m.emitter.Emit(Event{Kind: EventCrash, ID: h.id, ExitCode: code, Err: waitErr})

	if !policy.Enabled || restartCount >= policy.MaxRestarts {
		m.emitter.Emit(Event{Kind: EventExit, ID: h.id, ExitCode: code})
		return
	}

	delay := restartDelay(policy, restartCount)

	h.mu.Lock()
	h.state = StateRestarting
	h.mu.Unlock()
	m.emitter.Emit(Event{Kind: EventRestart, ID: h.id, Attempt: restartCount + 1, Delay: delay})
	m.metrics.ObserveRestart(h.id)

	time.AfterFunc(delay, func() {
		h.mu.Lock()
		h.restartCount++
		h.mu.Unlock()
		if err := m.start(context.Background(), h); err != nil {
			m.logger.Error("restart failed", "id", h.id, "error", err)
			h.mu.Lock()
			h.state = StateCrashed
			h.mu.Unlock()
			m.emitter.Emit(Event{Kind: EventError, ID: h.id, Err: err})
		}
	})
}

// restartDelay computes min(backoff * 2^restartCount, maxBackoff), per
// spec.md §4.10's restart policy formula (delay = min(backoffMs ·
// 2^restartCount, maxBackoffMs)), grounded on the teacher's
// calculateBackoff (internal/agent/daemon.go) with the base case folded in
// as restartCount==0 rather than a separate attempt-1 exponent.
func restartDelay(policy RestartPolicy, restartCount int) time.Duration {
	delay := policy.Backoff
	if delay <= 0 {
		delay = time.Second
	}
	for i := 0; i < restartCount; i++ {
		delay *= 2
	}
	if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
		delay = policy.MaxBackoff
	}
	return delay
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Terminate gracefully shuts down id's process (falling back to a forced
// kill) and removes it from the registry.
func (m *Manager) Terminate(ctx context.Context, id string, opts shutdown.Options) (*shutdown.Result, error) {
	h, ok := m.GetHandle(id)
	if !ok {
		return nil, ipcerr.Newf(ipcerr.KindState, "process.Terminate", "no process registered under %q", id)
	}
	res, err := h.Close(ctx, opts)
	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()
	return res, err
}

// TerminateAll terminates every registered process, collecting the first
// error encountered (if any) while still attempting every handle.
func (m *Manager) TerminateAll(ctx context.Context, opts shutdown.Options) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if _, err := m.Terminate(ctx, id, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReloadRestartPolicy updates id's restart policy in place without
// respawning the process, mirroring the teacher's SIGHUP config reload
// that replaces the scheduler without downtime.
func (m *Manager) ReloadRestartPolicy(id string, policy RestartPolicy) error {
	h, ok := m.GetHandle(id)
	if !ok {
		return ipcerr.Newf(ipcerr.KindState, "process.ReloadRestartPolicy", "no process registered under %q", id)
	}
	h.mu.Lock()
	h.opts.Restart = policy
	h.mu.Unlock()
	return nil
}

// WithHealthCheckSchedule starts a cron-driven liveness probe independent
// of any application-level heartbeat: on each tick, every registered
// handle whose process is no longer alive is routed through the same
// crash/restart path as an unexpected exit. Grounded on the teacher's
// Scheduler (internal/agent/scheduler.go), which drives one cron.Cron per
// set of periodic jobs via cron.New/AddFunc.
func (m *Manager) WithHealthCheckSchedule(cronExpr string) error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.cron != nil {
		m.cron.Stop()
	}
	c := cron.New()
	if _, err := c.AddFunc(cronExpr, m.probeLiveness); err != nil {
		return ipcerr.New(ipcerr.KindState, "process.WithHealthCheckSchedule", err)
	}
	c.Start()
	m.cron = c
	return nil
}

// StopHealthCheckSchedule stops a previously installed liveness probe, if any.
func (m *Manager) StopHealthCheckSchedule() {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.cron != nil {
		m.cron.Stop()
		m.cron = nil
	}
}

func (m *Manager) probeLiveness() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if h.State() != StateRunning {
			continue
		}
		h.mu.Lock()
		tr := h.tr
		h.mu.Unlock()
		if _, ok := tr.Pid(); !ok {
			m.logger.Warn("liveness probe found dead process", "id", h.id)
			m.onProcessExit(h, errors.New("liveness probe: process not running"))
		}
	}
}
