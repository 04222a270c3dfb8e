// Package daemon implements the conductord background service.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/drewfead/conductor/internal/backend"
	"github.com/drewfead/conductor/internal/config"
	"github.com/drewfead/conductor/internal/control"
	"github.com/drewfead/conductor/internal/eventlog"
	"github.com/drewfead/conductor/internal/history"
	"github.com/drewfead/conductor/internal/logging"
	"github.com/drewfead/conductor/internal/orchestrator"
	"github.com/drewfead/conductor/internal/store"
	"github.com/drewfead/conductor/internal/tracing"
)

// ShutdownTimeout bounds backend teardown and the final history flush.
const ShutdownTimeout = 30 * time.Second

// Options configures New beyond the config file.
type Options struct {
	// ConfigPath is re-read on SIGHUP. Empty uses config.DefaultConfigPath.
	ConfigPath string
	Version    string
	// Dial overrides how backend sessions are opened.
	Dial orchestrator.Dialer
	// Tracer is shut down with the daemon.
	Tracer *tracing.Provider
}

// Daemon wires the orchestrator to persistence and the control socket.
type Daemon struct {
	cfgMu      sync.RWMutex
	config     *config.Config
	configPath string
	version    string
	started    time.Time

	store   *store.Store
	server  *control.Server
	bus     *eventlog.Bus
	journal *eventlog.Journal
	threads *history.FileStore
	saver   *history.Saver
	orch    *orchestrator.Orchestrator
	tracer  *tracing.Provider

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// New creates a daemon. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	st, err := store.New(cfg.Daemon.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:     cfg,
		configPath: opts.ConfigPath,
		version:    opts.Version,
		store:      st,
		server:     control.NewServer(cfg.Daemon.Socket),
		bus:        eventlog.NewBus(),
		threads:    history.NewFileStore(cfg.History.Dir),
		tracer:     opts.Tracer,
		ctx:        ctx,
		cancel:     cancel,
	}
	if d.configPath == "" {
		d.configPath = config.DefaultConfigPath()
	}

	if cfg.Journal.Enabled {
		d.journal = eventlog.NewJournal(st, 0)
		d.bus.SubscribeAll(d.journal)
	}

	dial := opts.Dial
	if dial == nil {
		dial = d.dial
	}
	d.orch = orchestrator.New(orchestrator.Options{
		Dial:           dial,
		Sink:           d.bus,
		OnDirty:        d.markDirty,
		InterruptGrace: cfg.Session.InterruptGrace,
		PromptTimeout:  cfg.Session.PromptTimeout,
	})
	d.saver = history.NewSaver(d.threads, d.orch.Snapshot, cfg.History.Debounce)

	d.registerHandlers()
	return d, nil
}

func (d *Daemon) markDirty(workspaceID string) {
	d.saver.MarkDirty(workspaceID)
}

// Start restores registered workspaces and their history, opens the
// control socket and starts the background loops. Workspaces connect in
// the background.
func (d *Daemon) Start() error {
	d.started = time.Now()

	workspaces, err := d.store.ListWorkspaces()
	if err != nil {
		return fmt.Errorf("failed to list workspaces: %w", err)
	}
	for _, ws := range workspaces {
		info, err := toOrchestrator(ws)
		if err != nil {
			logging.Warn("skipping workspace", "workspace_id", ws.ID, "error", err)
			continue
		}
		d.orch.Register(info)
		d.restoreHistory(ws.ID)
	}

	if err := d.server.Start(); err != nil {
		return err
	}
	logging.Info("control server listening", "socket", d.config.Daemon.Socket)

	for _, ws := range workspaces {
		id := ws.ID
		d.safeGo("connect-"+id, func() {
			if err := d.orch.Connect(d.ctx, id); err != nil {
				logging.Warn("connect on launch failed", "workspace_id", id, "error", err)
			}
		})
	}

	if d.journal != nil {
		d.wg.Add(1)
		go d.safeLoop("journal-prune", d.pruneLoop)
	}
	return nil
}

// restoreHistory merges a workspace's snapshot into live state. Read
// failures are logged and treated as no history.
func (d *Daemon) restoreHistory(workspaceID string) {
	snap, err := d.threads.Load(workspaceID)
	if err != nil {
		logging.Warn("history unreadable, starting empty", "workspace_id", workspaceID, "error", err)
		return
	}
	if snap == nil {
		return
	}
	snap.WorkspaceID = workspaceID
	if _, err := d.orch.RestoreHistory(*snap); err != nil {
		logging.Warn("history restore failed", "workspace_id", workspaceID, "error", err)
	}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		d.store.Close()
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	return d.signalLoop(sigCh)
}

// signalLoop handles OS signals for graceful shutdown.
func (d *Daemon) signalLoop(sigCh <-chan os.Signal) error {
	for {
		sig := <-sigCh

		switch sig {
		case syscall.SIGHUP:
			logging.Info("received SIGHUP, reloading config")
			if err := d.reloadConfig(); err != nil {
				logging.Error("config reload failed", "error", err)
			}

		case syscall.SIGINT, syscall.SIGTERM:
			logging.Info("received shutdown signal, starting graceful shutdown", "signal", sig.String())

			shutdownDone := make(chan struct{})
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
				defer cancel()
				d.Shutdown(ctx)
				close(shutdownDone)
			}()

			select {
			case <-shutdownDone:
				logging.Info("graceful shutdown complete")
				return nil

			case sig2 := <-sigCh:
				logging.Warn("received second signal, forcing immediate shutdown", "signal", sig2.String())
				d.forceShutdown()
				return fmt.Errorf("forced shutdown by signal: %s", sig2.String())
			}
		}
	}
}

// Shutdown stops accepting requests, disconnects every backend, writes
// pending history and closes the store.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.shutdownOnce.Do(func() {
		d.server.Broadcast(control.Event{Type: control.EventDaemonStopping, Payload: map[string]any{"pid": os.Getpid()}})
		d.server.Stop()
		d.cancel()

		d.orch.Shutdown(ctx)
		d.saver.FlushAll()
		d.saver.Stop()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			logging.Warn("background loops did not stop before the deadline")
		}

		if d.journal != nil {
			d.journal.Close()
		}
		if err := d.store.Close(); err != nil {
			logging.Error("error closing database", "error", err)
		}
		if err := d.tracer.Shutdown(ctx); err != nil {
			logging.Warn("tracer shutdown", "error", err)
		}
	})
}

// forceShutdown saves what it can without waiting on backends.
func (d *Daemon) forceShutdown() {
	d.cancel()
	d.saver.FlushAll()
	d.server.Stop()
	d.store.Close()
	logging.Flush(500 * time.Millisecond)
}

// reloadConfig applies the reloadable subset of the config file: log
// level, session timeouts, interrupt grace and history debounce.
func (d *Daemon) reloadConfig() error {
	newCfg, err := config.LoadFile(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if level, err := logging.ParseLevel(newCfg.Daemon.LogLevel); err == nil {
		logging.SetLevel(level)
	} else {
		logging.Warn("ignoring log level", "error", err)
	}
	d.orch.SetTimeouts(newCfg.Session.InterruptGrace, newCfg.Session.PromptTimeout)
	d.saver.SetDebounce(newCfg.History.Debounce)

	d.cfgMu.Lock()
	d.config.Daemon.LogLevel = newCfg.Daemon.LogLevel
	d.config.Session.RequestTimeout = newCfg.Session.RequestTimeout
	d.config.Session.InitTimeout = newCfg.Session.InitTimeout
	d.config.Session.PromptTimeout = newCfg.Session.PromptTimeout
	d.config.Session.InterruptGrace = newCfg.Session.InterruptGrace
	d.config.History.Debounce = newCfg.History.Debounce
	d.cfgMu.Unlock()

	logging.Info("config reloaded",
		"log_level", newCfg.Daemon.LogLevel,
		"request_timeout", newCfg.Session.RequestTimeout,
		"interrupt_grace", newCfg.Session.InterruptGrace,
		"history_debounce", newCfg.History.Debounce)
	return nil
}

// dial opens a backend connection with the configured launch settings.
func (d *Daemon) dial(ctx context.Context, ws orchestrator.Workspace) (orchestrator.Session, error) {
	conn, err := backend.Connect(ctx, ws.ID, ws.Path, d.backendOptions(ws))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d *Daemon) backendOptions(ws orchestrator.Workspace) backend.Options {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	cfg := d.config

	opts := backend.Options{
		Kind:           ws.Kind,
		InitTimeout:    cfg.Session.InitTimeout,
		RequestTimeout: cfg.Session.RequestTimeout,
		InboundBuffer:  cfg.Session.InboundBuffer,
		ClientName:     cfg.Session.ClientName,
		ClientVersion:  cfg.Session.ClientVersion,
	}
	if d.version != "" && opts.ClientVersion == "dev" {
		opts.ClientVersion = d.version
	}

	var proc config.ProcessConfig
	switch ws.Kind {
	case backend.KindSDK:
		proc = cfg.Backends.SDK
	case backend.KindRemote:
		remote := cfg.Backends.Remote
		opts.RemoteURL = remote.URL
		opts.TokenSecret = remote.TokenSecret
		opts.TokenTTL = remote.TokenTTL
		if remote.HandshakeTimeout > 0 {
			opts.InitTimeout = remote.HandshakeTimeout
		}
		if ws.Bin != "" {
			opts.RemoteURL = ws.Bin
		}
		return opts
	default:
		proc = cfg.Backends.Legacy
	}

	opts.Bin = proc.Bin
	opts.Args = proc.Args
	opts.Env = proc.Env
	if ws.Bin != "" {
		opts.Bin = ws.Bin
	}
	if len(ws.Args) > 0 {
		opts.Args = ws.Args
	}
	return opts
}

// pruneLoop trims the journal to the retention window.
func (d *Daemon) pruneLoop() {
	defer d.wg.Done()

	d.cfgMu.RLock()
	interval, retention := d.config.Journal.PruneInterval, d.config.Journal.Retention
	d.cfgMu.RUnlock()
	if interval <= 0 {
		interval = time.Hour
	}

	prune := func() {
		n, err := d.journal.Prune(retention)
		if err != nil {
			logging.Warn("journal prune failed", "error", err)
			return
		}
		if n > 0 {
			logging.Info("journal pruned", "events", n, "retention", retention)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// safeGo runs a function in a goroutine with panic recovery.
func (d *Daemon) safeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.CapturePanic(r, "goroutine", name)
			}
		}()
		fn()
	}()
}

// safeLoop wraps a loop function with panic recovery.
func (d *Daemon) safeLoop(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "loop", name)
		}
	}()
	fn()
}

func toOrchestrator(ws *store.Workspace) (orchestrator.Workspace, error) {
	kind, err := backend.ParseKind(ws.Kind)
	if err != nil {
		return orchestrator.Workspace{}, err
	}
	return orchestrator.Workspace{
		ID:   ws.ID,
		Name: ws.Name,
		Path: ws.Path,
		Kind: kind,
		Bin:  ws.Bin,
		Args: ws.Args,
	}, nil
}
