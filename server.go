package tanaka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/core"
	"pkt.systems/tanaka/httpapi"
	"pkt.systems/tanaka/internal/chromehost"
	"pkt.systems/tanaka/internal/eventbus"
	"pkt.systems/tanaka/internal/hostfeed"
	"pkt.systems/tanaka/internal/messaging"
	"pkt.systems/tanaka/internal/persist"
	"pkt.systems/tanaka/internal/settings"
	"pkt.systems/tanaka/internal/tanakaapi"
	"pkt.systems/tanaka/internal/tokenvault"
	"pkt.systems/tanaka/schema"
	"pkt.systems/tanaka/sshserver"
)

// Server composes the engine with its host source and control surfaces.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	// Requests accepts control requests from in-process surfaces.
	Requests() chan<- messaging.Envelope
}

// Host event sources.
const (
	HostSourceNone   = "none"
	HostSourceStdin  = "stdin"
	HostSourceFile   = "file"
	HostSourceChrome = "chrome"
)

// ServerConfig configures the compositor.
type ServerConfig struct {
	StateDir         string
	StoreBackend     string
	Engine           core.EngineConfig
	SettingsDefaults schema.UserSettings
	// VaultPath enables sealing of the auth token when set.
	VaultPath string
	Host      HostConfig
	HTTP      httpapi.Config
	SSH       sshserver.Config
}

// HostConfig selects where host events come from.
type HostConfig struct {
	Source   string
	FeedPath string
	Chrome   chromehost.Config
}

// ServerDeps captures optional dependencies; nil values are built from config.
type ServerDeps struct {
	Store        persist.Store
	Transport    core.Transport
	Stdin        io.Reader
	HTTPListener net.Listener
	SSHListener  net.Listener
	Logger       pslog.Logger
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	enableSSH  bool
}

// WithHTTP enables the HTTP control API.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSSH enables the SSH console.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// New restores the engine from the state directory and wires the enabled
// surfaces around it.
func New(ctx context.Context, cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	ctx = pslog.ContextWithLogger(ctx, logger)

	switch cfg.Host.Source {
	case "", HostSourceNone, HostSourceStdin, HostSourceChrome:
	case HostSourceFile:
		if cfg.Host.FeedPath == "" {
			return nil, errors.New("host feed path is required")
		}
	default:
		return nil, fmt.Errorf("unsupported host source %q", cfg.Host.Source)
	}

	store := deps.Store
	ownsStore := false
	if store == nil {
		opened, err := persist.Open(cfg.StoreBackend, cfg.StateDir, logger)
		if err != nil {
			return nil, err
		}
		store = opened
		ownsStore = true
	}
	closeStore := func() {
		if ownsStore {
			_ = store.Close()
		}
	}

	var sealer settings.Sealer
	if cfg.VaultPath != "" {
		vault, err := tokenvault.NewWithLogger(cfg.VaultPath, logger)
		if err != nil {
			closeStore()
			return nil, err
		}
		sealer = vault
	}
	settingsMgr, err := settings.Load(ctx, store, settings.Options{
		Defaults: cfg.SettingsDefaults,
		Sealer:   sealer,
		Logger:   logger,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	transport := deps.Transport
	if transport == nil {
		transport = tanakaapi.New(tanakaapi.WithLogger(logger), tanakaapi.WithTimeout(cfg.Engine.Sync.CallTimeout))
	}

	bus := eventbus.New(logger)
	sinks := []core.EventSink{bus}
	var hub *httpapi.Hub
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HTTP.HistorySize, logger)
		sinks = append(sinks, hub)
	}

	engine, err := core.NewEngine(ctx, cfg.Engine, core.EngineDeps{
		Store:     store,
		Settings:  settingsMgr,
		Transport: transport,
		EventSink: eventFanout{sinks: sinks},
		Logger:    logger,
	})
	if err != nil {
		closeStore()
		return nil, err
	}
	handler, err := messaging.New(engine, bus, logger)
	if err != nil {
		_ = engine.Close()
		closeStore()
		return nil, err
	}

	s := &compositeServer{
		cfg:       cfg,
		deps:      deps,
		options:   options,
		engine:    engine,
		handler:   handler,
		store:     store,
		ownsStore: ownsStore,
		requests:  make(chan messaging.Envelope),
	}
	if options.enableHTTP {
		s.httpSrv = httpapi.NewServer(cfg.HTTP, handler, hub)
	}
	if options.enableSSH {
		s.sshSrv = &sshserver.Server{
			Config:   cfg.SSH,
			Listener: deps.SSHListener,
			Control:  handler,
		}
	}
	return s, nil
}

type compositeServer struct {
	cfg       ServerConfig
	deps      ServerDeps
	options   serverOptions
	engine    *core.Engine
	handler   *messaging.Handler
	store     persist.Store
	ownsStore bool
	httpSrv   *httpapi.Server
	sshSrv    *sshserver.Server
	requests  chan messaging.Envelope
	logger    pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	wg      sync.WaitGroup
	started bool
	stopped bool
}

func (s *compositeServer) Requests() chan<- messaging.Envelope {
	return s.requests
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 5)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"origin", string(s.engine.Origin()),
		"host", s.cfg.Host.Source,
		"http", s.options.enableHTTP,
		"ssh", s.options.enableSSH,
		"http_addr", s.cfg.HTTP.Addr,
		"ssh_addr", s.cfg.SSH.Addr,
	)

	var host chan schema.HostEvent
	if source := s.hostSource(); source != nil {
		host = make(chan schema.HostEvent, 64)
		s.spawn("host source", func(ctx context.Context) error {
			err := source(ctx, host)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	s.spawn("engine", func(ctx context.Context) error {
		return s.engine.Run(ctx, host)
	})
	s.spawn("messaging", func(ctx context.Context) error {
		return s.handler.Serve(ctx, s.requests)
	})
	if s.httpSrv != nil {
		s.spawn("http server", func(ctx context.Context) error {
			if s.deps.HTTPListener != nil {
				return httpapi.Serve(ctx, s.deps.HTTPListener, s.httpSrv.Handler())
			}
			return httpapi.ListenAndServe(ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler())
		})
	}
	if s.sshSrv != nil {
		s.spawn("ssh server", s.sshSrv.ListenAndServe)
	}
	return nil
}

func (s *compositeServer) hostSource() func(context.Context, chan<- schema.HostEvent) error {
	switch s.cfg.Host.Source {
	case HostSourceStdin:
		if s.deps.Stdin == nil {
			return nil
		}
		return func(ctx context.Context, out chan<- schema.HostEvent) error {
			return hostfeed.Read(ctx, s.deps.Stdin, out)
		}
	case HostSourceFile:
		return func(ctx context.Context, out chan<- schema.HostEvent) error {
			return hostfeed.Follow(ctx, s.cfg.Host.FeedPath, out)
		}
	case HostSourceChrome:
		return chromehost.New(s.cfg.Host.Chrome).Run
	default:
		return nil
	}
}

func (s *compositeServer) spawn(name string, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(s.ctx); err != nil {
			s.logger.Error(name+" failed", "err", err)
			s.errCh <- fmt.Errorf("%s: %w", name, err)
			return
		}
		s.logger.Debug(name + " stopped")
	}()
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	stopped := s.stopped
	s.stopped = true
	log := s.logger
	s.mu.Unlock()
	if stopped {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	if !started {
		s.release(log)
		return nil
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
	}
	s.release(log)
	log.Info("server stopped")
	return nil
}

func (s *compositeServer) release(log pslog.Logger) {
	if err := s.engine.Close(); err != nil {
		log.Warn("server engine close failed", "err", err)
	}
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			log.Warn("server store close failed", "err", err)
		}
	}
}
