package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sameehj/hwbridge/pkg/admin"
	"github.com/sameehj/hwbridge/pkg/auth"
	"github.com/sameehj/hwbridge/pkg/config"
	"github.com/sameehj/hwbridge/pkg/env"
	"github.com/sameehj/hwbridge/pkg/gateway"
	"github.com/sameehj/hwbridge/pkg/runtime/logging"
	"github.com/sameehj/hwbridge/pkg/session"
	"github.com/sameehj/hwbridge/pkg/transport"
	"github.com/sameehj/hwbridge/pkg/version"
	"github.com/spf13/pflag"
)

var (
	cfgFile      string
	hardwareAddr string
	appAddr      string
	maxSessions  int
	maxSlots     int
	showVersion  bool
)

func main() {
	pflag.StringVar(&cfgFile, "config", "", "config file (default: ~/.hwbridge/config.yaml if present)")
	pflag.StringVar(&hardwareAddr, "hardware-addr", "", "hardware listen address")
	pflag.StringVar(&appAddr, "app-addr", "", "application listen address")
	pflag.IntVar(&maxSessions, "max-sessions", 0, "maximum concurrent hardware connections (0 = unlimited)")
	pflag.IntVar(&maxSlots, "max-slots", 0, "highest bridge slot index")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(version.String())
		return
	}

	if wd, err := os.Getwd(); err == nil {
		if err := env.LoadFromDir(wd); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyFlags(cfg)

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway_failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.LoadConfig(path)
}

func applyFlags(cfg *config.Config) {
	if hardwareAddr != "" {
		cfg.Hardware.Address = hardwareAddr
	}
	if appAddr != "" {
		cfg.App.Address = appAddr
	}
	if maxSessions > 0 {
		cfg.Hardware.MaxSessions = maxSessions
	}
	if maxSlots > 0 {
		cfg.Bridge.MaxSlots = maxSlots
	}
}

type listenerEntry struct {
	serve    func(context.Context, transport.Listener) error
	listener transport.Listener
}

func openTokenStore(ctx context.Context, cfg *config.Config) (auth.TokenStore, func(), error) {
	if cfg.Tokens.Backend == config.BackendRedis {
		store, err := auth.NewRedisStore(ctx, cfg.Tokens.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	store, err := auth.NewMemoryStore(cfg.Tokens.Static...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tokens, closeTokens, err := openTokenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer closeTokens()

	users, err := auth.NewUsers(cfg.App.Users)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}

	gw := gateway.NewServer(
		session.NewRegistry(session.DefaultShards),
		tokens,
		gateway.AllowlistAuthorizer{Allowed: cfg.Hardware.AllowedAddrs},
	)
	gw.SetLogger(logger)
	gw.SetMaxSessions(cfg.Hardware.MaxSessions)
	gw.SetMaxSlots(cfg.Bridge.MaxSlots)
	gw.SetQueueSize(cfg.Bridge.QueueSize)
	gw.SetUsers(users)
	gw.SetAppAuthorizer(gateway.AllowlistAuthorizer{Allowed: cfg.App.AllowedAddrs})

	hardware, err := transport.ListenTCP(cfg.Hardware.Address)
	if err != nil {
		return err
	}
	listeners := []listenerEntry{{gw.ServeHardware, hardware}}
	if cfg.App.Address != "" {
		app, err := transport.ListenTCP(cfg.App.Address)
		if err != nil {
			_ = hardware.Close()
			return err
		}
		listeners = append(listeners, listenerEntry{gw.ServeApp, app})
	}
	if cfg.App.WSAddress != "" {
		ws, err := transport.ListenWebSocket(cfg.App.WSAddress, cfg.App.WSPath)
		if err != nil {
			for _, l := range listeners {
				_ = l.listener.Close()
			}
			return err
		}
		listeners = append(listeners, listenerEntry{gw.ServeApp, ws})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		errOnce.Do(func() { runErr = err })
		cancel()
	}

	for _, l := range listeners {
		wg.Add(1)
		go func(serve func(context.Context, transport.Listener) error, listener transport.Listener) {
			defer wg.Done()
			fail(serve(ctx, listener))
		}(l.serve, l.listener)
	}

	health := admin.NewHealthServer()
	if cfg.Admin.HTTPAddress != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(admin.NewServer(gw).ServeHTTP(ctx, cfg.Admin.HTTPAddress))
		}()
	}
	if cfg.Admin.GRPCAddress != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(health.ListenAndServe(ctx, cfg.Admin.GRPCAddress))
		}()
	}
	health.SetServing(true)

	logger.Info("gateway_started", "version", version.Version, "hardware", hardware.Addr(), "tokens", cfg.Tokens.Backend)
	<-ctx.Done()
	health.SetServing(false)
	logger.Info("gateway_stopping")

	wg.Wait()
	gw.Wait()
	return runErr
}
