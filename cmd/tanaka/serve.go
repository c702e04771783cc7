package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tanaka"
	"pkt.systems/tanaka/core"
	"pkt.systems/tanaka/httpapi"
	"pkt.systems/tanaka/internal/appconfig"
	"pkt.systems/tanaka/internal/chromehost"
	"pkt.systems/tanaka/schema"
	"pkt.systems/tanaka/sshserver"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var hostSource string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with its control surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if hostSource != "" {
				cfg.Host.Source = hostSource
			}
			if cfg.Host.Source == appconfig.HostSourceStdin && stdinIsTerminal() {
				logger.Warn("host events are read from an interactive terminal, expecting NDJSON lines")
			}
			serverCfg, opts := toServerConfig(cfg)
			server, err := tanaka.New(cmd.Context(), serverCfg, tanaka.ServerDeps{
				Stdin:  cmd.InOrStdin(),
				Logger: logger,
			}, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("engine starting", "state_dir", cfg.StateDir, "store", cfg.Store.Backend, "host", cfg.Host.Source)
			if cfg.HTTP.Enabled {
				logger.Info("http server listening", "addr", cfg.HTTP.Addr)
			}
			if cfg.SSH.Enabled {
				logger.Info("ssh server listening", "addr", cfg.SSH.Addr)
			}
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&hostSource, "host", "", "override host.source (none, stdin, file, chrome)")
	return cmd
}

func toServerConfig(cfg appconfig.Config) (tanaka.ServerConfig, []tanaka.ServerOption) {
	serverCfg := tanaka.ServerConfig{
		StateDir:     cfg.StateDir,
		StoreBackend: cfg.Store.Backend,
		Engine: core.EngineConfig{
			Sync: core.SyncConfig{
				DebounceDelay: cfg.Engine.Debounce(),
				BackoffBase:   cfg.Engine.BackoffBase(),
				BackoffCap:    cfg.Engine.BackoffCap(),
				CallTimeout:   cfg.Engine.CallTimeout(),
			},
			CoalesceWindow: cfg.Engine.CoalesceWindow(),
			Origin:         schema.OriginID(cfg.Engine.Origin),
		},
		SettingsDefaults: cfg.Settings.DefaultUserSettings(),
		Host: tanaka.HostConfig{
			Source:   cfg.Host.Source,
			FeedPath: cfg.Host.FeedPath,
			Chrome: chromehost.Config{
				RemoteURL: cfg.Host.Chrome.RemoteURL,
				ExecPath:  cfg.Host.Chrome.ExecPath,
				Headless:  cfg.Host.Chrome.Headless,
			},
		},
		HTTP: toHTTPConfig(cfg.HTTP),
		SSH:  toSSHConfig(cfg.SSH),
	}
	if cfg.Vault.Enabled {
		serverCfg.VaultPath = cfg.Vault.KeyStorePath
	}
	var opts []tanaka.ServerOption
	if cfg.HTTP.Enabled {
		opts = append(opts, tanaka.WithHTTP())
	}
	if cfg.SSH.Enabled {
		opts = append(opts, tanaka.WithSSH())
	}
	return serverCfg, opts
}

func toHTTPConfig(cfg appconfig.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:     cfg.Addr,
		BasePath: cfg.BasePath,
		Token:    cfg.Token,
	}
}

func toSSHConfig(cfg appconfig.SSHConfig) sshserver.Config {
	return sshserver.Config{
		Addr:           cfg.Addr,
		HostKeyPath:    cfg.HostKeyPath,
		AuthorizedKeys: cfg.AuthorizedKeys,
		Prompt:         "tanaka> ",
	}
}

// stdinIsTerminal reports whether stdin is an interactive terminal.
func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
