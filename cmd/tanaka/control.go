package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/tanaka/httpapi"
	"pkt.systems/tanaka/internal/appconfig"
	"pkt.systems/tanaka/internal/command"
	"pkt.systems/tanaka/internal/format"
	"pkt.systems/tanaka/schema"
)

// Output formats for control commands.
const (
	outputPlain = "plain"
	outputYAML  = "yaml"
	outputJSON  = "json"
)

type controlFlags struct {
	cfgPath string
	addr    string
	token   string
	output  string
}

func (f *controlFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "control API base URL (defaults to http.addr from config)")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token for the control API (defaults to http.token from config)")
	cmd.Flags().StringVarP(&f.output, "output", "o", outputPlain, "output format: plain, yaml or json")
}

func (f *controlFlags) client() (*httpapi.Client, error) {
	switch f.output {
	case outputPlain, outputYAML, outputJSON:
	default:
		return nil, fmt.Errorf("unsupported output %q", f.output)
	}
	addr, token := f.addr, f.token
	if addr == "" || token == "" {
		cfg, err := appconfig.Load(f.cfgPath)
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = baseURL(cfg.HTTP)
		}
		if token == "" {
			token = cfg.HTTP.Token
		}
	}
	return httpapi.NewClient(addr, token), nil
}

func baseURL(cfg appconfig.HTTPConfig) string {
	host := cfg.Addr
	if h, port, err := net.SplitHostPort(host); err == nil && (h == "" || h == "0.0.0.0" || h == "::") {
		host = net.JoinHostPort("127.0.0.1", port)
	}
	return "http://" + host + strings.TrimRight(cfg.BasePath, "/")
}

func render(w io.Writer, output string, v any, plain func() []string) error {
	var data []byte
	var err error
	switch output {
	case outputJSON:
		data, err = format.JSON(v)
	case outputYAML:
		data, err = format.YAML(v)
	default:
		data = []byte(format.Lines(plain()))
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func newStatusCmd() *cobra.Command {
	var flags controlFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sync status of a running engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), flags.output, status, func() []string { return format.Status(status) })
		},
	}
	flags.register(cmd)
	return cmd
}

func newSyncCmd() *cobra.Command {
	var flags controlFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger an immediate sync cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			status, err := client.Sync(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), flags.output, status, func() []string {
				return append([]string{"sync requested"}, format.Status(status)...)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newSnapshotCmd() *cobra.Command {
	var flags controlFlags
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show the tracked windows and tabs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			snap, err := client.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), flags.output, snap, func() []string { return format.Snapshot(snap) })
		},
	}
	flags.register(cmd)
	return cmd
}

func newSettingsCmd() *cobra.Command {
	var flags controlFlags
	cmd := &cobra.Command{
		Use:   "settings [get | set key=value...]",
		Short: "Show or update the sync settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			settings, err := settingsAction(cmd.Context(), client, args)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), flags.output, settings, func() []string { return settingsLines(settings) })
		},
	}
	flags.register(cmd)
	return cmd
}

func settingsAction(ctx context.Context, client *httpapi.Client, args []string) (schema.UserSettings, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "get") {
		return client.Settings(ctx)
	}
	if args[0] != "set" {
		return schema.UserSettings{}, fmt.Errorf("unknown settings action %q", args[0])
	}
	if len(args) == 1 {
		return schema.UserSettings{}, fmt.Errorf("settings set requires key=value pairs")
	}
	patch, err := command.ParsePatch(args[1:])
	if err != nil {
		return schema.UserSettings{}, err
	}
	return client.UpdateSettings(ctx, patch)
}

func settingsLines(s schema.UserSettings) []string {
	token := "(unset)"
	if s.AuthToken != "" {
		token = s.AuthToken
	}
	return []string{
		"server_url: " + s.ServerURL,
		"auth_token: " + token,
		fmt.Sprintf("sync_interval_ms: %d", s.SyncIntervalMs),
		fmt.Sprintf("enabled: %t", s.Enabled),
	}
}
