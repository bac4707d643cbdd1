// Package cli implements the device agent command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"example.com/activitysync/internal/config"
	"example.com/activitysync/internal/connectivity"
	"example.com/activitysync/internal/localstore"
	"example.com/activitysync/internal/logging"
	"example.com/activitysync/internal/syncclient"
	"example.com/activitysync/internal/syncer"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Format     string // "json" | "text"

	v *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the device agent.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: config.NewAgentViper()}

	cmd := &cobra.Command{
		Use:   "olt",
		Short: "Offline learning tracker device agent",
		Long: `Records student activity on a device that may be offline, keeps it in a
durable local queue, and syncs it to the canonical store when the server is reachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return config.ReadAgentFile(opts.v, opts.ConfigFile)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (yaml, json or toml)")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.String(config.KeyBackendURL, "http://localhost:4000", "sync server base URL")
	flags.String(config.KeyStoreDriver, "file", "local store driver (file|sqlite|memory)")
	flags.String(config.KeyStorePath, "", "local store directory (file) or database path (sqlite)")
	flags.Duration(config.KeyRequestTimeout, 0, "timeout for each request to the server")
	flags.Duration(config.KeyProbeInterval, 0, "interval between connectivity probes")
	flags.String(config.KeyLogLevel, "info", "log level")
	flags.String(config.KeyLogFormat, "text", "log format (json|text)")
	flags.String(config.KeyLogFile, "", "write logs to this file with rotation")
	flags.String(config.KeyMetricsAddress, "", "serve Prometheus metrics on this address (run only)")
	for _, key := range []string{
		config.KeyBackendURL, config.KeyStoreDriver, config.KeyStorePath,
		config.KeyRequestTimeout, config.KeyProbeInterval, config.KeyLogLevel,
		config.KeyLogFormat, config.KeyLogFile, config.KeyMetricsAddress,
	} {
		flag := flags.Lookup(key)
		// Only flags the user actually set override env and file values.
		_ = opts.v.BindPFlag(key, flag)
	}

	cmd.AddCommand(NewUsersCommand(opts))
	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewAutoSyncCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// runtime is everything a command needs, built from the resolved configuration.
type runtime struct {
	cfg    config.AgentConfig
	logger *logrus.Logger
	store  *localstore.Store
	client *syncclient.Client
	probe  *connectivity.Probe
	orch   *syncer.Orchestrator

	logCloser io.Closer
}

func (o *RootOptions) openRuntime() (*runtime, error) {
	cfg, err := config.LoadAgent(o.v)
	if err != nil {
		return nil, err
	}

	logger, logCloser := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	store, err := localstore.Open(cfg.StoreDriver, cfg.StorePath, localstore.WithLogger(logger))
	if err != nil {
		_ = logCloser.Close()
		return nil, fmt.Errorf("open local store: %w", err)
	}

	client := syncclient.New(
		syncclient.WithBaseURL(cfg.BackendURL),
		syncclient.WithTimeout(cfg.RequestTimeout),
	)
	probe := connectivity.NewProbe(client, cfg.ProbeInterval,
		connectivity.WithLogger(logger),
		connectivity.WithTimeout(cfg.RequestTimeout),
	)
	orch := syncer.New(store, client, probe, syncer.Options{
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		client:    client,
		probe:     probe,
		orch:      orch,
		logCloser: logCloser,
	}, nil
}

// connect probes the server once and feeds the result to the orchestrator,
// which refreshes the roster and drains an auto-sync queue on success.
func (rt *runtime) connect(ctx context.Context) bool {
	online := rt.probe.CheckOnce(ctx)
	rt.orch.HandleConnectivity(ctx, online)
	return online
}

func (rt *runtime) Close() error {
	rt.orch.Close()
	err := rt.store.Close()
	_ = rt.logCloser.Close()
	return err
}

// withRuntime opens the runtime, runs fn, and closes it.
func withRuntime(opts *RootOptions, fn func(*runtime) error) error {
	rt, err := opts.openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

// emit writes v as JSON, or the text form, depending on --format.
func emit(cmd *cobra.Command, opts *RootOptions, v any, text func(io.Writer)) error {
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}
