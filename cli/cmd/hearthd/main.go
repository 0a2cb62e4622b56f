// Command hearthd runs the hearth automation daemon against a single YAML
// configuration file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"hearth/engine"
	"hearth/engine/config"

	// Built-in plugins register their factories on import.
	_ "hearth/plugins/hass"
	_ "hearth/plugins/scrape"
)

type options struct {
	configFile  string
	appDir      string
	logLevel    string
	metricsAddr string
	errorFile   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "hearthd",
		Short:         "Event- and time-driven automation daemon hosting user-written apps.",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	addFlags(cmd.Flags(), opts)
	return cmd
}

func addFlags(flags *pflag.FlagSet, opts *options) {
	flags.StringVarP(&opts.configFile, "config", "c", "hearth.yaml", "path to the configuration file")
	flags.StringVar(&opts.appDir, "app-dir", "", "override the app directory from the config file")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "listen address for /metrics (requires metrics enabled)")
	flags.StringVar(&opts.errorFile, "error-file", "", "separate sink for user-code error traces (default stderr)")
}

func run(ctx context.Context, opts *options) error {
	logger, errLogger, err := buildLoggers(opts)
	if err != nil {
		return err
	}

	appCfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	daemon, err := config.DaemonSection(appCfg)
	if err != nil {
		return err
	}
	cfg, err := engine.FromDaemon(daemon, opts.configFile)
	if err != nil {
		return err
	}
	if opts.appDir != "" {
		cfg.AppDir = opts.appDir
	}
	cfg.Logger = logger
	cfg.ErrorLogger = errLogger

	e, err := engine.New(cfg)
	if err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		handler := e.MetricsHandler()
		if handler == nil {
			logger.Warn("metrics address set but metrics are disabled or non-prometheus")
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", handler)
			go func() {
				if err := http.ListenAndServe(opts.metricsAddr, mux); err != nil {
					logger.Error("metrics server exited", "error", err)
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return e.Run(ctx)
}

func buildLoggers(opts *options) (*slog.Logger, *slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q", opts.logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	errSink := os.Stderr
	if opts.errorFile != "" {
		f, err := os.OpenFile(opts.errorFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		errSink = f
	}
	errLogger := slog.New(slog.NewTextHandler(errSink, &slog.HandlerOptions{Level: level}))
	return logger, errLogger, nil
}
