package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rhuss/uiaa/pkg/config"
	"github.com/rhuss/uiaa/pkg/debug"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath     string
	homeserver     string
	accessToken    string
	debug          string
	logLevel       string
	nonInteractive bool
	metricsAddr    string
}

var (
	opts globalOptions
	cfg  *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "uiaa",
	Short:         "Run homeserver actions that require interactive authentication",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = loaded
		debug.Init(cfg.Logging.Debug, cfg.Logging.Level)
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")
	f.StringVar(&opts.homeserver, "homeserver", "", "homeserver base URL")
	f.StringVar(&opts.accessToken, "access-token", "", "access token for authenticated endpoints")
	f.StringVar(&opts.debug, "debug", "", "comma-separated debug categories (engine,transport,stages,config or all)")
	f.StringVar(&opts.logLevel, "log-level", "", "log level: TRACE, DEBUG, INFO, WARN or ERROR")
	f.BoolVar(&opts.nonInteractive, "non-interactive", false, "never prompt; fail when a secret is not configured")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	rootCmd.AddCommand(registerCmd, passwordCmd, deleteDeviceCmd, requestCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, applies flags on top
// and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	c, err := config.LoadUnvalidated(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("homeserver") {
		c.Homeserver.BaseURL = opts.homeserver
	}
	if flags.Changed("access-token") {
		c.Homeserver.AccessToken = opts.accessToken
	}
	if flags.Changed("debug") {
		c.Logging.Debug = opts.debug
	}
	if flags.Changed("log-level") {
		c.Logging.Level = opts.logLevel
	}
	if flags.Changed("metrics-addr") {
		c.Observability.Metrics.Enabled = true
		c.Observability.Metrics.Addr = opts.metricsAddr
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// terminalPrompter returns a prompter bound to stdin, or a non-interactive
// one when stdin is not a terminal or prompting is disabled.
func terminalPrompter() *prompter {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fd = -1
	}
	interactive := fd >= 0 && !opts.nonInteractive
	return newPrompter(os.Stdin, os.Stderr, fd, interactive)
}

// runAction builds an application for cmd and runs fn under a context that
// is cancelled on SIGINT or SIGTERM.
func runAction(cmd *cobra.Command, p *prompter, fn func(ctx context.Context, app *application) error) error {
	app, err := newApplication(cfg, p, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	app.startMetrics()
	defer app.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, app)
}
