// Package main is the fluxfirmd CLI shell: a thin front-end over the engine,
// kept to a few pass-through subcommands rather than a full IPC/D-Bus/CLI
// surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fluxfirm/fluxfirm/internal/config"
	"github.com/fluxfirm/fluxfirm/internal/engine"
	"github.com/fluxfirm/fluxfirm/internal/install"
)

func main() {
	log := logrus.StandardLogger()
	if err := NewRootCommand(log).Execute(); err != nil {
		log.Fatalf("fluxfirmd: %v", err)
	}
}

var configFile string

// NewRootCommand builds the fluxfirmd command tree, grounded on
// cmd/flightctl's NewFlightctlCommand layout: a no-op root plus one
// subcommand per verb, each wiring its own engine and tearing it down before
// returning.
func NewRootCommand(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fluxfirmd",
		Short: "fluxfirmd manages firmware updates for attached devices",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(1)
		},
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultConfigFile, "path to fluxfirmd's configuration file")
	cmd.AddCommand(newStatusCommand(log))
	cmd.AddCommand(newInstallCommand(log))
	cmd.AddCommand(newRefreshCommand(log))
	return cmd
}

// withEngine loads configuration, constructs an Engine bound to a logging-only
// Provider, and ensures Close runs before returning, mirroring
// cmd/flightctl-worker/main.go's "config -> stores -> workers" ordering
// collapsed into a single short-lived invocation per subcommand.
func withEngine(log *logrus.Logger, fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, err := config.LoadOrGenerate(configFile)
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	log.SetLevel(cfg.ParsedLogLevel())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	e, err := engine.New(engine.Options{Log: log, Config: cfg, Provider: &loggingProvider{log: log}})
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.WithError(err).Error("closing engine")
		}
	}()

	return fn(ctx, e)
}

func newRefreshCommand(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:          "refresh",
		Short:        "reload the remote list from disk",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(log, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Remotes.Reload(); err != nil {
					return fmt.Errorf("reloading remotes: %w", err)
				}
				for _, r := range e.Remotes.Remotes() {
					fmt.Printf("%s\t%s\n", r.ID, r.Kind)
				}
				return nil
			})
		},
	}
}

type progressPrinter struct{}

func (progressPrinter) Step(deviceID, step string) {
	fmt.Printf("%s: %s\n", deviceID, step)
}

func newInstallCommand(log *logrus.Logger) *cobra.Command {
	var force, allowOlder, allowReinstall bool
	cmd := &cobra.Command{
		Use:          "install CABINET DEVICE_ID",
		Short:        "install a cabinet's firmware release onto one registered device",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cabPath, deviceID := args[0], args[1]
			return withEngine(log, func(ctx context.Context, e *engine.Engine) error {
				d, err := e.Devices.GetDevice(deviceID)
				if err != nil {
					return err
				}
				cab, err := e.LoadCabinet(cabPath, 0)
				if err != nil {
					return fmt.Errorf("loading cabinet: %w", err)
				}
				flags := install.Flags{Force: force, AllowOlder: allowOlder, AllowReinstall: allowReinstall}
				return e.Install(ctx, d, cab, flags, nil, progressPrinter{})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass non-fatal eligibility checks")
	cmd.Flags().BoolVar(&allowOlder, "allow-older", false, "permit installing an older release (downgrade)")
	cmd.Flags().BoolVar(&allowReinstall, "allow-reinstall", false, "permit reinstalling the currently installed version")
	return cmd
}

func newStatusCommand(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "list registered devices and their update state",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(log, func(ctx context.Context, e *engine.Engine) error {
				for _, d := range e.Devices.All() {
					state := "idle"
					if entry, err := e.Hist.GetDevice(d.ID); err == nil {
						state = string(entry.UpdateState)
					}
					fmt.Printf("%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Version, state)
				}
				return nil
			})
		},
	}
}
