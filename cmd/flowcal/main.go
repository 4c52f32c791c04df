package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lars-Olof-Turesson/flowcal"
	"github.com/Lars-Olof-Turesson/flowcal/controller"
	"github.com/Lars-Olof-Turesson/flowcal/modbus"
	"github.com/Lars-Olof-Turesson/flowcal/server"
	"github.com/Lars-Olof-Turesson/flowcal/ui"
)

type options struct {
	configFile string
	verbose    bool
	port       string
	session    string

	logger *zap.SugaredLogger
}

func main() {
	err := newRootCommand().Execute()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "flowcal",
		Short:        "Syringe pump controller for flow calibration",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(opts.verbose)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", os.Getenv("FLOWCAL_CONFIG"), "YAML config file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	flags.StringVar(&opts.port, "port", "", "serial port of the drive, empty for the simulator")
	flags.StringVar(&opts.session, "session", "", "session name for TWChart")

	root.AddCommand(
		newRunCommand(opts),
		newHomeCommand(opts),
		newConsoleCommand(opts),
		newServeCommand(opts),
		newUICommand(opts),
		newPortsCommand(),
		newLatencyCommand(opts),
	)

	return root
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("error creating logger: %w", err)
	}
	return logger.Sugar(), nil
}

// config loads the config file and applies environment variables and flags over it
func (opts *options) config() (controller.Config, error) {
	cfg, err := controller.LoadConfig(opts.configFile)
	if err != nil {
		return controller.Config{}, err
	}

	err = cfg.ApplyEnv()
	if err != nil {
		return controller.Config{}, err
	}

	if opts.port != "" {
		cfg.SerialPort = opts.port
	}
	if opts.session != "" {
		cfg.SessionName = opts.session
	}
	return cfg, nil
}

func (opts *options) controller() (*controller.Controller, error) {
	cfg, err := opts.config()
	if err != nil {
		return nil, err
	}
	return controller.NewFromConfig(cfg, opts.logger)
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCommand(opts *options) *cobra.Command {
	var output string
	var summaryOnly bool

	cmd := &cobra.Command{
		Use:   "run PROFILE",
		Short: "Home the piston, play a profile and print the logged result",
		Long: `Plays a YAML profile file:

  unit: ml/s        # mm, mm/s, ml/s or ml
  times: [0, 1, 2]  # seconds
  values: [0, 0.5, 0]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := flowcal.LoadProfile(args[0])
			if err != nil {
				return err
			}

			c, err := opts.controller()
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := c.RunProfile(pf.Profile, pf.Unit)
			if err != nil {
				return err
			}

			var out any = result
			if summaryOnly {
				out = result.Summary
			}

			if output == "" {
				return printJSON(cmd.OutOrStdout(), out)
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("error creating output file: %w", err)
			}
			defer f.Close()
			return printJSON(f, out)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the result to a file instead of stdout")
	cmd.Flags().BoolVar(&summaryOnly, "summary", false, "only print the summary")
	return cmd
}

func newHomeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "home",
		Short: "Move the piston to the home position",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.controller()
			if err != nil {
				return err
			}
			defer c.Close()

			iterations, err := c.Home()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "homed in %d iterations\n", iterations)
			return nil
		},
	}
}

func newConsoleCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Manual control from stdin (? lists commands)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := opts.controller()
			if err != nil {
				return err
			}
			defer c.Close()

			return c.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newServeCommand(opts *options) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := opts.controller()
			if err != nil {
				return err
			}
			defer c.Close()

			return server.New(c, opts.logger).ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func newUICommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ui",
		Short: "Open the control panel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			cfg, err := opts.config()
			if err != nil {
				return err
			}

			r, w := io.Pipe()
			defer w.Close()

			// read from Stdin also
			go func() {
				_, _ = io.Copy(w, os.Stdin)
			}()

			pumpUI := ui.NewPumpUI(opts.logger)

			var c *controller.Controller
			open := func(cfg controller.Config) (ui.Pump, error) {
				c, err = controller.NewFromConfig(cfg, opts.logger)
				if err != nil {
					return nil, err
				}

				go func() {
					err := c.Run(ctx, r, io.MultiWriter(os.Stdout, pumpUI))
					if err != nil && ctx.Err() == nil {
						opts.logger.Errorw("console stopped", "error", err)
					}
				}()
				return c, nil
			}

			pumpUI.Run(ctx, cfg, open, w)
			cancel()

			if c != nil {
				return c.Close()
			}
			return nil
		},
	}
}

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := modbus.DescribePorts()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ports)
		},
	}
}

func newLatencyCommand(opts *options) *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "latency",
		Short: "Measure bus round-trip times",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.controller()
			if err != nil {
				return err
			}
			defer c.Close()

			latency, err := c.MeasureLatency(n)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), latency)
		},
	}

	cmd.Flags().IntVarP(&n, "count", "n", 100, "number of reads and writes")
	return cmd
}
