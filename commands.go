package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"droidpilot/pkg/logger"
	"droidpilot/pkg/pilot"
	"droidpilot/pkg/registry"
	"droidpilot/pkg/types"
	"droidpilot/pkg/verify"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *cliOptions) *cobra.Command {
	var (
		addr    string
		withMCP bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Monitor devices and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			app, err := newADBApp(cfg, version)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.startup(ctx)

			hub := NewEventHub(app.service.Devices, originAllowed(cfg.HTTP.AllowedOrigins))
			unsubscribe := app.service.Subscribe(hub.PublishTransition)

			srv := &http.Server{
				Addr:         cfg.HTTP.Addr,
				Handler:      NewRouter(app.service, hub),
				ReadTimeout:  cfg.HTTP.ReadTimeout,
				WriteTimeout: cfg.HTTP.WriteTimeout,
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("api").Str("addr", cfg.HTTP.Addr).Msg("HTTP API listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			if withMCP {
				go func() {
					if err := StartMCPServer(ctx, app); err != nil {
						logger.Error("mcp").Err(err).Msg("MCP server stopped")
					}
				}()
			}

			select {
			case <-ctx.Done():
			case err = <-serveErr:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				logger.Warn("api").Err(serr).Msg("HTTP shutdown incomplete")
			}
			unsubscribe()
			hub.Close()
			if serr := app.Shutdown(); serr != nil && err == nil {
				err = serr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, 127.0.0.1:7310)")
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "also serve MCP over stdin/stdout")
	return cmd
}

func newMCPCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Model Context Protocol over stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newADBApp(opts.cfg, version)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.startup(ctx)
			err = StartMCPServer(ctx, app)
			if serr := app.Shutdown(); serr != nil && err == nil {
				err = serr
			}
			return err
		},
	}
}

func newPerformCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "perform <device-id> <action> [key=value ...]",
		Short: "Perform one action on a device",
		Example: `  droidpilot perform emulator-5554 toggle_flashlight
  droidpilot perform R52N set_volume direction=up
  droidpilot perform R52N open_chat contact=Mom app=whatsapp`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[2:])
			if err != nil {
				return err
			}
			req := types.ActionRequest{Action: args[1], Params: params, DeviceID: args[0]}
			return runOnce(cmd, opts, args[0], func(ctx context.Context, app *App) (types.ExecutionResult, error) {
				return app.service.PerformAction(ctx, req)
			})
		},
	}
}

func newSayCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "say <device-id> <phrase ...>",
		Short:   "Perform the action described by a phrase",
		Example: `  droidpilot say emulator-5554 turn on the flashlight`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return runOnce(cmd, opts, args[0], func(ctx context.Context, app *App) (types.ExecutionResult, error) {
				return app.service.PerformCommand(ctx, args[0], text)
			})
		},
	}
}

func newHealthCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health <device-id>",
		Short: "Show connection state, profile and scores of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newADBApp(opts.cfg, version)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			ctx := cmd.Context()
			if app.prepareDevice(ctx, args[0]) == types.StateConnected {
				// resolving the profile here makes it part of the report
				if _, err := app.service.Profile(ctx, args[0]); err != nil {
					logger.Warn("cli").Err(err).Str("deviceId", args[0]).Msg("Profile unavailable")
				}
			}
			return printJSON(cmd.OutOrStdout(), app.service.DeviceHealth(args[0]))
		},
	}
}

func newDevicesCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List attached devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newADBApp(opts.cfg, version)
			if err != nil {
				return err
			}
			defer app.Shutdown()
			return printJSON(cmd.OutOrStdout(), app.service.Discover(cmd.Context()))
		},
	}
}

func newActionsCmd(opts *cliOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List the actions the capability registry knows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			evaluator, err := verify.NewEvaluator()
			if err != nil {
				return err
			}
			reg, err := registry.Load(opts.cfg.RegistryPath, evaluator)
			if err != nil {
				return err
			}
			actions := pilot.DescribeActions(reg)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), actions)
			}
			out := cmd.OutOrStdout()
			for _, a := range actions {
				fmt.Fprintf(out, "%-20s %-12s %d candidate(s)", a.Name, a.Category, a.Candidates)
				if len(a.Required) > 0 {
					fmt.Fprintf(out, "  requires: %s", strings.Join(a.Required, ", "))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// runOnce builds an App, polls the device once, runs fn and prints the
// result. Scores and the journal are persisted when the App shuts down.
func runOnce(cmd *cobra.Command, opts *cliOptions, deviceID string, fn func(context.Context, *App) (types.ExecutionResult, error)) error {
	app, err := newADBApp(opts.cfg, version)
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	app.prepareDevice(ctx, deviceID)
	result, err := fn(ctx, app)
	if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
		return perr
	}
	return err
}

// parseParams turns key=value arguments into action parameters
func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", arg)
		}
		params[key] = value
	}
	return params, nil
}

// originAllowed accepts the configured origins; "*" accepts any
func originAllowed(allowed []string) func(string) bool {
	return func(origin string) bool {
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
