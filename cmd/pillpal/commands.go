package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"pillpal/internal/app"
	"pillpal/internal/config"
	"pillpal/internal/ingress"
	"pillpal/internal/prescription"
)

const stopTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "pillpal",
		Short:        "Prescription scheduling and pill dispenser alarms",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./pillpal.yaml", "path to config (yaml or json)")

	root.AddCommand(
		serveCmd(&cfgPath),
		dispatchCmd(&cfgPath),
		scheduleCmd(&cfgPath),
		conflictsCmd(&cfgPath),
		getCmd(&cfgPath),
		deleteCmd(&cfgPath),
		cleanupCmd(&cfgPath),
		refreshCmd(&cfgPath),
		configCmd(&cfgPath),
	)
	return root
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the inbox watcher, reminders and ops endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *cfgPath)
		},
	}
}

func serve(parent context.Context, cfgPath string) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		return err
	}
	// not running under systemd is fine
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-parent.Done():
		reason = app.StopAppStop
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// withApp builds the app without starting its loops, runs fn and releases
// the store and publisher.
func withApp(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, a *app.App) error) error {
	// stdout carries the JSON result
	a, err := app.NewApp(cfgPath, app.WithLogWriter(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	runErr := fn(ctx, a)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, app.StopCommand)
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dispatchCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <file.json|-> [...]",
		Short: "Store prescriptions and push the updated alarms to the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				var errs []error
				for _, path := range args {
					if path == "-" {
						details, err := prescription.DecodeDetails(cmd.InOrStdin())
						if err != nil {
							errs = append(errs, fmt.Errorf("stdin: %w", err))
							continue
						}
						res, err := a.Dispatcher().OnNewPrescription(ctx, details)
						if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
							return perr
						}
						if err != nil {
							errs = append(errs, fmt.Errorf("stdin: %w", err))
						}
						continue
					}
					res, err := ingress.DispatchFile(ctx, a.Dispatcher(), path)
					if err != nil && res.Status == "" {
						errs = append(errs, err)
						continue
					}
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
					}
				}
				return errors.Join(errs...)
			})
		},
	}
}

func parseDateFlag(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return prescription.ParseDate(raw)
}

func scheduleCmd(cfgPath *string) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show the doses due on a day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDateFlag(date)
			if err != nil {
				return err
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				view, err := a.Dispatcher().DailySchedule(ctx, day)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day as YYYY-MM-DD (default today)")
	return cmd
}

func conflictsCmd(cfgPath *string) *cobra.Command {
	var threshold int
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List dose pairs closer than the threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				cs, err := a.Dispatcher().Conflicts(ctx, threshold)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), cs)
			})
		},
	}
	cmd.Flags().IntVar(&threshold, "threshold", 0, "minutes (default from config)")
	return cmd
}

func getCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one stored prescription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				rec, err := a.Dispatcher().GetPrescription(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func deleteCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one stored prescription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				if err := a.Dispatcher().DeletePrescription(ctx, args[0]); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"deleted": args[0]})
			})
		},
	}
}

func cleanupCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every stored prescription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				rep, err := a.Dispatcher().CleanupAll(ctx)
				if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func refreshCmd(cfgPath *string) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Republish a day's full alarm table to the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDateFlag(date)
			if err != nil {
				return err
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				view, err := a.Dispatcher().RefreshDevice(ctx, day)
				if perr := printJSON(cmd.OutOrStdout(), view); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day as YYYY-MM-DD (default today)")
	return cmd
}

func configCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config helpers",
	}

	var format string
	example := &cobra.Command{
		Use:   "example",
		Short: "Print a starter config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := config.Encode("example."+format, config.Example())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	example.Flags().StringVar(&format, "format", "yaml", "yaml or json")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(*cfgPath, app.WithLogWriter(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			_ = a.Stop(ctx, app.StopCommand)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", *cfgPath)
			return err
		},
	}

	cmd.AddCommand(example, check)
	return cmd
}
