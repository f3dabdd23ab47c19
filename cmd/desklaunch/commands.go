package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/loykin/desklaunch"
	"github.com/loykin/desklaunch/internal/config"
	"github.com/loykin/desklaunch/internal/detector"
	"github.com/loykin/desklaunch/internal/startup"
	"github.com/loykin/desklaunch/internal/ui"
	"github.com/loykin/desklaunch/pkg/client"
)

func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Start the backend, serve the frontend and open the UI",
		Long: `Run the full startup sequence: clean up stale backends, spawn and probe
the backend (with retries), start the static server and load the frontend.
The launcher keeps running until interrupted, then stops the backend.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := desklaunch.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if runFlags.UI != "" {
				cfg.UI.Kind = ui.Kind(runFlags.UI)
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			releaseGinMode()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLauncher(ctx, cfg, runFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&runFlags.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for the backend and server to stop")
	cmd.Flags().StringVar(&runFlags.UI, "ui", "", "override ui.kind (browser, headless)")
	return cmd
}

// releaseGinMode silences gin's debug route dump unless GIN_MODE picks a mode.
func releaseGinMode() {
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
}

// runLauncher blocks until ctx is done. A fatal startup returns an error
// once the error page has been shown.
func runLauncher(ctx context.Context, cfg *desklaunch.Config, flags *RunFlags, out io.Writer) error {
	l, err := desklaunch.New(ctx, cfg)
	if err != nil {
		return err
	}
	shutdown := func() error {
		timeout := flags.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return l.Shutdown(sctx)
	}

	res := l.Run(ctx)
	if res.State != startup.Serving {
		_ = shutdown()
		if errors.Is(res.Err, context.Canceled) {
			return nil
		}
		if res.ErrorPage != "" {
			_, _ = fmt.Fprintf(out, "Startup failed, see %s\n", res.ErrorPage)
		}
		return fmt.Errorf("startup failed: %w", res.Err)
	}
	_, _ = fmt.Fprintf(out, "Serving %s\n", res.URL)
	<-ctx.Done()
	_, _ = fmt.Fprintln(out, "Shutting down...")
	return shutdown()
}

func addRemoteFlags(cmd *cobra.Command, flags *RemoteFlags) {
	cmd.Flags().StringVar(&flags.URL, "url", "", "control channel URL (default: from the session file)")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
}

// remoteClient builds a client from --url or the session file of the
// configured launcher.
func remoteClient(globalFlags *GlobalFlags, flags *RemoteFlags) (*client.Client, error) {
	url := flags.URL
	if url == "" {
		cfg, err := config.Load(globalFlags.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		s, err := client.ReadSession(cfg.SessionFile())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("no running launcher found (%s missing)", cfg.SessionFile())
			}
			return nil, err
		}
		d := detector.SessionDetector{PID: s.PID, StartedAt: s.StartedAt}
		if alive, _ := d.Alive(); !alive {
			return nil, fmt.Errorf("no running launcher found (stale session file %s, %s)", cfg.SessionFile(), d.Describe())
		}
		url = s.ControlURL
	}
	return client.New(client.Config{BaseURL: url, Timeout: flags.Timeout}), nil
}

func createStatusCommand(globalFlags *GlobalFlags, flags *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the backend of a running launcher is up",
		Long: `Print the backend status of a running launcher. "running" only means a
backend process is tracked; "ready" is the result of an active health check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remoteClient(globalFlags, flags)
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), c, flags.JSON, cmd.OutOrStdout())
		},
	}
	addRemoteFlags(cmd, flags)
	return cmd
}

type statusView struct {
	client.BackendStatus
	Ready bool   `json:"ready"`
	Error string `json:"ready_error,omitempty"`
}

func runStatus(ctx context.Context, c *client.Client, asJSON bool, out io.Writer) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	v := statusView{BackendStatus: st, Ready: true}
	if err := c.Ready(ctx); err != nil {
		v.Ready = false
		v.Error = err.Error()
	}
	if asJSON {
		return printJSON(out, v)
	}
	_, _ = fmt.Fprintf(out, "running:    %t\nrestarting: %t\nready:      %t\n", v.Running, v.Restarting, v.Ready)
	return nil
}

func createRestartCommand(globalFlags *GlobalFlags, flags *RestartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the backend of a running launcher",
		Long: `Ask a running launcher to terminate, respawn and re-probe its backend. The
static server keeps running. A request made while a restart is in flight
joins that restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remoteClient(globalFlags, &flags.RemoteFlags)
			if err != nil {
				return err
			}
			return runRestart(cmd.Context(), c, flags, cmd.OutOrStdout())
		},
	}
	addRemoteFlags(cmd, &flags.RemoteFlags)
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "wait until the restart finished")
	return cmd
}

func runRestart(ctx context.Context, c *client.Client, flags *RestartFlags, out io.Writer) error {
	res, err := c.Restart(ctx, flags.Wait)
	if flags.JSON {
		if perr := printJSON(out, res); perr != nil {
			return perr
		}
		return err
	}
	if err != nil {
		return err
	}
	switch {
	case res.Done:
		_, _ = fmt.Fprintf(out, "Backend restarted (task %s)\n", res.Task)
	case res.Coalesced:
		_, _ = fmt.Fprintf(out, "Restart already in progress (task %s)\n", res.Task)
	default:
		_, _ = fmt.Fprintf(out, "Restart scheduled (task %s)\n", res.Task)
	}
	return nil
}

func createEventsCommand(globalFlags *GlobalFlags, flags *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream backend notifications of a running launcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remoteClient(globalFlags, flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			err = c.Events(ctx, func(e client.Event) {
				if flags.JSON {
					_ = printJSON(out, e)
					return
				}
				line := fmt.Sprintf("%s %s task=%s", e.At.Format(time.RFC3339), e.Name, e.TaskID)
				if e.Error != "" {
					line += " error=" + e.Error
				}
				_, _ = fmt.Fprintln(out, line)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	addRemoteFlags(cmd, flags)
	return cmd
}

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config [config.toml]",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runConfig(path, cmd.OutOrStdout())
		},
	}
}

// runConfig validates the configuration and prints every setting with
// defaults and environment overrides applied.
func runConfig(path string, out io.Writer) error {
	v := config.New()
	if err := config.Read(v, path); err != nil {
		return err
	}
	if _, err := config.Decode(v); err != nil {
		return err
	}
	b, err := toml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = out.Write(b)
	return err
}
