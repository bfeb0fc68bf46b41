package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/offsync/internal/connection"
	"github.com/Mschirtzinger/offsync/internal/daemon"
	"github.com/Mschirtzinger/offsync/internal/dashboard"
	"github.com/Mschirtzinger/offsync/internal/engine"
	"github.com/Mschirtzinger/offsync/internal/metrics"
	"github.com/Mschirtzinger/offsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "advanced",
	Short:   "Keep syncing in the foreground",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Run an incremental sync at startup and every daemon.interval
  2. Run a full sync every daemon.full_interval
  3. Push to the cloud shortly after the local database is written
  4. Catch up as soon as the cloud becomes reachable again

With --dashboard-port (or dashboard.port) a WebSocket dashboard is served:
  ws://HOST:PORT/ws         live connection and session events
  http://HOST:PORT/health   health check
  http://HOST:PORT/metrics  Prometheus metrics`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		collector := metrics.New()
		observers := []engine.Observer{collector}

		// The dashboard reports connection status, which only exists once
		// the app is open.
		var a *app
		var server *dashboard.Server
		var handler *dashboard.Handler

		cfg := mustLoadConfig()
		host, port := cfg.Dashboard.Host, cfg.Dashboard.Port
		if cmd.Flags().Changed("dashboard-port") {
			port, _ = cmd.Flags().GetInt("dashboard-port")
		}
		if cmd.Flags().Changed("dashboard-host") {
			host, _ = cmd.Flags().GetString("dashboard-host")
		}
		if port > 0 {
			server = dashboard.NewServer(&dashboard.Config{
				Host:    host,
				Port:    port,
				Status:  func() connection.Status { return a.conn.Status() },
				Metrics: promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}),
			})
			handler = dashboard.NewHandler(server, nil)
			observers = append(observers, handler)
		}

		a = mustOpenAppWith(ctx, cfg, observers...)
		defer a.Close()

		updates, unsubscribe := a.conn.Subscribe()
		defer unsubscribe()
		go func() {
			for st := range updates {
				collector.SetCloudAvailable(st.IsCloudAvailable)
				if handler != nil {
					handler.OnConnectionStatus(st)
				}
			}
		}()
		a.conn.Start(ctx)

		if server != nil {
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
				}
			}()
		}

		d, err := daemon.New(a.svc, a.conn, &daemon.Config{
			Interval:         a.cfg.Daemon.Interval,
			FullInterval:     a.cfg.Daemon.FullInterval,
			DebounceInterval: a.cfg.Daemon.Debounce,
			DatabasePath:     a.cfg.Local.Path,
			Logger:           a.logger.Component("daemon"),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Local: %s\n", a.cfg.Local.Path)
		fmt.Printf("   Cloud: %s\n", redactURL(a.cfg.Cloud.URL))
		fmt.Printf("   Mode: %s\n", a.conn.GetConnectionMode())
		if server != nil {
			fmt.Printf("   Dashboard: http://%s\n", server.GetAddr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Start blocks until ctx is cancelled.
		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
		if err := d.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
		fmt.Println("Daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().Int("dashboard-port", 0, "Serve the dashboard on this port (0 disables it)")
	daemonCmd.Flags().String("dashboard-host", "127.0.0.1", "Dashboard bind address")
	rootCmd.AddCommand(daemonCmd)
}
