package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cubeforge/minefleet/pkg/artifacts"
	"github.com/cubeforge/minefleet/pkg/backup"
	"github.com/cubeforge/minefleet/pkg/events"
	"github.com/cubeforge/minefleet/pkg/gateway"
	"github.com/cubeforge/minefleet/pkg/log"
	"github.com/cubeforge/minefleet/pkg/metrics"
	"github.com/cubeforge/minefleet/pkg/notifier"
	"github.com/cubeforge/minefleet/pkg/probe"
	"github.com/cubeforge/minefleet/pkg/rcon"
	"github.com/cubeforge/minefleet/pkg/registry"
	"github.com/cubeforge/minefleet/pkg/sampler"
	"github.com/cubeforge/minefleet/pkg/scheduler"
	"github.com/cubeforge/minefleet/pkg/supervisor"
	"github.com/cubeforge/minefleet/pkg/topology"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "minefleet",
	Short: "Minefleet - Minecraft fleet supervisor",
	Long: `Minefleet supervises a fleet of Minecraft game and proxy servers
on a single host: instance provisioning, process lifecycle, proxy
topology, resource telemetry, scheduled maintenance, and backups.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Minefleet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("data-dir", "/var/lib/minefleet", "Directory for catalogs and task tables")
	serveCmd.Flags().String("servers-root", "/var/lib/minefleet", "Root directory for instance workspaces")
	serveCmd.Flags().String("backups-dir", "/var/lib/minefleet/backups", "Directory for backup archives")
	serveCmd.Flags().String("listen", ":8090", "Listen address for metrics and the event stream")
	serveCmd.Flags().String("api-token", "", "Shared token for the websocket event stream (empty disables auth)")
	serveCmd.Flags().String("timezone", scheduler.DefaultTimezone, "Timezone for cron schedules")
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet supervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		serversRoot, _ := cmd.Flags().GetString("servers-root")
		backupsDir, _ := cmd.Flags().GetString("backups-dir")
		listen, _ := cmd.Flags().GetString("listen")
		apiToken, _ := cmd.Flags().GetString("api-token")
		timezone, _ := cmd.Flags().GetString("timezone")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		log.Init(log.Config{
			Level:      log.Level(logLevel),
			JSONOutput: logJSON,
		})
		logger := log.WithComponent("main")

		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return fmt.Errorf("timezone %q: %v", timezone, err)
		}

		// The bus is the one shared singleton; everything else is
		// wired explicitly.
		bus := events.NewBus()
		bus.Start()

		reg, err := registry.Open(dataDir, serversRoot)
		if err != nil {
			return fmt.Errorf("open registry: %v", err)
		}

		tracker := sampler.New(bus)
		sup := supervisor.New(reg, bus, tracker)
		downloader := artifacts.NewClient()
		topo := topology.New(reg, sup, downloader)
		sup.SetCascader(topo)

		rconClient := rcon.NewClient()
		prober := probe.New(reg, topo, rconClient, bus)
		prober.Start()

		backups := backup.New(backupsDir, reg, sup, bus)

		sched, err := scheduler.Open(dataDir, loc, reg, sup, backups)
		if err != nil {
			return fmt.Errorf("open scheduler: %v", err)
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %v", err)
		}

		notify, err := notifier.Open(dataDir, reg, bus)
		if err != nil {
			return fmt.Errorf("open notifier: %v", err)
		}
		notify.Start()

		collector := metrics.NewCollector(reg, sup, sched, bus)
		collector.Start()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/events", gateway.New(bus, gateway.StaticToken(apiToken)))
		httpServer := &http.Server{Addr: listen, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("http server failed")
			}
		}()

		logger.Info().
			Str("version", Version).
			Str("data_dir", dataDir).
			Str("listen", listen).
			Msg("minefleet started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")

		sched.StopAll()
		sup.StopAll()
		tracker.StopAll()
		prober.Stop()
		notify.Stop()
		collector.Stop()
		_ = httpServer.Close()
		bus.Stop()

		logger.Info().Msg("shutdown complete")
		return nil
	},
}
