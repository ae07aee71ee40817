package commands

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/crashkill/hub-automation-sub001/am"
	"github.com/crashkill/hub-automation-sub001/automation"
	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/server"
	"github.com/crashkill/hub-automation-sub001/version"
)

// shutdownTimeout bounds graceful shutdown of the server and live executions
const shutdownTimeout = 30 * time.Second

// ServeCmd runs the hub in the foreground
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the HTTP API, scheduler and definition watcher",
	Long: `Start the hub in the foreground.

The hub will:
- Open and migrate the database and take the engine lease, closing executions a previous process left live
- Advertise its API so hub automation and hub mcp forward to it
- Register the builtin plugins (backup, shell, http, log)
- Load automation definition files from automations.dir, watching it when automations.watch is set
- Run the scheduler and serve the HTTP API, the event stream and webhooks
- Reload the webhook rate when am.toml changes
- Run until interrupted (Ctrl+C), stopping live executions gracefully`,
	RunE: runServe,
}

var (
	serveDBPath string
	servePort   int
)

func init() {
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Database path (overrides config)")
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx, runtimeOptions{dbPath: serveDBPath, scheduled: true})
	if err != nil {
		return err
	}
	log := rt.logger

	// Definition files
	var watcher *automation.Watcher
	if dir := rt.cfg.Automations.Dir; dir != "" {
		loader := automation.NewLoader(rt.svc, dir, log)
		files, err := loader.LoadDir(ctx)
		if err != nil {
			rt.Close(ctx)
			return errors.Wrapf(err, "failed to load definitions from %s", dir)
		}
		if rt.cfg.Automations.Watch {
			if watcher, err = automation.NewWatcher(loader, files); err != nil {
				log.Warnw("Definition watcher unavailable", logger.FieldPath, dir, logger.FieldError, err)
			} else {
				watcher.Start()
			}
		}
	}

	// HTTP surface
	srvCfg := server.ConfigFrom(rt.cfg)
	if servePort != 0 {
		srvCfg.Port = servePort
	}
	srv := server.New(rt.svc, rt.bus, srvCfg, log)
	if err := srv.Start(); err != nil {
		if watcher != nil {
			_ = watcher.Stop()
		}
		rt.Close(ctx)
		return err
	}

	if err := rt.advertise(ctx, advertiseAddr(srv.Addr())); err != nil {
		log.Warnw("Failed to advertise API address; CLI commands cannot forward to this hub",
			logger.FieldAddress, srv.Addr(), logger.FieldError, err)
	}

	configWatcher := watchConfig(srv)
	rt.scheduler.Start()

	printServeBanner(rt, srv)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop inputs first so no new runs start while live ones drain
	if configWatcher != nil {
		if err := configWatcher.Stop(); err != nil {
			log.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			log.Warnw("Failed to stop definition watcher", logger.FieldError, err)
		}
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warnw("Server shutdown incomplete", logger.FieldError, err)
	}
	rt.Close(shutdownCtx)

	pterm.Success.Println("hub stopped")
	return nil
}

// watchConfig reloads the webhook rate when the user config file changes
func watchConfig(srv *server.Server) *am.ConfigWatcher {
	path := am.UserConfigPath()
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	cw, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config watcher unavailable", logger.FieldPath, path, logger.FieldError, err)
		return nil
	}
	cw.OnReload(func(cfg *am.Config) error {
		srv.SetWebhookRate(cfg.Webhook.MaxFiresPerMinute)
		return nil
	})
	cw.Start()
	am.SetGlobalWatcher(cw)
	return cw
}

// advertiseAddr turns a listener address into one local clients can dial
func advertiseAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func printServeBanner(rt *runtime, srv *server.Server) {
	pterm.DefaultHeader.WithFullWidth().Println("hub " + version.Get().Version)
	pterm.Printf("  API:        http://%s\n", srv.Addr())
	pterm.Printf("  Events:     ws://%s/ws/events\n", srv.Addr())
	pterm.Printf("  Plugins:    %d\n", len(rt.svc.Plugins()))
	pterm.Printf("  Workers:    %d\n", rt.pool.Workers())
	if dir := rt.cfg.Automations.Dir; dir != "" {
		pterm.Printf("  Definitions: %s (watch: %t)\n", dir, rt.cfg.Automations.Watch)
	}
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")
}
