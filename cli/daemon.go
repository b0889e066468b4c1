package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskgrid/taskgrid/config"
	"github.com/taskgrid/taskgrid/core"
	"github.com/taskgrid/taskgrid/logging"
	"github.com/taskgrid/taskgrid/metrics"
	"github.com/taskgrid/taskgrid/notify"
	"github.com/taskgrid/taskgrid/web"
)

// DaemonCommand runs the scheduler engine and its control API.
type DaemonCommand struct {
	ConfigFile string `long:"config" env:"TASKGRID_CONFIG" default:"/etc/taskgrid/tasks.yaml" description:"catalog file (YAML, or legacy INI)"`
	LogLevel   string `long:"log-level" env:"TASKGRID_LOG_LEVEL" description:"debug, info, warning or error"`
	WebAddr    string `long:"web-address" env:"TASKGRID_WEB_ADDRESS" description:"control API listen address"`
	NoWatch    bool   `long:"no-watch" env:"TASKGRID_NO_WATCH" description:"disable catalog file watching"`
	Paused     bool   `long:"paused" env:"TASKGRID_PAUSED" description:"boot without starting trigger planning"`

	Logger core.Logger

	scheduler *core.Scheduler
	notifier  *core.Notifier
	webServer *web.Server
	watcher   *config.Watcher
	stopGrace time.Duration
}

// Execute boots the engine, serves until a signal arrives, then shuts down.
func (c *DaemonCommand) Execute(_ []string) error {
	loader := config.NewLoader(c.ConfigFile, c.Logger)
	catalog, settings, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load catalog %q: %w", c.ConfigFile, err)
	}

	if c.LogLevel == "" {
		c.LogLevel = settings.Global.LogLevel
	}
	tail, err := logging.Setup(logrus.StandardLogger(), logging.Options{
		Level:     c.LogLevel,
		File:      settings.Global.LogFile,
		MaxSizeMB: settings.Global.LogMaxSize,
		JSON:      settings.Global.LogJSON,
	})
	if err != nil {
		return err
	}

	manager, err := notify.NewManager(settings.Notify, c.Logger)
	if err != nil {
		return fmt.Errorf("notification config: %w", err)
	}

	clock := core.NewRealClock()
	sup := core.NewSupervisor(clock, c.Logger)
	sup.ADBPath = settings.Global.ADBPath
	sup.Webhook = manager.Deliver
	sup.GlobalLines = tail

	c.notifier = core.NewNotifier(clock, c.Logger, manager.Sinks())
	c.notifier.Start()

	c.scheduler = core.NewScheduler(catalog, clock, c.Logger, sup, c.notifier)
	collector := metrics.NewCollector(c.scheduler.Status)
	c.scheduler.SetMetrics(collector)
	c.stopGrace = time.Duration(settings.Global.StopGraceSeconds) * time.Second

	go c.scheduler.Run()
	if !c.Paused {
		c.scheduler.Start()
	}

	addr := c.WebAddr
	if addr == "" {
		addr = settings.Global.ListenAddr
	}
	c.webServer = web.NewServer(addr, c.scheduler, tail, collector.Handler(), c.Logger)
	webErr := c.webServer.Start()

	if !c.NoWatch {
		c.watcher, err = config.NewWatcher(c.ConfigFile, c.Logger, func() {
			next, _, loadErr := loader.Load()
			if loadErr != nil {
				c.Logger.Errorf("catalog reload rejected: %v", loadErr)
				return
			}
			c.scheduler.Reload(next)
		})
		if err != nil {
			c.Logger.Warningf("catalog watching disabled: %v", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		c.Logger.Noticef("received %s, shutting down", s)
	case err, ok := <-webErr:
		if ok && err != nil {
			c.shutdown()
			return fmt.Errorf("control API: %w", err)
		}
	}
	return c.shutdown()
}

func (c *DaemonCommand) shutdown() error {
	if c.watcher != nil {
		_ = c.watcher.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.webServer != nil {
		if err := c.webServer.Shutdown(ctx); err != nil {
			c.Logger.Errorf("%v", err)
		}
	}

	err := c.scheduler.Shutdown(c.stopGrace)
	if err != nil {
		c.Logger.Warningf("shutdown: %v", err)
	}
	c.notifier.Stop()
	c.Logger.Noticef("daemon stopped")
	return nil
}
