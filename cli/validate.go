package cli

import (
	"fmt"
	"time"

	"github.com/taskgrid/taskgrid/config"
	"github.com/taskgrid/taskgrid/core"
)

// ValidateCommand loads a catalog file and reports whether it is usable,
// without starting the engine.
type ValidateCommand struct {
	ConfigFile string `long:"config" env:"TASKGRID_CONFIG" default:"/etc/taskgrid/tasks.yaml" description:"catalog file to check"`

	Logger core.Logger
}

func (c *ValidateCommand) Execute(_ []string) error {
	loader := config.NewLoader(c.ConfigFile, c.Logger)
	catalog, settings, err := loader.Load()
	if err != nil {
		return fmt.Errorf("catalog %q: %w", c.ConfigFile, err)
	}

	c.Logger.Noticef("catalog %q is valid: %d task(s), %d resource group(s)", c.ConfigFile, len(catalog.Jobs), len(catalog.GroupSpecs()))
	eval := core.NewEvaluator()
	now := core.NewRealClock().Now()
	for _, j := range catalog.Jobs {
		next := "-"
		if t, ok := eval.Next(j.Trigger, now, time.Time{}); ok {
			next = t.Format("2006-01-02 15:04:05")
		}
		c.Logger.Noticef("  %-24s trigger=%-10s priority=%4d next=%s", j.ID, j.Trigger.Kind, j.Priority, next)
	}
	if settings.Global.ListenAddr != "" {
		c.Logger.Debugf("control API address: %s", settings.Global.ListenAddr)
	}
	return nil
}
