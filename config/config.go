// Package config loads the declarative catalog file and daemon settings. The
// engine itself never reads files; it only sees published catalog snapshots.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/taskgrid/taskgrid/core"
	"github.com/taskgrid/taskgrid/notify"
)

var validate = validator.New()

// Global holds daemon-level settings from the catalog file's global section.
type Global struct {
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" default:":8420"`

	LogLevel   string `yaml:"log_level" mapstructure:"log_level" default:"info"`
	LogFile    string `yaml:"log_file,omitempty" mapstructure:"log_file"`
	LogMaxSize int    `yaml:"log_max_size_mb,omitempty" mapstructure:"log_max_size_mb" default:"20"`
	LogJSON    bool   `yaml:"log_json,omitempty" mapstructure:"log_json"`

	StopGraceSeconds int `yaml:"stop_grace_seconds" mapstructure:"stop_grace_seconds" default:"10"`
	HistoryPerJob    int `yaml:"history_per_job" mapstructure:"history_per_job" default:"20"`

	// ADBPath overrides the adb binary for device steps.
	ADBPath string `yaml:"adb_path,omitempty" mapstructure:"adb_path" default:"adb"`
}

// Settings is everything the daemon needs besides the catalog itself.
type Settings struct {
	Global Global
	Notify notify.Config
}

// Loader reads and re-reads one catalog file, assigning a monotonically
// increasing version to each successful load.
type Loader struct {
	path    string
	version int64
	logger  core.Logger
}

func NewLoader(path string, logger core.Logger) *Loader {
	return &Loader{path: path, logger: logger}
}

// rawFile mirrors the YAML document loosely; job and group maps go through
// mapstructure so defaults can be applied before decoding.
type rawFile struct {
	Global map[string]any   `yaml:"global"`
	Groups []map[string]any `yaml:"resource_groups"`
	Tasks  []map[string]any `yaml:"tasks"`
	Notify notify.Config    `yaml:"notify"`
}

// Load parses the catalog file into a validated snapshot. Any invalid job
// rejects the whole version; the caller keeps the previous snapshot.
func (l *Loader) Load() (*core.Catalog, *Settings, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, nil, fmt.Errorf("read catalog: %w", err)
	}

	var raw rawFile
	if strings.HasSuffix(l.path, ".ini") || strings.HasSuffix(l.path, ".conf") {
		jobs, iniErr := LoadINI(data)
		if iniErr != nil {
			return nil, nil, fmt.Errorf("%w: %v", core.ErrCatalogRejected, iniErr)
		}
		raw.Tasks = nil
		return l.finish(nil, jobs, &Settings{Global: defaultGlobal()})
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", core.ErrCatalogRejected, err)
	}

	settings := &Settings{Notify: raw.Notify}
	if err := decodeInto(raw.Global, &settings.Global); err != nil {
		return nil, nil, fmt.Errorf("%w: global: %v", core.ErrCatalogRejected, err)
	}

	groups := make([]core.ResourceGroupSpec, 0, len(raw.Groups))
	for i, g := range raw.Groups {
		var spec core.ResourceGroupSpec
		if err := decodeInto(g, &spec); err != nil {
			return nil, nil, fmt.Errorf("%w: resource_groups[%d]: %v", core.ErrCatalogRejected, i, err)
		}
		if err := validate.Struct(&spec); err != nil {
			return nil, nil, fmt.Errorf("%w: resource_groups[%d]: %v", core.ErrCatalogRejected, i, err)
		}
		groups = append(groups, spec)
	}

	jobs := make([]*core.Job, 0, len(raw.Tasks))
	for i, t := range raw.Tasks {
		job := &core.Job{}
		if err := decodeInto(t, job); err != nil {
			return nil, nil, fmt.Errorf("%w: tasks[%d]: %v", core.ErrCatalogRejected, i, err)
		}
		if err := validate.Struct(job); err != nil {
			return nil, nil, fmt.Errorf("%w: tasks[%d]: %v", core.ErrCatalogRejected, i, err)
		}
		if err := job.Validate(); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", core.ErrCatalogRejected, err)
		}
		jobs = append(jobs, job)
	}

	return l.finish(groups, jobs, settings)
}

func (l *Loader) finish(groups []core.ResourceGroupSpec, jobs []*core.Job, settings *Settings) (*core.Catalog, *Settings, error) {
	l.version++
	catalog, err := core.NewCatalog(l.version, groups, jobs)
	if err != nil {
		l.version--
		return nil, nil, fmt.Errorf("%w: %v", core.ErrCatalogRejected, err)
	}
	if l.logger != nil {
		l.logger.Debugf("catalog %s parsed: version %d, %d jobs", l.path, catalog.Version, len(jobs))
	}
	return catalog, settings, nil
}

// decodeInto applies struct-tag defaults first, then overlays the raw map, so
// an explicit false survives while an absent key keeps its default.
func decodeInto(raw map[string]any, out any) error {
	if err := defaults.Set(out); err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

func defaultGlobal() Global {
	var g Global
	_ = defaults.Set(&g)
	return g
}
