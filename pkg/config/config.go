// Package config holds the device configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/vdecode/vdec/pkg/video"
)

type Config struct {
	Device     Device
	Pipeline   Pipeline
	Log        Log
	Monitoring Monitoring
}

type Device struct {
	MaxStreams int    `fig:"max_streams" default:"32"`
	LockFile   string `fig:"lock_file"`
	// Engine is either soft or native.
	Engine    string `default:"soft"`
	NativeLib string `fig:"native_lib"`
}

// Pipeline are the tunables of a stream worker.
// A stream takes a snapshot of them at creation.
type Pipeline struct {
	DecodeTimeout   time.Duration `fig:"decode_timeout" default:"500ms"`
	DrainRetries    int           `fig:"drain_retries" default:"10"`
	ConvertPoll     time.Duration `fig:"convert_poll" default:"1ms"`
	ConvertMaxPolls int           `fig:"convert_max_polls" default:"1000"`
	QueueTimeout    time.Duration `fig:"queue_timeout" default:"5s"`
	MaxPoolBytes    int64         `fig:"max_pool_bytes" default:"536870912"`
	OutputFormat    string        `fig:"output_format" default:"argb8888"`
	ExtraSurfaces   int           `fig:"extra_surfaces"`
}

type Log struct {
	Level   string `default:"info"`
	Console bool   `fig:"console"`
	NoColor bool   `fig:"no_color"`
}

type Monitoring struct {
	Port             int    `default:"6601"`
	URLPrefix        string `fig:"url_prefix"`
	MetricEnabled    bool   `fig:"metric_enabled"`
	ProfilingEnabled bool   `fig:"profiling_enabled"`
}

func (c *Monitoring) IsEnabled() bool { return c.MetricEnabled || c.ProfilingEnabled }

// NewConfig loads the config from the path dir or the default locations.
func NewConfig(path string) (conf Config, dirs []string, err error) {
	if dirs, err = LoadConfig(&conf, path); err != nil {
		return conf, dirs, err
	}
	return conf, dirs, conf.Validate()
}

// Default returns the config with default values and environment overrides.
func Default() Config {
	var conf Config
	_ = LoadConfigEnv(&conf)
	return conf
}

func (c *Config) Validate() error {
	if c.Device.MaxStreams <= 0 {
		return fmt.Errorf("device.max_streams must be positive, got %d", c.Device.MaxStreams)
	}
	switch c.Device.Engine {
	case "soft", "native":
	default:
		return fmt.Errorf("device.engine: unknown engine %q", c.Device.Engine)
	}
	return c.Pipeline.Validate()
}

func (p *Pipeline) Validate() error {
	if p.DecodeTimeout <= 0 || p.ConvertPoll <= 0 || p.QueueTimeout <= 0 {
		return fmt.Errorf("pipeline: timeouts must be positive")
	}
	if p.DrainRetries <= 0 || p.ConvertMaxPolls <= 0 {
		return fmt.Errorf("pipeline: retry budgets must be positive")
	}
	if p.ExtraSurfaces < 0 {
		return fmt.Errorf("pipeline.extra_surfaces is negative")
	}
	if _, err := p.Format(); err != nil {
		return err
	}
	return nil
}

// Format returns the default guest output pixel format.
func (p *Pipeline) Format() (video.PixelFormat, error) {
	f, err := video.ParsePixelFormat(p.OutputFormat)
	if err != nil {
		return f, fmt.Errorf("pipeline.output_format: %w", err)
	}
	return f, nil
}

// Flags are command line overrides of the loaded config.
type Flags struct {
	Path           string
	Debug          bool
	Engine         string
	NativeLib      string
	MonitoringPort int
	LockFile       string
}

func (f *Flags) WithFlags(fs *pflag.FlagSet) *Flags {
	fs.StringVarP(&f.Path, "conf", "c", "", "Set custom configuration file directory")
	fs.BoolVarP(&f.Debug, "debug", "d", false, "Enable debug logging")
	fs.StringVar(&f.Engine, "engine", "", "Decode engine: [soft, native]")
	fs.StringVar(&f.NativeLib, "native-lib", "", "Path to the native engine library")
	fs.IntVar(&f.MonitoringPort, "monitoring.port", 0, "Monitoring server port")
	fs.StringVar(&f.LockFile, "lock", "", "Single instance lock file")
	return f
}

// Apply copies the flags set on the command line into c.
func (f *Flags) Apply(c *Config, fs *pflag.FlagSet) {
	if fs.Changed("engine") {
		c.Device.Engine = f.Engine
	}
	if fs.Changed("native-lib") {
		c.Device.NativeLib = f.NativeLib
	}
	if fs.Changed("monitoring.port") {
		c.Monitoring.Port = f.MonitoringPort
	}
	if fs.Changed("lock") {
		c.Device.LockFile = f.LockFile
	}
}
