// Package config loads the offload client's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/offload/client"
	"github.com/guseggert/offload/frame"
	"github.com/guseggert/offload/internal/files"
	"github.com/guseggert/offload/supervisor"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Duration is a time.Duration written as a string such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	// Interpreter runs Script. Leave empty when Script is a native executable.
	Interpreter string   `toml:"interpreter"`
	Script      string   `toml:"script"`
	ExtraArgs   []string `toml:"extra_args"`

	RetryDelay  Duration `toml:"retry_delay"`
	MaxAttempts int      `toml:"max_attempts"`
	// FailPending makes requests still pending on disconnect fail instead of being dropped.
	FailPending bool `toml:"fail_pending"`

	ByteOrder string `toml:"byte_order"`
	Encoding  string `toml:"encoding"`
	// WorkerFlags passes byte_order and encoding to the worker as --byte-order and --encoding.
	// It is implied when Script is the offload-worker executable. Other scripts must be configured to match.
	WorkerFlags bool `toml:"worker_flags"`

	LogLevel string `toml:"log_level"`
}

func Default() *Config {
	return &Config{
		RetryDelay:  Duration{client.DefaultRetryDelay},
		MaxAttempts: client.DefaultMaxAttempts,
		ByteOrder:   "big",
		Encoding:    "utf-8",
		LogLevel:    "info",
	}
}

// Load reads the config file at path on top of the defaults.
// A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.expandEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) expandEnvVars() {
	c.Interpreter = expandEnvVars(c.Interpreter)
	c.Script = expandEnvVars(c.Script)
	for i := range c.ExtraArgs {
		c.ExtraArgs[i] = expandEnvVars(c.ExtraArgs[i])
	}
}

// expandEnvVars replaces ${VAR_NAME} with the value of the environment variable.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

func (c *Config) Validate() error {
	if c.RetryDelay.Duration < 0 {
		return fmt.Errorf("retry_delay must not be negative")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	if _, err := c.Codec(); err != nil {
		return err
	}
	return nil
}

// Codec builds the frame codec for the configured byte order and encoding.
func (c *Config) Codec() (frame.Codec, error) {
	order, err := frame.ParseByteOrder(c.ByteOrder)
	if err != nil {
		return frame.Codec{}, err
	}
	codec := frame.DefaultCodec()
	codec.Order = order
	if c.Encoding != "" {
		enc, err := frame.LookupEncoding(c.Encoding)
		if err != nil {
			return frame.Codec{}, err
		}
		codec.Encoding = enc
	}
	return codec, nil
}

// bundledWorker reports whether Script is the offload-worker executable.
func (c *Config) bundledWorker() bool {
	l := supervisor.Launch{Interpreter: c.Interpreter, Executable: c.Script}
	if c.Script == "" || !l.Native() {
		return false
	}
	name := strings.TrimSuffix(filepath.Base(c.Script), filepath.Ext(c.Script))
	return name == files.WorkerBinName
}

// Launch describes how to start the configured worker. When the worker takes codec flags they come
// before ExtraArgs, so both ends of the connection frame messages the same way.
func (c *Config) Launch() supervisor.Launch {
	var args []string
	if c.WorkerFlags || c.bundledWorker() {
		order := c.ByteOrder
		if order == "" {
			order = "big"
		}
		enc := c.Encoding
		if enc == "" {
			enc = "utf-8"
		}
		args = append(args, "--byte-order="+order, "--encoding="+enc)
	}
	return supervisor.Launch{
		Interpreter: c.Interpreter,
		Executable:  c.Script,
		ExtraArgs:   append(args, c.ExtraArgs...),
	}
}

// ClientOptions translates the config into client options.
func (c *Config) ClientOptions() ([]client.Option, error) {
	codec, err := c.Codec()
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithCodec(codec),
		client.WithRetryDelay(c.RetryDelay.Duration),
		client.WithMaxAttempts(c.MaxAttempts),
	}
	if c.FailPending {
		opts = append(opts, client.WithFailPendingOnDisconnect())
	}
	return opts, nil
}
