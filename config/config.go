// Package config loads server configuration from defaults, an optional
// config file, MINISERVER_* environment variables and command line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MINISERVER_BIND_ADDRESS
// or MINISERVER_LOG_LEVEL.
const EnvPrefix = "MINISERVER"

// DefaultConfigName is searched for (any supported extension) in the working
// directory when no file is given explicitly.
const DefaultConfigName = "miniserver"

// Config holds all application configuration.
type Config struct {
	BindAddress         string        `mapstructure:"bind_address"`
	ThreadPoolCount     int           `mapstructure:"thread_pool_count"`
	QueueCapacity       int           `mapstructure:"queue_capacity"`
	MaxHeaderBytes      int           `mapstructure:"max_header_bytes"`
	MaxBodyBytes        int64         `mapstructure:"max_body_bytes"`
	StaticRoot          string        `mapstructure:"static_root"`
	IndexFiles          []string      `mapstructure:"index_files"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ReusePort       bool          `mapstructure:"reuse_port"`
	ListDirectories bool          `mapstructure:"list_directories"`
	GzipStatic      bool          `mapstructure:"gzip_static"`

	Env       string    `mapstructure:"env"`
	AccessLog bool      `mapstructure:"access_log"`
	Log       LogConfig `mapstructure:"log"`
}

// LogConfig configures diagnostic logging
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File, when set, receives logs instead of stderr
	File string `mapstructure:"file"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		BindAddress:         ":8080",
		ThreadPoolCount:     runtime.NumCPU(),
		QueueCapacity:       256,
		MaxHeaderBytes:      8 << 10,
		MaxBodyBytes:        1 << 20,
		IndexFiles:          []string{"index.html", "index.htm", "index.txt"},
		ShutdownGracePeriod: 5 * time.Second,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        10 * time.Second,
		Env:                 "development",
		AccessLog:           true,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("bind_address", d.BindAddress)
	v.SetDefault("thread_pool_count", d.ThreadPoolCount)
	v.SetDefault("queue_capacity", d.QueueCapacity)
	v.SetDefault("max_header_bytes", d.MaxHeaderBytes)
	v.SetDefault("max_body_bytes", d.MaxBodyBytes)
	v.SetDefault("static_root", d.StaticRoot)
	v.SetDefault("index_files", d.IndexFiles)
	v.SetDefault("shutdown_grace_period", d.ShutdownGracePeriod)
	v.SetDefault("read_timeout", d.ReadTimeout)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("reuse_port", d.ReusePort)
	v.SetDefault("list_directories", d.ListDirectories)
	v.SetDefault("gzip_static", d.GzipStatic)
	v.SetDefault("env", d.Env)
	v.SetDefault("access_log", d.AccessLog)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
}

// flagKeys maps command line flags onto configuration keys
var flagKeys = map[string]string{
	"bind":             "bind_address",
	"workers":          "thread_pool_count",
	"queue":            "queue_capacity",
	"max-header-bytes": "max_header_bytes",
	"max-body-bytes":   "max_body_bytes",
	"static-root":      "static_root",
	"index":            "index_files",
	"shutdown-grace":   "shutdown_grace_period",
	"read-timeout":     "read_timeout",
	"write-timeout":    "write_timeout",
	"max-connections":  "max_connections",
	"reuse-port":       "reuse_port",
	"list-directories": "list_directories",
	"gzip":             "gzip_static",
	"env":              "env",
	"access-log":       "access_log",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"log-file":         "log.file",
}

// RegisterFlags defines the configuration flags on fs. Flag defaults are
// the built-in defaults; only flags set explicitly override lower layers.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringP("bind", "b", d.BindAddress, "address to listen on (host:port)")
	fs.IntP("workers", "w", d.ThreadPoolCount, "number of worker goroutines")
	fs.Int("queue", d.QueueCapacity, "pending connection queue capacity")
	fs.Int("max-header-bytes", d.MaxHeaderBytes, "limit for request line plus headers")
	fs.Int64("max-body-bytes", d.MaxBodyBytes, "limit for request bodies")
	fs.StringP("static-root", "s", d.StaticRoot, "directory to serve static files from")
	fs.StringSlice("index", d.IndexFiles, "index file names, in lookup order")
	fs.Duration("shutdown-grace", d.ShutdownGracePeriod, "time allowed for in-flight requests on shutdown")
	fs.Duration("read-timeout", d.ReadTimeout, "socket read timeout")
	fs.Duration("write-timeout", d.WriteTimeout, "socket write timeout")
	fs.Int("max-connections", d.MaxConnections, "cap on open connections (0 = unlimited)")
	fs.Bool("reuse-port", d.ReusePort, "set SO_REUSEPORT on the listener")
	fs.Bool("list-directories", d.ListDirectories, "render directory listings when no index file exists")
	fs.Bool("gzip", d.GzipStatic, "gzip compressible static files for clients that accept it")
	fs.String("env", d.Env, "environment (development/production)")
	fs.Bool("access-log", d.AccessLog, "log one line per request")
	fs.String("log-level", d.Log.Level, "log level (debug/info/warn/error)")
	fs.String("log-format", d.Log.Format, "log format (text/json)")
	fs.String("log-file", d.Log.File, "append logs to this file instead of stderr")
}

// Load builds the configuration. file may be empty, in which case
// ./miniserver.{yaml,toml,json} is used when present. flags may be nil.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.BindAddress); err != nil {
		return &ConfigError{Field: "bind_address", Message: err.Error()}
	}
	if c.ThreadPoolCount < 1 {
		return &ConfigError{Field: "thread_pool_count", Message: "must be at least 1"}
	}
	if c.QueueCapacity < 1 {
		return &ConfigError{Field: "queue_capacity", Message: "must be at least 1"}
	}
	if c.MaxHeaderBytes < 64 {
		return &ConfigError{Field: "max_header_bytes", Message: "must be at least 64"}
	}
	if c.MaxBodyBytes < 0 {
		return &ConfigError{Field: "max_body_bytes", Message: "must not be negative"}
	}
	if c.ShutdownGracePeriod < 0 {
		return &ConfigError{Field: "shutdown_grace_period", Message: "must not be negative"}
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return &ConfigError{Field: "read_timeout", Message: "timeouts must not be negative"}
	}
	if c.MaxConnections < 0 {
		return &ConfigError{Field: "max_connections", Message: "must not be negative"}
	}
	for _, name := range c.IndexFiles {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return &ConfigError{Field: "index_files", Message: fmt.Sprintf("invalid file name %q", name)}
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ConfigError{Field: "log.level", Message: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return &ConfigError{Field: "log.format", Message: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	return nil
}

// IsProduction reports whether Env names a production deployment
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
