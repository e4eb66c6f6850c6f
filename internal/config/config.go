// Package config holds the validated configuration of a tally deployment.
//
// The five partition-family settings have no defaults: a deployment that
// forgets one fails at startup rather than silently flushing on some
// built-in cadence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// ErrMissing is returned by Load when a required setting was never provided.
var ErrMissing = errors.New("missing required configuration")

// Keys of the partition-family settings.
const (
	KeyShardCount      = "shard-count"
	KeyShardThreshold  = "shard-threshold"
	KeyShardTimeout    = "shard-timeout"
	KeyGlobalThreshold = "global-threshold"
	KeyGlobalTimeout   = "global-timeout"
)

// Keys of the server settings.
const (
	KeyListen         = "listen"
	KeyStoreDriver    = "store-driver"
	KeyStorePath      = "store-path"
	KeyMirrorBackend  = "mirror-backend"
	KeyMirrorDir      = "mirror-dir"
	KeyMirrorBucket   = "mirror-bucket"
	KeyMirrorProject  = "mirror-project"
	KeyMirrorCacheTTL = "mirror-cache-ttl"
	KeyGlobalURL      = "global-url"
	KeyLogLevel       = "log-level"
)

var requiredKeys = []string{
	KeyShardCount,
	KeyShardThreshold,
	KeyShardTimeout,
	KeyGlobalThreshold,
	KeyGlobalTimeout,
}

// Family is the flush policy shared by every partition a process serves.
type Family struct {
	// ShardCount is the number of shard instances per partition.
	ShardCount int

	// ShardThreshold is the number of accepted increment requests after
	// which a shard flushes synchronously.
	ShardThreshold int

	// ShardTimeout is the inactivity period after which a shard flushes.
	// Zero disables timer-based flushing.
	ShardTimeout time.Duration

	// GlobalThreshold is the number of merged writes the aggregator must
	// exceed before it mirrors immediately.
	GlobalThreshold int

	// GlobalTimeout is the inactivity period after which the aggregator
	// mirrors. Zero disables timer-based mirroring.
	GlobalTimeout time.Duration
}

// Validate reports every invalid field at once.
func (f Family) Validate() error {
	var errs error
	if f.ShardCount < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be >= 1, got %d", KeyShardCount, f.ShardCount))
	}
	if f.ShardThreshold < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be >= 1, got %d", KeyShardThreshold, f.ShardThreshold))
	}
	if f.ShardTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be >= 0, got %v", KeyShardTimeout, f.ShardTimeout))
	}
	if f.GlobalThreshold < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be >= 1, got %d", KeyGlobalThreshold, f.GlobalThreshold))
	}
	if f.GlobalTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be >= 0, got %v", KeyGlobalTimeout, f.GlobalTimeout))
	}
	return errs
}

// Config is everything counterd needs to start.
type Config struct {
	Family Family

	// Listen is the HTTP listen address.
	Listen string

	// StoreDriver selects the durable store: "sqlite" or "memory".
	StoreDriver string
	// StorePath is the SQLite database file.
	StorePath string

	// MirrorBackend selects the mirror: "fs", "gcs" or "memory".
	MirrorBackend string
	MirrorDir     string
	MirrorBucket  string
	MirrorProject string
	// MirrorCacheTTL bounds the staleness added by the public mirror read cache.
	MirrorCacheTTL time.Duration

	// GlobalURL, when set, sends shard flushes to the aggregator of another
	// counterd instead of the local one.
	GlobalURL string

	LogLevel string
}

// RegisterFlags defines every setting on fs. The family settings are
// registered without meaningful defaults; Load checks they were set.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int(KeyShardCount, 0, "number of shard instances per partition (required)")
	fs.Int(KeyShardThreshold, 0, "increment requests buffered per shard before a synchronous flush (required)")
	fs.Duration(KeyShardTimeout, 0, "shard inactivity before a timer flush, 0 disables (required)")
	fs.Int(KeyGlobalThreshold, 0, "merged writes the aggregator must exceed before mirroring (required)")
	fs.Duration(KeyGlobalTimeout, 0, "aggregator inactivity before a timer mirror, 0 disables (required)")

	fs.String(KeyListen, ":8080", "HTTP listen address")
	fs.String(KeyStoreDriver, "sqlite", "durable store driver: sqlite or memory")
	fs.String(KeyStorePath, "tally.db", "SQLite database path")
	fs.String(KeyMirrorBackend, "fs", "mirror backend: fs, gcs or memory")
	fs.String(KeyMirrorDir, "mirror", "directory for the fs mirror backend")
	fs.String(KeyMirrorBucket, "tally-mirror", "bucket name for the mirror")
	fs.String(KeyMirrorProject, "", "GCP project used to create the gcs mirror bucket")
	fs.Duration(KeyMirrorCacheTTL, time.Second, "cache lifetime of public mirror reads")
	fs.String(KeyGlobalURL, "", "base URL of a remote counterd hosting the aggregators")
	fs.String(KeyLogLevel, "info", "log level: debug, info, warn, error, or dev for human readable output")
}

// NewViper returns a viper instance bound to fs and to TALLY_* environment
// variables.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("tally")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Load reads a Config from v. A family key that was neither set by flag,
// environment nor config file yields ErrMissing; a bound flag left at its
// zero default does not count as set. Invalid values are reported through
// Validate.
func Load(v *viper.Viper) (Config, error) {
	var missing []string
	for _, k := range requiredKeys {
		if !v.IsSet(k) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}

	cfg := Config{
		Family: Family{
			ShardCount:      v.GetInt(KeyShardCount),
			ShardThreshold:  v.GetInt(KeyShardThreshold),
			ShardTimeout:    v.GetDuration(KeyShardTimeout),
			GlobalThreshold: v.GetInt(KeyGlobalThreshold),
			GlobalTimeout:   v.GetDuration(KeyGlobalTimeout),
		},
		Listen:         v.GetString(KeyListen),
		StoreDriver:    v.GetString(KeyStoreDriver),
		StorePath:      v.GetString(KeyStorePath),
		MirrorBackend:  v.GetString(KeyMirrorBackend),
		MirrorDir:      v.GetString(KeyMirrorDir),
		MirrorBucket:   v.GetString(KeyMirrorBucket),
		MirrorProject:  v.GetString(KeyMirrorProject),
		MirrorCacheTTL: v.GetDuration(KeyMirrorCacheTTL),
		GlobalURL:      v.GetString(KeyGlobalURL),
		LogLevel:       v.GetString(KeyLogLevel),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the family and the server settings.
func (c Config) Validate() error {
	errs := c.Family.Validate()
	switch c.StoreDriver {
	case "sqlite":
		if c.StorePath == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s is required for the sqlite driver", KeyStorePath))
		}
	case "memory":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown %s %q", KeyStoreDriver, c.StoreDriver))
	}
	switch c.MirrorBackend {
	case "fs", "gcs", "memory":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown %s %q", KeyMirrorBackend, c.MirrorBackend))
	}
	if c.MirrorCacheTTL < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be >= 0", KeyMirrorCacheTTL))
	}
	return errs
}
