package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/seqmr/seqmr/pkg/core"
)

// Backend names accepted by the backend selection key.
const (
	BackendLocal      = "local"
	BackendGridEngine = "gridengine"
	BackendSSH        = "ssh"
	BackendEMR        = "emr"
)

var backendNames = []string{BackendLocal, BackendGridEngine, BackendSSH, BackendEMR}

// Config contains all configuration for one run.
type Config struct {
	Backend  string `mapstructure:"backend"`
	Workroot string `mapstructure:"workroot"`

	MaxAttempts       int           `mapstructure:"max_attempts"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	KeepIntermediates bool          `mapstructure:"keep_intermediates"`

	Local      LocalConfig      `mapstructure:"local"`
	GridEngine GridEngineConfig `mapstructure:"gridengine"`
	SSH        SSHConfig        `mapstructure:"ssh"`
	EMR        EMRConfig        `mapstructure:"emr"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig contains logging-related configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LocalConfig drives the multi-process backend.
type LocalConfig struct {
	Workers int `mapstructure:"workers"`
}

// GridEngineConfig drives the cluster-scheduler backend. Paths default to
// whatever the scheduler environment puts on PATH.
type GridEngineConfig struct {
	QsubPath     string `mapstructure:"qsub_path"`
	QstatPath    string `mapstructure:"qstat_path"`
	QdelPath     string `mapstructure:"qdel_path"`
	Queue        string `mapstructure:"queue"`
	Slots        int    `mapstructure:"slots"`
	WorkerBinary string `mapstructure:"worker_binary"`
}

// SSHConfig drives the remote-login shared-filesystem backend.
type SSHConfig struct {
	Hosts           []string      `mapstructure:"hosts"`
	User            string        `mapstructure:"user"`
	KeyFile         string        `mapstructure:"key_file"`
	SessionsPerHost int           `mapstructure:"sessions_per_host"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	WorkerBinary    string        `mapstructure:"worker_binary"`
}

// EMRConfig drives the elastic managed-cluster backend.
type EMRConfig struct {
	ClusterID       string `mapstructure:"cluster_id"`
	Region          string `mapstructure:"region"`
	ConcurrentSteps int    `mapstructure:"concurrent_steps"`
	WorkerBinary    string `mapstructure:"worker_binary"`
}

// Load reads run configuration from the given path. If configPath is
// empty, it looks for seqmr.yaml in the config/ directory or the working
// directory. Environment variables with SEQMR_ prefix override config
// file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Every key gets a default so environment overrides reach Unmarshal.
	v.SetDefault("backend", BackendLocal)
	v.SetDefault("workroot", "")
	v.SetDefault("max_attempts", 3)
	v.SetDefault("poll_interval", 200*time.Millisecond)
	v.SetDefault("keep_intermediates", false)
	v.SetDefault("local.workers", 4)
	v.SetDefault("gridengine.qsub_path", "qsub")
	v.SetDefault("gridengine.qstat_path", "qstat")
	v.SetDefault("gridengine.qdel_path", "qdel")
	v.SetDefault("gridengine.queue", "")
	v.SetDefault("gridengine.slots", 16)
	v.SetDefault("gridengine.worker_binary", "seqmr")
	v.SetDefault("ssh.hosts", []string{})
	v.SetDefault("ssh.user", "")
	v.SetDefault("ssh.key_file", "")
	v.SetDefault("ssh.sessions_per_host", 2)
	v.SetDefault("ssh.dial_timeout", 10*time.Second)
	v.SetDefault("ssh.worker_binary", "seqmr")
	v.SetDefault("emr.cluster_id", "")
	v.SetDefault("emr.region", "")
	v.SetDefault("emr.concurrent_steps", 8)
	v.SetDefault("emr.worker_binary", "/usr/local/bin/seqmr")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("seqmr")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, core.ConfigWrap(err, "reading config file")
		}
	}

	v.SetEnvPrefix("SEQMR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, core.ConfigWrap(err, "unmarshaling config")
	}
	return &cfg, nil
}

// Validate checks the fields every run needs plus the section for the
// selected backend.
func (c *Config) Validate() error {
	if !slices.Contains(backendNames, c.Backend) {
		return core.Configf("unknown backend %q, expected one of %s", c.Backend, strings.Join(backendNames, ", "))
	}
	if c.Workroot == "" {
		return core.Configf("working storage root is not set")
	}
	if c.MaxAttempts < 1 {
		return core.Configf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}

	switch c.Backend {
	case BackendLocal:
		if c.Local.Workers < 1 {
			return core.Configf("local.workers must be at least 1, got %d", c.Local.Workers)
		}
	case BackendGridEngine:
		if c.GridEngine.Slots < 1 {
			return core.Configf("gridengine.slots must be at least 1, got %d", c.GridEngine.Slots)
		}
	case BackendSSH:
		if len(c.SSH.Hosts) == 0 {
			return core.Configf("ssh backend selected but ssh.hosts is empty")
		}
		if c.SSH.User == "" {
			return core.Configf("ssh backend selected but ssh.user is not set")
		}
		if c.SSH.SessionsPerHost < 1 {
			return core.Configf("ssh.sessions_per_host must be at least 1, got %d", c.SSH.SessionsPerHost)
		}
	case BackendEMR:
		if c.EMR.ClusterID == "" {
			return core.Configf("emr backend selected but emr.cluster_id is not set")
		}
		if !strings.HasPrefix(c.Workroot, "s3://") {
			return core.Configf("emr backend requires an s3:// working storage root, got %s", c.Workroot)
		}
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("backend=%s workroot=%s max_attempts=%d", c.Backend, c.Workroot, c.MaxAttempts)
}
