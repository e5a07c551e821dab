package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"pgraftctl/bootstrap"
	"pgraftctl/noderuntime"
	"pgraftctl/pgconf"
	"pgraftctl/status"
	"pgraftctl/store"
	"pgraftctl/topology"
)

const envPrefix = "PGRAFTCTL"

type portsConfig struct {
	DB        int `mapstructure:"db" validate:"gte=1,lte=65535"`
	Consensus int `mapstructure:"consensus" validate:"gte=1,lte=65535"`
	Metrics   int `mapstructure:"metrics" validate:"gte=1,lte=65535"`
}

type consensusConfig struct {
	DataDir         string        `mapstructure:"data_dir" validate:"required,startswith=/"`
	ClusterToken    string        `mapstructure:"cluster_token" validate:"required"`
	ElectionTimeout time.Duration `mapstructure:"election_timeout" validate:"gte=1ms"`
	Heartbeat       time.Duration `mapstructure:"heartbeat" validate:"gte=1ms,ltfield=ElectionTimeout"`
	SnapshotCount   int           `mapstructure:"snapshot_count" validate:"gte=1"`
	LogLevel        string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

type timeoutsConfig struct {
	Ready          time.Duration `mapstructure:"ready" validate:"gt=0"`
	ReadyInterval  time.Duration `mapstructure:"ready_interval" validate:"gt=0"`
	RestartStagger time.Duration `mapstructure:"restart_stagger" validate:"gte=0"`
	Init           time.Duration `mapstructure:"init" validate:"gt=0"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	PollAttempts   int           `mapstructure:"poll_attempts" validate:"gte=1"`
	Connect        time.Duration `mapstructure:"connect" validate:"gt=0"`
	Cleanup        time.Duration `mapstructure:"cleanup" validate:"gt=0"`
}

type stateStoreConfig struct {
	Backend   string   `mapstructure:"backend" validate:"oneof=none etcd dynamodb"`
	Endpoints []string `mapstructure:"endpoints" validate:"dive,required"`
	Table     string   `mapstructure:"table"`
	Region    string   `mapstructure:"region"`
}

type config struct {
	ClusterName string `mapstructure:"cluster_name" validate:"required,hostname_rfc1123"`

	// Nodes is the total node count, primary included.
	Nodes    int `mapstructure:"nodes" validate:"gte=1,ltefield=MaxNodes"`
	MaxNodes int `mapstructure:"max_nodes" validate:"gte=1,lte=9"`

	Network      string `mapstructure:"network" validate:"required"`
	Image        string `mapstructure:"image" validate:"required"`
	ShmSize      string `mapstructure:"shm_size"`
	DockerBinary string `mapstructure:"docker_binary" validate:"required"`

	Password            string `mapstructure:"password" validate:"required"`
	ReplicationUser     string `mapstructure:"replication_user" validate:"required"`
	ReplicationPassword string `mapstructure:"replication_password" validate:"required"`
	HostAddress         string `mapstructure:"host_address" validate:"required,ip|hostname_rfc1123"`

	DataDir string `mapstructure:"data_dir" validate:"required,startswith=/"`
	WorkDir string `mapstructure:"work_dir" validate:"required"`

	Ports      portsConfig      `mapstructure:"ports"`
	Consensus  consensusConfig  `mapstructure:"consensus"`
	Timeouts   timeoutsConfig   `mapstructure:"timeouts"`
	StateStore stateStoreConfig `mapstructure:"state_store"`

	MetricsFile    string `mapstructure:"metrics_file"`
	Output         string `mapstructure:"output" validate:"oneof=table json yaml"`
	Verbose        bool   `mapstructure:"verbose"`
	CleanupOnAbort bool   `mapstructure:"cleanup_on_abort"`
}

func setDefaults(v *viper.Viper) {
	consensus := pgconf.DefaultSettings()
	ports := topology.DefaultOptions()

	v.SetDefault("cluster_name", "pgraft")
	v.SetDefault("nodes", 3)
	v.SetDefault("max_nodes", topology.DefaultMaxSize)
	v.SetDefault("network", "pgraft-network")
	v.SetDefault("image", "postgres-pgraft:17")
	v.SetDefault("shm_size", "256mb")
	v.SetDefault("docker_binary", "docker")
	v.SetDefault("password", "postgres")
	v.SetDefault("replication_user", "replicator")
	v.SetDefault("replication_password", "replicator")
	v.SetDefault("host_address", "127.0.0.1")
	v.SetDefault("data_dir", "/var/lib/postgresql/data")
	v.SetDefault("work_dir", filepath.Join(os.TempDir(), "pgraftctl"))

	v.SetDefault("ports.db", ports.BaseDBPort)
	v.SetDefault("ports.consensus", ports.BaseConsensusPort)
	v.SetDefault("ports.metrics", ports.BaseMetricsPort)

	v.SetDefault("consensus.data_dir", consensus.DataDir)
	v.SetDefault("consensus.cluster_token", consensus.ClusterToken)
	v.SetDefault("consensus.election_timeout", time.Duration(consensus.ElectionTimeoutMs)*time.Millisecond)
	v.SetDefault("consensus.heartbeat", time.Duration(consensus.HeartbeatMs)*time.Millisecond)
	v.SetDefault("consensus.snapshot_count", consensus.SnapshotCount)
	v.SetDefault("consensus.log_level", consensus.LogLevel)

	v.SetDefault("timeouts.ready", time.Minute)
	v.SetDefault("timeouts.ready_interval", time.Second)
	v.SetDefault("timeouts.restart_stagger", 2*time.Second)
	v.SetDefault("timeouts.init", 30*time.Second)
	v.SetDefault("timeouts.poll_interval", 2*time.Second)
	v.SetDefault("timeouts.poll_attempts", 30)
	v.SetDefault("timeouts.connect", 5*time.Second)
	v.SetDefault("timeouts.cleanup", 2*time.Minute)

	v.SetDefault("state_store.backend", store.BackendNone)
	v.SetDefault("state_store.endpoints", []string{})
	v.SetDefault("state_store.table", store.DefaultTableName)
	v.SetDefault("state_store.region", "")

	v.SetDefault("metrics_file", "")
	v.SetDefault("output", status.FormatTable)
	v.SetDefault("verbose", false)
	v.SetDefault("cleanup_on_abort", false)
}

// loadConfig layers, from lowest to highest precedence: defaults, the
// optional config file, PGRAFTCTL_* environment variables and overrides
// (set from command line flags).
func loadConfig(path string, overrides map[string]any) (*config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := newValidator().Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return nil, fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		s := sl.Current().Interface().(stateStoreConfig)
		if s.Backend == store.BackendEtcd && len(s.Endpoints) == 0 {
			sl.ReportError(s.Endpoints, "Endpoints", "Endpoints", "required_for_etcd", "")
		}
	}, stateStoreConfig{})
	return validate
}

func (c *config) topologyOptions() topology.Options {
	return topology.Options{
		MaxSize:           c.MaxNodes,
		BaseDBPort:        c.Ports.DB,
		BaseConsensusPort: c.Ports.Consensus,
		BaseMetricsPort:   c.Ports.Metrics,
	}
}

func (c *config) topology() (*topology.Topology, error) {
	return topology.Build(c.ClusterName, c.Nodes-1, c.topologyOptions())
}

func (c *config) consensusSettings() pgconf.Settings {
	return pgconf.Settings{
		DataDir:           c.Consensus.DataDir,
		ClusterToken:      c.Consensus.ClusterToken,
		ElectionTimeoutMs: int(c.Consensus.ElectionTimeout.Milliseconds()),
		HeartbeatMs:       int(c.Consensus.Heartbeat.Milliseconds()),
		SnapshotCount:     c.Consensus.SnapshotCount,
		LogLevel:          c.Consensus.LogLevel,
	}
}

func (c *config) pipelineConfig() bootstrap.Config {
	return bootstrap.Config{
		Network:             c.Network,
		Image:               c.Image,
		ShmSize:             c.ShmSize,
		Password:            c.Password,
		HostAddress:         c.HostAddress,
		ReplicationUser:     c.ReplicationUser,
		ReplicationPassword: c.ReplicationPassword,
		DataDir:             c.DataDir,
		WorkDir:             c.WorkDir,
		Consensus:           c.consensusSettings(),
		Ready: noderuntime.WaitOptions{
			Timeout:  c.Timeouts.Ready,
			Interval: c.Timeouts.ReadyInterval,
		},
		RestartStagger: c.Timeouts.RestartStagger,
		InitTimeout:    c.Timeouts.Init,
		PollInterval:   c.Timeouts.PollInterval,
		PollAttempts:   c.Timeouts.PollAttempts,
		CleanupOnAbort: c.CleanupOnAbort,
		CleanupTimeout: c.Timeouts.Cleanup,
	}
}

func (c *config) statusConfig() status.Config {
	return status.Config{
		HostAddress: c.HostAddress,
		User:        "postgres",
		Password:    c.Password,
		Database:    "postgres",
	}
}

func (c *config) storeOptions() store.Options {
	return store.Options{
		Backend:     c.StateStore.Backend,
		Endpoints:   c.StateStore.Endpoints,
		Table:       c.StateStore.Table,
		Region:      c.StateStore.Region,
		DialTimeout: c.Timeouts.Connect,
	}
}
