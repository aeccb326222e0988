// Package config loads the node configuration. Configuration is read once
// at startup and is immutable for the process lifetime.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the node's startup configuration.
type Config struct {
	Node      NodeConfig
	P2P       P2PConfig
	Executor  ExecutorConfig
	Dispatch  DispatchConfig
	Storage   StorageConfig
	Health    HealthConfig
	Directory DirectoryConfig
}

type NodeConfig struct {
	Name    string
	Version string
	KeyFile string
	// Models this node can serve, matched against TaskRequest.Model.
	Models []string
}

type P2PConfig struct {
	ListenAddrs     []string
	SeedPeers       []string
	DialRetries     int
	DialBackoffBase time.Duration
	DialBackoffMax  time.Duration
}

type ExecutorConfig struct {
	MaxConcurrent int
	QueueDepth    int
	TaskTimeout   time.Duration
	ShutdownGrace time.Duration
}

type DispatchConfig struct {
	MaxPayloadBytes int
}

type StorageConfig struct {
	HistoryPath   string
	HistoryMaxAge time.Duration
}

type HealthConfig struct {
	Addr string
}

type DirectoryConfig struct {
	PeerStaleAfter time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.name", "compute-node")
	v.SetDefault("node.version", "0.1.0")
	v.SetDefault("node.key_file", "node_identity.key")
	v.SetDefault("node.models", "")

	v.SetDefault("p2p.listen_addrs", []string{"/ip4/0.0.0.0/tcp/4001"})
	v.SetDefault("p2p.seed_peers", []string{})
	v.SetDefault("p2p.dial_retries", 5)
	v.SetDefault("p2p.dial_backoff_base", time.Second)
	v.SetDefault("p2p.dial_backoff_max", time.Minute)

	v.SetDefault("executor.max_concurrent", 4)
	v.SetDefault("executor.queue_depth", 16)
	v.SetDefault("executor.task_timeout", 2*time.Minute)
	v.SetDefault("executor.shutdown_grace", 10*time.Second)

	v.SetDefault("dispatch.max_payload_bytes", 1<<20)

	v.SetDefault("storage.history_path", "task_history.db")
	v.SetDefault("storage.history_max_age", 30*24*time.Hour)

	v.SetDefault("health.addr", ":8080")

	v.SetDefault("directory.peer_stale_after", time.Hour)
}

// Load reads configuration from the given directory (config.yaml) with
// environment overrides prefixed by NODE_ (e.g. NODE_EXECUTOR_QUEUE_DEPTH).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("node")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and env vars still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Node: NodeConfig{
			Name:    v.GetString("node.name"),
			Version: v.GetString("node.version"),
			KeyFile: v.GetString("node.key_file"),
			Models:  SplitModelList(v.GetString("node.models")),
		},
		P2P: P2PConfig{
			ListenAddrs:     v.GetStringSlice("p2p.listen_addrs"),
			SeedPeers:       v.GetStringSlice("p2p.seed_peers"),
			DialRetries:     v.GetInt("p2p.dial_retries"),
			DialBackoffBase: v.GetDuration("p2p.dial_backoff_base"),
			DialBackoffMax:  v.GetDuration("p2p.dial_backoff_max"),
		},
		Executor: ExecutorConfig{
			MaxConcurrent: v.GetInt("executor.max_concurrent"),
			QueueDepth:    v.GetInt("executor.queue_depth"),
			TaskTimeout:   v.GetDuration("executor.task_timeout"),
			ShutdownGrace: v.GetDuration("executor.shutdown_grace"),
		},
		Dispatch: DispatchConfig{
			MaxPayloadBytes: v.GetInt("dispatch.max_payload_bytes"),
		},
		Storage: StorageConfig{
			HistoryPath:   v.GetString("storage.history_path"),
			HistoryMaxAge: v.GetDuration("storage.history_max_age"),
		},
		Health: HealthConfig{
			Addr: v.GetString("health.addr"),
		},
		Directory: DirectoryConfig{
			PeerStaleAfter: v.GetDuration("directory.peer_stale_after"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Executor.MaxConcurrent < 1 {
		return fmt.Errorf("executor.max_concurrent must be at least 1")
	}
	if c.Executor.QueueDepth < c.Executor.MaxConcurrent {
		return fmt.Errorf("executor.queue_depth (%d) must be >= executor.max_concurrent (%d)",
			c.Executor.QueueDepth, c.Executor.MaxConcurrent)
	}
	if c.Dispatch.MaxPayloadBytes < 1 {
		return fmt.Errorf("dispatch.max_payload_bytes must be positive")
	}
	return nil
}

// SplitModelList parses a comma-separated model list, trimming quotes and
// whitespace and dropping empty entries.
func SplitModelList(input string) []string {
	var out []string
	for _, part := range strings.Split(strings.Trim(input, `"`), ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
