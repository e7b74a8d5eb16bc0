package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Config is the root application configuration.
// yaml and validate tags drive parsing and validation.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger" validate:"required"`
	Server      ServerConfig      `yaml:"http-server" validate:"required"`
	Node        NodeConfig        `yaml:"node" validate:"required"`
	Raft        RaftConfig        `yaml:"raft" validate:"required"`
	Persistence PersistenceConfig `yaml:"persistence" validate:"required"`
	Registry    RegistryConfig    `yaml:"registry"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"min=0"`
}

type PeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required,min=1"`
	Address string `yaml:"address" validate:"required"`
}

// NodeConfig is this replica's identity. Join means the node is added
// to an existing cluster through AddServer instead of bootstrapping.
type NodeConfig struct {
	ID       uint64       `yaml:"id" validate:"required,min=1"`
	Endpoint string       `yaml:"endpoint" validate:"required"`
	Join     bool         `yaml:"join"`
	Peers    []PeerConfig `yaml:"peers" validate:"dive"`
}

type RaftConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" validate:"required,gt=0"`
	ElectionTimeoutLower time.Duration `yaml:"election_timeout_lower" validate:"required,gt=0"`
	ElectionTimeoutUpper time.Duration `yaml:"election_timeout_upper" validate:"required,gtefield=ElectionTimeoutLower"`
	ElectionTick         int           `yaml:"election_tick" validate:"required,min=2"`
	HeartbeatTick        int           `yaml:"heartbeat_tick" validate:"required,min=1,ltfield=ElectionTick"`

	SnapshotDistance uint64 `yaml:"snapshot_distance" validate:"min=0"`
	ReservedLogItems uint64 `yaml:"reserved_log_items" validate:"min=0"`

	ClientTimeout    time.Duration `yaml:"client_timeout" validate:"required,gt=0"`
	InitRetries      int           `yaml:"init_retries" validate:"required,min=1"`
	InitBackoff      time.Duration `yaml:"init_backoff" validate:"required,gt=0"`
	AddServerRetries int           `yaml:"add_server_retries" validate:"required,min=1"`
	AddServerBackoff time.Duration `yaml:"add_server_backoff" validate:"required,gt=0"`
	ApplyRetries     int           `yaml:"apply_retries" validate:"required,min=1"`
	ApplyBackoff     time.Duration `yaml:"apply_backoff" validate:"required,gt=0"`

	MaxSizePerMsg   uint64 `yaml:"max_size_per_msg" validate:"required,min=1"`
	MaxInflightMsgs int    `yaml:"max_inflight_msgs" validate:"required,min=1"`
	CheckQuorum     bool   `yaml:"check_quorum"`
	PreVote         bool   `yaml:"pre_vote"`

	DiskEmulDelay time.Duration `yaml:"disk_emul_delay" validate:"min=0"`
}

type PersistenceConfig struct {
	WALPath          string        `yaml:"wal_path" validate:"required"`
	SnapPath         string        `yaml:"snap_path" validate:"required"`
	Compression      string        `yaml:"compression" validate:"omitempty,oneof=snappy zstd"`
	Version          string        `yaml:"version" validate:"required,excludesall=0x7C"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" validate:"min=0"`
}

// RegistryConfig enables ZooKeeper node registration when servers are set.
type RegistryConfig struct {
	ZKServers      []string      `yaml:"zk_servers"`
	RootPath       string        `yaml:"root_path" validate:"required_with=ZKServers"`
	SessionTimeout time.Duration `yaml:"session_timeout" validate:"min=0"`
}

// Default returns a baseline single node development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Node: NodeConfig{
			ID:       1,
			Endpoint: "127.0.0.1:8080",
		},
		Raft: RaftConfig{
			HeartbeatInterval:    100 * time.Millisecond,
			ElectionTimeoutLower: 200 * time.Millisecond,
			ElectionTimeoutUpper: 400 * time.Millisecond,
			ElectionTick:         10,
			HeartbeatTick:        1,
			SnapshotDistance:     5000,
			ReservedLogItems:     1000,
			ClientTimeout:        3 * time.Second,
			InitRetries:          30,
			InitBackoff:          500 * time.Millisecond,
			AddServerRetries:     20,
			AddServerBackoff:     500 * time.Millisecond,
			ApplyRetries:         5,
			ApplyBackoff:         100 * time.Millisecond,
			MaxSizePerMsg:        1024 * 1024,
			MaxInflightMsgs:      256,
			CheckQuorum:          true,
			PreVote:              true,
		},
		Persistence: PersistenceConfig{
			WALPath:          "./data/wal/wal.log",
			SnapPath:         "./data/snap",
			Compression:      "snappy",
			Version:          "1.0",
			SnapshotInterval: time.Minute,
		},
		Registry: RegistryConfig{
			RootPath:       "/vdb",
			SessionTimeout: 5 * time.Second,
		},
	}
}

// Load reads a YAML file over Default. A missing file yields Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LogLevel maps the configured level name to slog.
func (c LoggerConfig) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
