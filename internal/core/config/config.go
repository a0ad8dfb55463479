package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/partition"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	DatabaseMemory   = "memory"
	DatabasePostgres = "postgres"
)

// Config represents the top-level configuration of the calculation engine.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Definitions DefinitionsConfig `koanf:"definitions"`
	Kafka       KafkaConfig       `koanf:"kafka"`
	Engine      EngineConfig      `koanf:"engine"`
	Reprocess   ReprocessConfig   `koanf:"reprocess"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
	// ProcessTimeout bounds how long a request waits for the engine.
	ProcessTimeout time.Duration `koanf:"process_timeout"`
}

type DatabaseConfig struct {
	Type         string `koanf:"type"` // memory | postgres
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// DefinitionsConfig points at YAML calculated field files stored into the definition
// store at startup.
type DefinitionsConfig struct {
	SeedDir string `koanf:"seed_dir"`
}

type KafkaConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Brokers      []string      `koanf:"brokers"`
	GroupID      string        `koanf:"group_id"`
	InboundTopic string        `koanf:"inbound_topic"`
	ResultsTopic string        `koanf:"results_topic"`
	LinkedTopic  string        `koanf:"linked_topic"`
	PollTimeout  time.Duration `koanf:"poll_timeout"`
}

type EngineConfig struct {
	Queue string `koanf:"queue"`
	// Partitions lists the partitions this node owns. Empty means all of them.
	Partitions           []int         `koanf:"partitions"`
	StateFetchTimeout    time.Duration `koanf:"state_fetch_timeout"`
	CalculationTimeout   time.Duration `koanf:"calculation_timeout"`
	ReevaluationInterval time.Duration `koanf:"reevaluation_interval"`
	MaxStateSizeKB       int64         `koanf:"max_state_size_kb"`
	PageSize             int           `koanf:"page_size"`
	DebugBufferSize      int           `koanf:"debug_buffer_size"`
}

type ReprocessConfig struct {
	Enabled     bool `koanf:"enabled"`
	WorkerCount int  `koanf:"worker_count"`
	QueueSize   int  `koanf:"queue_size"`
	PageSize    int  `koanf:"page_size"`
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}
	if c.Server.ProcessTimeout <= 0 {
		return fmt.Errorf("server.process_timeout must be > 0")
	}

	switch c.Database.Type {
	case DatabaseMemory:
	case DatabasePostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required")
		}
		if c.Database.MaxOpenConns <= 0 {
			return fmt.Errorf("database.max_open_conns must be > 0")
		}
		if c.Database.MaxIdleConns <= 0 {
			return fmt.Errorf("database.max_idle_conns must be > 0")
		}
	default:
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	if c.Definitions.SeedDir != "" {
		if _, err := os.Stat(c.Definitions.SeedDir); err != nil {
			return fmt.Errorf("definitions.seed_dir %q is not accessible: %w", c.Definitions.SeedDir, err)
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		for name, v := range map[string]string{
			"kafka.group_id":      c.Kafka.GroupID,
			"kafka.inbound_topic": c.Kafka.InboundTopic,
			"kafka.results_topic": c.Kafka.ResultsTopic,
			"kafka.linked_topic":  c.Kafka.LinkedTopic,
		} {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%s is required when kafka is enabled", name)
			}
		}
	}

	if strings.TrimSpace(c.Engine.Queue) == "" {
		return fmt.Errorf("engine.queue is required")
	}
	for _, p := range c.Engine.Partitions {
		if p < 0 || p >= partition.Count {
			return fmt.Errorf("engine.partitions: %d out of range [0, %d)", p, partition.Count)
		}
	}
	if c.Engine.StateFetchTimeout <= 0 || c.Engine.CalculationTimeout <= 0 {
		return fmt.Errorf("engine timeouts must be > 0")
	}
	if c.Engine.ReevaluationInterval < 0 {
		return fmt.Errorf("engine.reevaluation_interval must be >= 0")
	}
	if c.Engine.MaxStateSizeKB < 0 {
		return fmt.Errorf("engine.max_state_size_kb must be >= 0")
	}
	if c.Engine.PageSize <= 0 {
		return fmt.Errorf("engine.page_size must be > 0")
	}
	if c.Engine.DebugBufferSize <= 0 {
		return fmt.Errorf("engine.debug_buffer_size must be > 0")
	}

	if c.Reprocess.WorkerCount <= 0 {
		return fmt.Errorf("reprocess.worker_count must be > 0")
	}
	if c.Reprocess.QueueSize <= 0 {
		return fmt.Errorf("reprocess.queue_size must be > 0")
	}
	if c.Reprocess.PageSize <= 0 {
		return fmt.Errorf("reprocess.page_size must be > 0")
	}

	return nil
}

// Load parses config from defaults, file and env, then validates it.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                  8080,
		"server.host":                  "0.0.0.0",
		"server.max_body_size_mb":      1,
		"server.mode":                  "release",
		"server.process_timeout":       "30s",
		"database.type":                DatabaseMemory,
		"database.dsn":                 "",
		"database.max_open_conns":      25,
		"database.max_idle_conns":      25,
		"database.auto_migrate":        true,
		"definitions.seed_dir":         "",
		"kafka.enabled":                false,
		"kafka.group_id":               "calcengine",
		"kafka.inbound_topic":          "calcengine.inbound",
		"kafka.results_topic":          "calcengine.results",
		"kafka.linked_topic":           "calcengine.linked",
		"kafka.poll_timeout":           "5s",
		"engine.queue":                 "calculated-fields",
		"engine.state_fetch_timeout":   "10s",
		"engine.calculation_timeout":   "5s",
		"engine.reevaluation_interval": "0s",
		"engine.max_state_size_kb":     32,
		"engine.page_size":             1000,
		"engine.debug_buffer_size":     1024,
		"reprocess.enabled":            true,
		"reprocess.worker_count":       2,
		"reprocess.queue_size":         64,
		"reprocess.page_size":          1000,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("CALCENGINE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CALCENGINE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MaxStateSizeBytes converts the configured limit; 0 disables the check.
func (c EngineConfig) MaxStateSizeBytes() int64 {
	return c.MaxStateSizeKB * 1024
}
