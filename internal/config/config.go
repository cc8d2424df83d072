package config

import (
	"log"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" yaml:"data_path" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" yaml:"database_path" default:"/app/data/deepwiki.db"`
	LogPath      string `envconfig:"LOG_PATH" yaml:"log_path" default:"/app/data/deepwiki.log"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" yaml:"listen_addr" default:":8000"`

	// Remote session settings
	ConnectTimeout   string `envconfig:"CONNECT_TIMEOUT" yaml:"connect_timeout" default:"10s"`
	HandshakeTimeout string `envconfig:"HANDSHAKE_TIMEOUT" yaml:"handshake_timeout" default:"30s"`
	RestoreTimeout   string `envconfig:"RESTORE_TIMEOUT" yaml:"restore_timeout" default:"10s"`
	MaxReconnects    int    `envconfig:"MAX_RECONNECTS" yaml:"max_reconnects" default:"5"`

	// Snapshot persistence settings
	SnapshotTTL          string `envconfig:"SNAPSHOT_TTL" yaml:"snapshot_ttl" default:"30m"`
	TerminalHistoryLines int    `envconfig:"TERMINAL_HISTORY_LINES" yaml:"terminal_history_lines" default:"1000"`
	StorageBudgetBytes   int64  `envconfig:"STORAGE_BUDGET_BYTES" yaml:"storage_budget_bytes" default:"5242880"`
	MaintenanceSchedule  string `envconfig:"MAINTENANCE_SCHEDULE" yaml:"maintenance_schedule" default:"@every 10m"`
}

var Cfg Settings

// Load populates Cfg from DEEPWIKI_* environment variables, then applies the
// optional YAML override file named by DEEPWIKI_CONFIG_FILE (values present
// in the file take precedence).
func Load() {
	if err := envconfig.Process("DEEPWIKI", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	path := os.Getenv("DEEPWIKI_CONFIG_FILE")
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("failed to read config file %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, &Cfg); err != nil {
		log.Fatalf("failed to parse config file %s: %v", path, err)
	}
}
