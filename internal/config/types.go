package config

// Config is the server configuration, loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
	Cluster  ClusterConfig  `yaml:"cluster"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig selects the persistence backend. Driver is "sqlite3",
// "pgx", or "memory".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LoggingConfig controls the structured process log. File enables rotating
// file output alongside stderr.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// EngineConfig tunes run execution. Durations use Go syntax ("5s", "1h").
type EngineConfig struct {
	ApprovalPoll    string `yaml:"approval_poll"`
	ApprovalTimeout string `yaml:"approval_timeout"`
	AgentPoll       string `yaml:"agent_poll"`
	AgentTimeout    string `yaml:"agent_timeout"`
	Workdir         string `yaml:"workdir"`
	WorkspaceRoot   string `yaml:"workspace_root"`
}

// ClusterConfig controls the container job backend for cluster_job mode.
type ClusterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
}
