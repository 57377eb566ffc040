// Package config loads daemon configuration from a YAML file overlaid with
// environment variables: secure-storage toggle, storage size, filesystem
// type, path and name, timeouts, plugin directory, listen address, and the
// connection settings for CredentialsDB's Postgres store, the write-behind
// Redis cache, the NATS signal-bus mirror, and the external UI process.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	// Timeouts
	IdentityTimeout    time.Duration
	AuthSessionTimeout time.Duration
	PluginStartTimeout time.Duration

	// Storage
	SecureStorage  bool
	StoragePath    string
	StorageSizeMB  int
	FilesystemType string
	FilesystemName string
	MountPath      string

	// Plugin discovery
	PluginDir string

	// Transport
	ListenAddr string

	// NodeID distinguishes this daemon process on the signal bus and in
	// logs when more than one instance runs behind the same transport.
	NodeID string

	// CredentialsDB (Postgres)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Write-behind blob cache (Redis)
	CacheEnabled  bool
	CacheHost     string
	CachePort     string
	CachePassword string
	CacheDB       int

	// Signal bus mirror (NATS), empty URL runs in-process only
	NatsURL      string
	NatsUser     string
	NatsPassword string

	// UIAddr is the websocket URL of the external UI process (C9).
	UIAddr string
}

const minStorageSizeMB = 4

// Defaults returns the daemon's documented default configuration.
func Defaults() Config {
	return Config{
		IdentityTimeout:    300 * time.Second,
		AuthSessionTimeout: 300 * time.Second,
		PluginStartTimeout: 5000 * time.Millisecond,
		SecureStorage:      true,
		StoragePath:        "/var/lib/signond/secrets.img",
		StorageSizeMB:      64,
		FilesystemType:     "ext4",
		FilesystemName:     "signon-secrets",
		MountPath:          "/var/run/signond/secrets",
		PluginDir:          "./plugins",
		ListenAddr:         ":8000",
		NodeID:             "signond-0",
		DBHost:             "localhost",
		DBPort:             "5432",
		DBUser:             "signond",
		DBName:             "signond",
		DBSSLMode:          "disable",
		CacheEnabled:       false,
		CacheHost:          "localhost",
		CachePort:          "6379",
		CacheDB:            0,
		UIAddr:             "ws://localhost:8090/ui",
	}
}

// Load builds a Config from a YAML file (if path is non-empty) overlaid
// with environment variables, which always take precedence.
func Load(filePath string) (Config, error) {
	cfg := Defaults()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			var fileCfg fileConfig
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return cfg, err
			}
			fileCfg.applyTo(&cfg)
		}
	}

	if v := getEnvDuration("SSO_IDENTITY_TIMEOUT", 0); v > 0 {
		cfg.IdentityTimeout = v
	}
	if v := getEnvDuration("SSO_AUTHSESSION_TIMEOUT", 0); v > 0 {
		cfg.AuthSessionTimeout = v
	}
	cfg.PluginDir = getEnv("SSO_PLUGIN_DIR", cfg.PluginDir)
	cfg.StoragePath = getEnv("SSO_STORAGE_PATH", cfg.StoragePath)
	cfg.MountPath = getEnv("SSO_MOUNT_PATH", cfg.MountPath)
	cfg.ListenAddr = getEnv("SSO_LISTEN_ADDR", cfg.ListenAddr)
	cfg.SecureStorage = getEnv("SSO_SECURE_STORAGE", boolStr(cfg.SecureStorage)) == "true"
	cfg.StorageSizeMB = getEnvInt("SSO_STORAGE_SIZE_MB", cfg.StorageSizeMB)

	cfg.NodeID = getEnv("SSO_NODE_ID", cfg.NodeID)

	cfg.DBHost = getEnv("SSO_DB_HOST", cfg.DBHost)
	cfg.DBPort = getEnv("SSO_DB_PORT", cfg.DBPort)
	cfg.DBUser = getEnv("SSO_DB_USER", cfg.DBUser)
	cfg.DBPassword = getEnv("SSO_DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = getEnv("SSO_DB_NAME", cfg.DBName)
	cfg.DBSSLMode = getEnv("SSO_DB_SSLMODE", cfg.DBSSLMode)

	cfg.CacheEnabled = getEnv("SSO_CACHE_ENABLED", boolStr(cfg.CacheEnabled)) == "true"
	cfg.CacheHost = getEnv("SSO_CACHE_HOST", cfg.CacheHost)
	cfg.CachePort = getEnv("SSO_CACHE_PORT", cfg.CachePort)
	cfg.CachePassword = getEnv("SSO_CACHE_PASSWORD", cfg.CachePassword)
	cfg.CacheDB = getEnvInt("SSO_CACHE_DB", cfg.CacheDB)

	cfg.NatsURL = getEnv("SSO_NATS_URL", cfg.NatsURL)
	cfg.NatsUser = getEnv("SSO_NATS_USER", cfg.NatsUser)
	cfg.NatsPassword = getEnv("SSO_NATS_PASSWORD", cfg.NatsPassword)

	cfg.UIAddr = getEnv("SSO_UI_ADDR", cfg.UIAddr)

	if cfg.StorageSizeMB < minStorageSizeMB {
		cfg.StorageSizeMB = minStorageSizeMB
	}
	return cfg, nil
}

type fileConfig struct {
	SecureStorage  *bool  `yaml:"secure_storage"`
	StoragePath    string `yaml:"storage_path"`
	StorageSizeMB  int    `yaml:"storage_size_mb"`
	FilesystemType string `yaml:"filesystem_type"`
	FilesystemName string `yaml:"filesystem_name"`
	MountPath      string `yaml:"mount_path"`
	PluginDir      string `yaml:"plugin_dir"`

	NodeID string `yaml:"node_id"`

	Database struct {
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	Cache struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"cache"`

	Nats struct {
		URL      string `yaml:"url"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"nats"`

	UIAddr string `yaml:"ui_addr"`
}

func (f fileConfig) applyTo(c *Config) {
	if f.SecureStorage != nil {
		c.SecureStorage = *f.SecureStorage
	}
	if f.StoragePath != "" {
		c.StoragePath = f.StoragePath
	}
	if f.StorageSizeMB > 0 {
		c.StorageSizeMB = f.StorageSizeMB
	}
	if f.FilesystemType != "" {
		c.FilesystemType = f.FilesystemType
	}
	if f.FilesystemName != "" {
		c.FilesystemName = f.FilesystemName
	}
	if f.MountPath != "" {
		c.MountPath = f.MountPath
	}
	if f.PluginDir != "" {
		c.PluginDir = f.PluginDir
	}
	if f.NodeID != "" {
		c.NodeID = f.NodeID
	}
	if f.Database.Host != "" {
		c.DBHost = f.Database.Host
	}
	if f.Database.Port != "" {
		c.DBPort = f.Database.Port
	}
	if f.Database.User != "" {
		c.DBUser = f.Database.User
	}
	if f.Database.Password != "" {
		c.DBPassword = f.Database.Password
	}
	if f.Database.Name != "" {
		c.DBName = f.Database.Name
	}
	if f.Database.SSLMode != "" {
		c.DBSSLMode = f.Database.SSLMode
	}
	if f.Cache.Enabled {
		c.CacheEnabled = true
	}
	if f.Cache.Host != "" {
		c.CacheHost = f.Cache.Host
	}
	if f.Cache.Port != "" {
		c.CachePort = f.Cache.Port
	}
	if f.Cache.Password != "" {
		c.CachePassword = f.Cache.Password
	}
	if f.Cache.DB != 0 {
		c.CacheDB = f.Cache.DB
	}
	if f.Nats.URL != "" {
		c.NatsURL = f.Nats.URL
	}
	if f.Nats.User != "" {
		c.NatsUser = f.Nats.User
	}
	if f.Nats.Password != "" {
		c.NatsPassword = f.Nats.Password
	}
	if f.UIAddr != "" {
		c.UIAddr = f.UIAddr
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
