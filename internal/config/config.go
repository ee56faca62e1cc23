package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// PostgreSQL truncates identifiers longer than this.
const maxIdentifierLength = 63

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Backup   BackupConfig   `mapstructure:"backup"`
	Restore  RestoreConfig  `mapstructure:"restore"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type AppConfig struct {
	Name       string `mapstructure:"name"`
	LogLevel   string `mapstructure:"log_level"`
	LogFile    string `mapstructure:"log_file"`
	ScratchDir string `mapstructure:"scratch_dir"`
	StateDir   string `mapstructure:"state_dir"`
}

type DatabaseConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Name           string        `mapstructure:"name"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	SSLMode        string        `mapstructure:"ssl_mode"`
	MaintenanceDB  string        `mapstructure:"maintenance_db"`
	PgDumpPath     string        `mapstructure:"pg_dump_path"`
	PgRestorePath  string        `mapstructure:"pg_restore_path"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Prefix string       `mapstructure:"prefix"`
	S3     S3Config     `mapstructure:"s3"`
	Local  LocalConfig  `mapstructure:"local"`
	GDrive GDriveConfig `mapstructure:"gdrive"`
	Azure  AzureConfig  `mapstructure:"azure"`
}

type S3Config struct {
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type LocalConfig struct {
	Path string `mapstructure:"path"`
}

type GDriveConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	FolderID        string `mapstructure:"folder_id"`
}

type AzureConfig struct {
	Account      string `mapstructure:"account"`
	Container    string `mapstructure:"container"`
	Endpoint     string `mapstructure:"endpoint"`
	SASToken     string `mapstructure:"sas_token"`
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

type BackupConfig struct {
	Schedule string          `mapstructure:"schedule"`
	Mirrors  []StorageConfig `mapstructure:"mirrors"`
}

type RestoreConfig struct {
	KeepPrevious      bool           `mapstructure:"keep_previous"`
	TransactionalSwap bool           `mapstructure:"transactional_swap"`
	NoOwner           bool           `mapstructure:"no_owner"`
	Jobs              int            `mapstructure:"jobs"`
	FatalMarkers      []string       `mapstructure:"fatal_markers"`
	ValidateQuery     string         `mapstructure:"validate_query"`
	AllowEmpty        bool           `mapstructure:"allow_empty"`
	Eviction          EvictionConfig `mapstructure:"eviction"`
}

// EvictionConfig bounds how long the swap waits for sessions to go away.
type EvictionConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// legacyKeys maps the [postgresql] section of older INI config files.
var legacyKeys = map[string]string{
	"postgresql.host":     "database.host",
	"postgresql.port":     "database.port",
	"postgresql.db":       "database.name",
	"postgresql.user":     "database.username",
	"postgresql.password": "database.password",
}

var secretKeys = []string{
	"database.password",
	"storage.s3.access_key",
	"storage.s3.secret_key",
	"storage.azure.sas_token",
	"storage.azure.client_secret",
	"notify.telegram.bot_token",
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best effort, a missing .env is fine

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PGSWAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Secrets usually live only in the environment; Unmarshal ignores
	// env-only keys unless they are bound.
	for _, key := range secretKeys {
		_ = v.BindEnv(key)
	}

	if err := readFile(v, path); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	for legacy, key := range legacyKeys {
		if v.InConfig(legacy) && !v.InConfig(key) {
			v.SetDefault(key, v.Get(legacy))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func readFile(v *viper.Viper, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ini", ".cfg", ".conf":
		return readINI(v, path)
	case "":
		v.SetConfigType("yaml")
	}
	v.SetConfigFile(path)
	return v.ReadInConfig()
}

// readINI loads sectioned key=value files like the legacy database.ini.
func readINI(v *viper.Viper, path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}

	settings := make(map[string]any)
	for _, section := range f.Sections() {
		target := settings
		if section.Name() != ini.DefaultSection {
			// [storage.local] nests under storage.
			for _, part := range strings.Split(strings.ToLower(section.Name()), ".") {
				child, ok := target[part].(map[string]any)
				if !ok {
					child = make(map[string]any)
					target[part] = child
				}
				target = child
			}
		}
		for _, key := range section.Keys() {
			target[strings.ToLower(key.Name())] = key.Value()
		}
	}
	return v.MergeConfigMap(settings)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pgswap")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.scratch_dir", "/tmp/pgswap")
	v.SetDefault("app.state_dir", "/var/lib/pgswap")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.maintenance_db", "postgres")
	v.SetDefault("database.pg_dump_path", "pg_dump")
	v.SetDefault("database.pg_restore_path", "pg_restore")
	v.SetDefault("database.connect_timeout", 10*time.Second)

	v.SetDefault("storage.type", "s3")
	v.SetDefault("storage.prefix", "postgres/")

	v.SetDefault("restore.keep_previous", true)
	v.SetDefault("restore.transactional_swap", true)
	v.SetDefault("restore.no_owner", true)
	v.SetDefault("restore.jobs", 1)
	v.SetDefault("restore.fatal_markers", []string{"FATAL:", "PANIC:", "pg_restore: error:"})
	v.SetDefault("restore.eviction.max_attempts", 8)
	v.SetDefault("restore.eviction.initial_interval", 500*time.Millisecond)
	v.SetDefault("restore.eviction.max_interval", 5*time.Second)
	v.SetDefault("restore.eviction.max_elapsed", 30*time.Second)

	v.SetDefault("backup.schedule", "0 0 2 * * *")
}

func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.Username == "" {
		return fmt.Errorf("database.username is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port %d is out of range", c.Database.Port)
	}

	switch c.Database.SSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("database.ssl_mode %q is not supported (use disable, require, verify-ca or verify-full)", c.Database.SSLMode)
	}

	longest := len(c.Database.Name) + len("_restore")
	if longest > maxIdentifierLength {
		return fmt.Errorf("database.name %q is too long: derived names must fit in %d bytes", c.Database.Name, maxIdentifierLength)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	for i, m := range c.Backup.Mirrors {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("backup.mirrors[%d]: %w", i, err)
		}
	}

	if c.Restore.Eviction.MaxAttempts <= 0 {
		return fmt.Errorf("restore.eviction.max_attempts must be positive")
	}
	if c.Restore.Jobs <= 0 {
		return fmt.Errorf("restore.jobs must be positive")
	}

	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "") {
		return fmt.Errorf("notify.telegram: bot_token and chat_id are required when enabled")
	}

	return nil
}

func (s StorageConfig) Validate() error {
	switch s.Type {
	case "s3":
		if s.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required")
		}
		if s.S3.Region == "" {
			return fmt.Errorf("s3.region is required")
		}
	case "local":
		if s.Local.Path == "" {
			return fmt.Errorf("local.path is required")
		}
	case "gdrive":
		if s.GDrive.CredentialsFile == "" || s.GDrive.FolderID == "" {
			return fmt.Errorf("gdrive.credentials_file and gdrive.folder_id are required")
		}
	case "azure":
		if s.Azure.Container == "" {
			return fmt.Errorf("azure.container is required")
		}
		if s.Azure.Account == "" && s.Azure.Endpoint == "" {
			return fmt.Errorf("azure.account or azure.endpoint is required")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unsupported type %q", s.Type)
	}
	return nil
}
