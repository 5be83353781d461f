package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Auth state backends.
const (
	BackendDatabase = "database"
	BackendFile     = "file"
	BackendBolt     = "bolt"
	BackendMemory   = "memory"
)

const envPrefix = "WAAUTH_"

type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

type WebConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"`
}

type DBConfig struct {
	Type     string `yaml:"type"` // postgres or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// AuthStateConfig selects where WhatsApp session credentials and keys live.
type AuthStateConfig struct {
	Backend       string `yaml:"backend"`
	Dir           string `yaml:"dir"`       // file backend root, relative to workdir
	BoltFile      string `yaml:"bolt_file"` // bolt backend file, relative to workdir
	Workers       int    `yaml:"workers"`
	RetryInterval string `yaml:"retry_interval"` // cron spec for re-flushing failed writes
	OpenRetries   int    `yaml:"open_retries"`
}

type AppConfig struct {
	System    SysConfig       `yaml:"system"`
	Web       WebConfig       `yaml:"web"`
	Database  DBConfig        `yaml:"database"`
	Logger    LogConfig       `yaml:"logger"`
	AuthState AuthStateConfig `yaml:"authstate"`
}

func (c *AppConfig) GetLogDir() string {
	return filepath.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return filepath.Join(c.System.Workdir, "data")
}

// GetAuthDir returns the root of the file backend.
func (c *AppConfig) GetAuthDir() string {
	if filepath.IsAbs(c.AuthState.Dir) {
		return c.AuthState.Dir
	}
	return filepath.Join(c.System.Workdir, c.AuthState.Dir)
}

func (c *AppConfig) GetBoltFile() string {
	if filepath.IsAbs(c.AuthState.BoltFile) {
		return c.AuthState.BoltFile
	}
	return filepath.Join(c.System.Workdir, c.AuthState.BoltFile)
}

// InitDirs creates the working directories.
func (c *AppConfig) InitDirs() error {
	for _, dir := range []string{c.System.Workdir, c.GetLogDir(), c.GetDataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	return nil
}

// Validate rejects settings the application cannot start with.
func (c *AppConfig) Validate() error {
	switch c.AuthState.Backend {
	case BackendDatabase, BackendFile, BackendBolt, BackendMemory:
	default:
		return errors.Errorf("unknown authstate backend %q", c.AuthState.Backend)
	}
	switch c.Database.Type {
	case "postgres", "sqlite":
	default:
		return errors.Errorf("unknown database type %q", c.Database.Type)
	}
	if c.AuthState.Workers <= 0 {
		return errors.New("authstate workers must be positive")
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return errors.Errorf("invalid web port %d", c.Web.Port)
	}
	return nil
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "WAAuth",
		Location: "America/Sao_Paulo",
		Workdir:  "/var/waauth",
		Debug:    true,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 1816,
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "waauth",
		User:     "postgres",
		Passwd:   "myroot",
		MaxConn:  100,
		IdleConn: 10,
		Debug:    false,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/waauth/logs/waauth.log",
	},
	AuthState: AuthStateConfig{
		Backend:       BackendDatabase,
		Dir:           "auth",
		BoltFile:      "data/authstate.db",
		Workers:       16,
		RetryInterval: "@every 30s",
		OpenRetries:   5,
	},
}

// LoadConfig reads file (when it exists) over the defaults and then applies
// WAAUTH_* environment overrides.
func LoadConfig(file string) (*AppConfig, error) {
	cfg := *DefaultAppConfig
	if file != "" {
		data, err := os.ReadFile(file)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, errors.Wrapf(err, "parse %s", file)
			}
		case !os.IsNotExist(err):
			return nil, errors.Wrapf(err, "read %s", file)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes cfg as YAML.
func SaveConfig(cfg *AppConfig, file string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0o644)
}

func applyEnv(cfg *AppConfig) {
	setString(&cfg.System.Appid, "SYSTEM_APPID")
	setString(&cfg.System.Location, "SYSTEM_LOCATION")
	setString(&cfg.System.Workdir, "SYSTEM_WORKDIR")
	setBool(&cfg.System.Debug, "SYSTEM_DEBUG")

	setString(&cfg.Web.Host, "WEB_HOST")
	setInt(&cfg.Web.Port, "WEB_PORT")
	setString(&cfg.Web.Secret, "WEB_SECRET")

	setString(&cfg.Database.Type, "DB_TYPE")
	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.Name, "DB_NAME")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Passwd, "DB_PWD")
	setInt(&cfg.Database.MaxConn, "DB_MAX_CONN")
	setInt(&cfg.Database.IdleConn, "DB_IDLE_CONN")
	setBool(&cfg.Database.Debug, "DB_DEBUG")

	setString(&cfg.Logger.Mode, "LOGGER_MODE")
	setBool(&cfg.Logger.FileEnable, "LOGGER_FILE_ENABLE")
	setString(&cfg.Logger.Filename, "LOGGER_FILENAME")

	setString(&cfg.AuthState.Backend, "AUTHSTATE_BACKEND")
	setString(&cfg.AuthState.Dir, "AUTHSTATE_DIR")
	setString(&cfg.AuthState.BoltFile, "AUTHSTATE_BOLT_FILE")
	setInt(&cfg.AuthState.Workers, "AUTHSTATE_WORKERS")
	setString(&cfg.AuthState.RetryInterval, "AUTHSTATE_RETRY_INTERVAL")
	setInt(&cfg.AuthState.OpenRetries, "AUTHSTATE_OPEN_RETRIES")
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func setString(dst *string, name string) {
	if v, ok := lookupEnv(name); ok {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v, ok := lookupEnv(name); ok {
		if n, err := cast.ToIntE(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, name string) {
	if v, ok := lookupEnv(name); ok {
		if b, err := cast.ToBoolE(v); err == nil {
			*dst = b
		}
	}
}
