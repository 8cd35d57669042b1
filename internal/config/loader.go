package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const envPrefix = "DRAGNET_"

// Loader assembles Settings from defaults, a config file, and the
// environment.
type Loader struct {
	settings    *Settings
	configPaths []string
	usedPath    string
}

// NewLoader creates a loader with the default search paths.
func NewLoader() *Loader {
	return &Loader{
		settings: DefaultSettings(),
		configPaths: []string{
			"/etc/dragnet/dragnet.yml",
			"/etc/dragnet/dragnet.yaml",
			"/etc/dragnet/dragnet.json",
			"./dragnet.yml",
			"./dragnet.yaml",
			"./dragnet.json",
		},
	}
}

// SetConfigPath puts an explicit config path ahead of the search list.
func (l *Loader) SetConfigPath(path string) {
	l.configPaths = append([]string{path}, l.configPaths...)
}

// Load applies all sources in order of precedence and validates the
// result.
func (l *Loader) Load() (*Settings, error) {
	if err := l.loadFromFile(); err != nil {
		log.Debug().Err(err).Msg("No config file loaded, using defaults")
	}

	l.loadDotEnv()
	l.loadFromEnv()

	if err := l.settings.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return l.settings, nil
}

// ConfigFilePath returns the config file the last Load actually used, or
// "" when none was found.
func (l *Loader) ConfigFilePath() string {
	return l.usedPath
}

// loadFromFile parses the first existing config file in the search list.
func (l *Loader) loadFromFile() error {
	var configPath string
	for _, path := range l.configPaths {
		if _, err := os.Stat(path); err == nil {
			configPath = path
			break
		}
	}
	if configPath == "" {
		return fmt.Errorf("no config file found")
	}

	log.Info().Str("path", configPath).Msg("Loading configuration file")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, l.settings); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, l.settings); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	l.usedPath = configPath
	return nil
}

// loadDotEnv folds .env files into the process environment without
// overriding variables that are already set.
func (l *Loader) loadDotEnv() {
	candidates := []string{"/etc/dragnet/.env", ".env"}
	if l.usedPath != "" {
		candidates = append([]string{filepath.Join(filepath.Dir(l.usedPath), ".env")}, candidates...)
	}
	for _, path := range candidates {
		if err := godotenv.Load(path); err == nil {
			log.Debug().Str("path", path).Msg("Loaded .env file")
		}
	}
}

// loadFromEnv applies DRAGNET_* environment overrides.
func (l *Loader) loadFromEnv() {
	if val := os.Getenv(envPrefix + "SERVER_HOST"); val != "" {
		l.settings.Server.Host = val
	}
	if val := os.Getenv(envPrefix + "SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			l.settings.Server.Port = port
		}
	}
	if val := os.Getenv(envPrefix + "ALLOWED_ORIGINS"); val != "" {
		l.settings.Server.AllowedOrigins = strings.Split(val, ",")
	}

	if val := os.Getenv(envPrefix + "STORE_PATH"); val != "" {
		l.settings.Store.Path = val
	}

	if val := os.Getenv(envPrefix + "FOREMAN_CHECKIN_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			l.settings.Foreman.CheckInWorkers = workers
		}
	}
	if val := os.Getenv(envPrefix + "FOREMAN_PRUNE_INTERVAL"); val != "" {
		if interval, err := strconv.Atoi(val); err == nil {
			l.settings.Foreman.PruneInterval = interval
		}
	}

	if val := os.Getenv(envPrefix + "SUPERVISOR_TOKEN_HASH"); val != "" {
		l.settings.Approval.SupervisorTokenHash = val
	}

	if val := os.Getenv(envPrefix + "EVENTS_QUEUE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			l.settings.Events.QueueSize = size
		}
	}
	if val := os.Getenv(envPrefix + "EVENTS_STREAM_PATTERN"); val != "" {
		l.settings.Events.StreamPattern = val
	}

	if val := os.Getenv(envPrefix + "LOG_LEVEL"); val != "" {
		l.settings.Logging.Level = strings.ToLower(val)
	}
	if val := os.Getenv(envPrefix + "LOG_FORMAT"); val != "" {
		l.settings.Logging.Format = strings.ToLower(val)
	}
	if val := os.Getenv(envPrefix + "LOG_FILE"); val != "" {
		l.settings.Logging.File = val
	}
}
