package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// maxConfigFileSize guards against pointing the loader at something that is
// not a config file.
const maxConfigFileSize = 1 << 20

// Load reads configuration from the default path and the environment.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads configuration from a YAML file, overrides it with
// environment variables, fills remaining gaps with defaults, and validates
// the result. An empty configPath means ~/.config/taskd/config.yaml; a
// missing file is fine, the defaults carry a usable local setup.
//
// Precedence, highest first: environment, file, defaults. Environment keys
// are SECTION_FIELD_NAME, split at the first underscore:
//
//	SERVER_PORT               -> server.port
//	EVENTS_RECONNECT_INTERVAL -> events.reconnect_interval
//	ENGINE_MAX_RETRIES        -> engine.max_retries
//
// The file must live under ~/.config/taskd/ or /etc/taskd/ and be readable
// only by its owner, because it may carry hosting tokens.
func LoadWithFile(configPath string) (*Config, error) {
	if configPath == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}
	if err := checkConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path rejected: %w", err)
	}

	k := koanf.New(".")

	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKeyToPath), nil); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// EnsureConfigDir creates ~/.config/taskd with 0700 permissions so first
// runs have somewhere to write.
func EnsureConfigDir() error {
	p, err := defaultConfigPath()
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "taskd", "config.yaml"), nil
}

// checkConfigPath restricts config files to the user and system config
// directories. Symlinks are resolved first so a link cannot point the loader
// outside them. Runs before existence is known, so a bad path fails even
// when no file is there yet.
func checkConfigPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The file may not exist yet; validate the literal path.
		resolved = abs
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	for _, dir := range []string{filepath.Join(home, ".config", "taskd"), "/etc/taskd"} {
		if strings.HasPrefix(resolved, dir) {
			return nil
		}
	}
	return errors.New("config file must be in ~/.config/taskd/ or /etc/taskd/")
}

// readConfigFile returns the file's content, or nil when no file exists.
// Permission and size checks run against the opened descriptor, so the file
// cannot be swapped between check and read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	// Windows has no unix permission bits worth checking.
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0600 && perm != 0400 {
			return nil, fmt.Errorf("config file %s has insecure permissions %v (want 0600 or 0400)", path, perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s too large: %d bytes (limit %d)", path, info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// envKeyToPath maps an environment variable to a koanf path. The section is
// everything before the first underscore, the rest is the field name, so
// multi-word fields survive: ENGINE_MAX_RETRIES -> engine.max_retries.
func envKeyToPath(key string) string {
	section, field, ok := strings.Cut(strings.ToLower(key), "_")
	if !ok {
		return section
	}
	return section + "." + field
}
