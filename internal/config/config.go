package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ankouros/ptermbridge/internal/model"
)

const (
	ConfigDirName  = "ptermbridge"
	ConfigFileName = "config.yaml"

	// ConfigPathEnv overrides the config location.
	ConfigPathEnv = "PTERMBRIDGE_CONFIG"

	ConfigVersionCurrent = 2
)

var cfgMu sync.Mutex

// -----------------------------
// Defaults
// -----------------------------

func DefaultOutput() model.OutputConfig {
	return model.OutputConfig{
		QueueSize:        256,
		EnqueueTimeout:   50 * time.Millisecond,
		ScrollbackChunks: 2000,
		DrainTimeout:     2 * time.Second,
		KeepAlive:        30 * time.Second,
		AuditFormat:      "raw",
	}
}

func DefaultConfig() model.AppConfig {
	return model.AppConfig{
		Version: ConfigVersionCurrent,
		Output:  DefaultOutput(),
		Logging: model.LoggingConfig{Level: "info"},
		Networks: []model.Network{
			{
				ID:   1,
				Name: "Default",
				Hosts: []model.Host{
					{
						ID:     1,
						Name:   "local",
						Driver: model.DriverLocal,
						Local:  &model.LocalConfig{},
					},
					{
						ID:     2,
						Name:   "example",
						Host:   "192.168.11.90",
						Port:   22,
						User:   "root",
						Driver: model.DriverSSH,
						Auth: model.AuthConfig{
							Method: model.AuthPassword,
						},
						HostKey: model.HostKeyConfig{
							Mode: model.HostKeyKnownHosts,
						},
					},
				},
			},
		},
	}
}

// -----------------------------
// Paths
// -----------------------------

func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(ConfigPathEnv)); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", ConfigDirName, ConfigFileName), nil
}

// KeyDir holds the SSH key pair managed by ptermbridge, next to the config.
func KeyDir() (string, error) {
	p, err := ConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(p), "keys"), nil
}

func ensureDir() (string, error) {
	p, err := ConfigPath()
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return p, nil
}

// -----------------------------
// Public API
// -----------------------------

// EnsureConfig loads the config, writing the defaults first if none exists.
func EnsureConfig() (model.AppConfig, string, error) {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	return ensureConfigLocked()
}

func Load() (model.AppConfig, error) {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	return loadLocked()
}

func ensureConfigLocked() (model.AppConfig, string, error) {
	p, err := ConfigPath()
	if err != nil {
		return model.AppConfig{}, "", err
	}

	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := saveLocked(cfg); err != nil {
			return model.AppConfig{}, "", err
		}
		return cfg, p, nil
	}

	cfg, err := loadLocked()
	return cfg, p, err
}

func loadLocked() (model.AppConfig, error) {
	p, err := ConfigPath()
	if err != nil {
		return model.AppConfig{}, err
	}

	b, err := os.ReadFile(p)
	if err != nil {
		return model.AppConfig{}, err
	}

	cfg, err := parse(b)
	if err != nil {
		return model.AppConfig{}, err
	}

	// ---- migration / normalization ----
	changed := false
	if cfg.Version == 0 || cfg.Version == 1 {
		cfg.Version = ConfigVersionCurrent
		changed = true
	}
	if cfg.Version != ConfigVersionCurrent {
		return model.AppConfig{}, fmt.Errorf(
			"unsupported config version %d (expected %d)",
			cfg.Version,
			ConfigVersionCurrent,
		)
	}

	if normalize(&cfg) {
		changed = true
	}
	if changed {
		if err := saveLocked(cfg); err != nil {
			return model.AppConfig{}, err
		}
	}

	return cfg, nil
}

func parse(b []byte) (model.AppConfig, error) {
	var cfg model.AppConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return model.AppConfig{}, fmt.Errorf("invalid config YAML: %w", err)
	}
	return cfg, nil
}

func normalize(cfg *model.AppConfig) bool {
	changed := normalizeIDs(cfg)
	if normalizeDrivers(cfg) {
		changed = true
	}
	if normalizeOutput(cfg) {
		changed = true
	}
	return changed
}

func normalizeDrivers(cfg *model.AppConfig) bool {
	changed := false
	for ni := range cfg.Networks {
		for hi := range cfg.Networks[ni].Hosts {
			h := &cfg.Networks[ni].Hosts[hi]

			if h.Driver == "" {
				h.Driver = model.DriverSSH
				changed = true
			}

			switch h.Driver {
			case model.DriverSSH:
				if h.Port <= 0 {
					h.Port = 22
					changed = true
				}
				if h.Auth.Method == "" {
					h.Auth.Method = model.AuthAgent
					changed = true
				}
				if h.HostKey.Mode == "" {
					h.HostKey.Mode = model.HostKeyKnownHosts
					changed = true
				}
				if h.Local != nil {
					h.Local = nil
					changed = true
				}
			case model.DriverLocal:
				if h.Local == nil {
					h.Local = &model.LocalConfig{}
					changed = true
				}
			}
		}
	}
	return changed
}

func normalizeOutput(cfg *model.AppConfig) bool {
	def := DefaultOutput()
	o := &cfg.Output
	changed := false

	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
		changed = true
	}
	// A negative enqueue timeout is meaningful (drop immediately); only zero
	// falls back to the default.
	if o.EnqueueTimeout == 0 {
		o.EnqueueTimeout = def.EnqueueTimeout
		changed = true
	}
	if o.ScrollbackChunks <= 0 {
		o.ScrollbackChunks = def.ScrollbackChunks
		changed = true
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = def.DrainTimeout
		changed = true
	}
	if o.KeepAlive < 0 {
		o.KeepAlive = 0
		changed = true
	}
	if o.AuditFormat == "" {
		o.AuditFormat = def.AuditFormat
		changed = true
	}
	return changed
}

func normalizeIDs(cfg *model.AppConfig) bool {
	changed := false

	// Ensure network IDs are unique and non-zero.
	usedNet := make(map[int]struct{}, len(cfg.Networks))
	nextNet := 1
	for ni := range cfg.Networks {
		id := cfg.Networks[ni].ID
		for {
			if id <= 0 {
				id = nextNet
			}
			if _, ok := usedNet[id]; ok {
				id++
				continue
			}
			break
		}
		if cfg.Networks[ni].ID != id {
			cfg.Networks[ni].ID = id
			changed = true
		}
		usedNet[id] = struct{}{}
		for {
			nextNet++
			if _, ok := usedNet[nextNet]; !ok {
				break
			}
		}
	}

	// Ensure host IDs are unique globally across all networks and non-zero.
	usedHost := make(map[int]struct{})
	nextHost := 1
	for ni := range cfg.Networks {
		for hi := range cfg.Networks[ni].Hosts {
			id := cfg.Networks[ni].Hosts[hi].ID
			for {
				if id <= 0 {
					id = nextHost
				}
				if _, ok := usedHost[id]; ok {
					id++
					continue
				}
				break
			}
			if cfg.Networks[ni].Hosts[hi].ID != id {
				cfg.Networks[ni].Hosts[hi].ID = id
				changed = true
			}
			usedHost[id] = struct{}{}
			for {
				nextHost++
				if _, ok := usedHost[nextHost]; !ok {
					break
				}
			}
		}
	}

	return changed
}

// StripSecrets clears stored passwords. It reports whether anything changed.
func StripSecrets(cfg *model.AppConfig) bool {
	changed := false
	for ni := range cfg.Networks {
		for hi := range cfg.Networks[ni].Hosts {
			h := &cfg.Networks[ni].Hosts[hi]
			if h.Auth.Password != "" {
				h.Auth.Password = ""
				changed = true
			}
		}
	}
	return changed
}

// Save writes the config atomically (tmp + fsync + rename)
func Save(cfg model.AppConfig) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	return saveLocked(cfg)
}

func saveLocked(cfg model.AppConfig) error {
	p, err := ensureDir()
	if err != nil {
		return err
	}

	cfg.Version = ConfigVersionCurrent

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp := p + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, p); err != nil {
		return err
	}

	// fsync directory for durability
	dir := filepath.Dir(p)
	if df, err := os.Open(dir); err == nil {
		_ = syscall.Fsync(int(df.Fd()))
		df.Close()
	}

	return nil
}
