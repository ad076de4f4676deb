package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ankouros/ptermbridge/internal/model"
)

// ErrImportVersion is returned for a file written in a config format this
// build cannot read.
var ErrImportVersion = errors.New("unsupported config version")

// ImportFromFile replaces the active config with the file at path. The file
// is checked before anything is touched; the previous config is kept next to
// the active one and its path returned ("" when there was nothing to keep).
func ImportFromFile(path string) (model.AppConfig, string, error) {
	if strings.TrimSpace(path) == "" {
		return model.AppConfig{}, "", errors.New("import path is empty")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return model.AppConfig{}, "", err
	}
	cfg, err := parse(b)
	if err != nil {
		return model.AppConfig{}, "", fmt.Errorf("%s: %w", path, err)
	}
	if err := checkImportVersion(cfg.Version); err != nil {
		return model.AppConfig{}, "", fmt.Errorf("%s: %w", path, err)
	}

	normalize(&cfg)
	if err := validateImport(cfg); err != nil {
		return model.AppConfig{}, "", fmt.Errorf("%s: %w", path, err)
	}

	cfgMu.Lock()
	defer cfgMu.Unlock()

	active, err := ensureDir()
	if err != nil {
		return model.AppConfig{}, "", err
	}
	backup, err := backupActive(active, time.Now())
	if err != nil {
		return model.AppConfig{}, "", fmt.Errorf("back up %s: %w", active, err)
	}
	if err := saveLocked(cfg); err != nil {
		return model.AppConfig{}, backup, err
	}
	cfg.Version = ConfigVersionCurrent
	return cfg, backup, nil
}

// checkImportVersion accepts unversioned files and every format up to the
// current one; all of them load through the same normalization.
func checkImportVersion(v int) error {
	switch {
	case v < 0:
		return fmt.Errorf("%w %d", ErrImportVersion, v)
	case v > ConfigVersionCurrent:
		return fmt.Errorf("%w %d: written by a newer ptermbridge (this build reads up to %d)",
			ErrImportVersion, v, ConfigVersionCurrent)
	}
	return nil
}

// validateImport rejects configs that would load but leave hosts unreachable
// or ambiguous by name.
func validateImport(cfg model.AppConfig) error {
	var errs []error
	names := make(map[string]string)
	count := 0

	for _, n := range cfg.Networks {
		for _, h := range n.Hosts {
			count++
			label := h.Name
			if label == "" {
				label = fmt.Sprintf("#%d", h.ID)
				errs = append(errs, fmt.Errorf("network %q: host %s has no name", n.Name, label))
			} else if prev, dup := names[h.Name]; dup {
				errs = append(errs, fmt.Errorf("host name %q used in networks %q and %q", h.Name, prev, n.Name))
			} else {
				names[h.Name] = n.Name
			}

			if h.Driver == model.DriverSSH && strings.TrimSpace(h.Host) == "" {
				errs = append(errs, fmt.Errorf("host %s: ssh driver needs an address", label))
			}
		}
	}
	if count == 0 {
		errs = append(errs, errors.New("no hosts defined"))
	}
	return errors.Join(errs...)
}

// backupActive copies the active config aside before it is overwritten.
// Existing backups are never replaced.
func backupActive(active string, now time.Time) (string, error) {
	existing, err := os.ReadFile(active)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(existing) == 0) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	base := filepath.Join(filepath.Dir(active), ConfigFileName+".bak-"+now.Format("20060102-150405"))
	name := base
	for i := 1; ; i++ {
		f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, os.ErrExist) {
			name = fmt.Sprintf("%s.%d", base, i)
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(existing); err != nil {
			f.Close()
			return "", err
		}
		return name, f.Close()
	}
}
