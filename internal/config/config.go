package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

var profileName = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateProfileName checks a profile name against the directory naming rule.
func ValidateProfileName(name string) error {
	if !profileName.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match %s", name, profileName)
	}
	return nil
}

// Global is ~/.fieldsync/config.toml, shared by every profile on the device.
type Global struct {
	DefaultProfile string `toml:"default_profile,omitempty"`
}

// LoadGlobal reads the global config. A missing file is an empty config; a
// default_profile that is not a valid profile name is an error.
func LoadGlobal(path string) (*Global, error) {
	var g Global
	_, err := toml.DecodeFile(path, &g)
	if errors.Is(err, fs.ErrNotExist) {
		return &g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if g.DefaultProfile != "" {
		if err := ValidateProfileName(g.DefaultProfile); err != nil {
			return nil, fmt.Errorf("%s: default_profile: %w", path, err)
		}
	}
	return &g, nil
}

// SetDefaultProfile records name as the profile used when none is given.
func SetDefaultProfile(path, name string) error {
	if err := ValidateProfileName(name); err != nil {
		return err
	}
	g, err := LoadGlobal(path)
	if err != nil {
		return err
	}
	g.DefaultProfile = name
	return Save(path, g)
}

// Save writes v as TOML with 0600 permissions. The file is replaced by
// rename, so readers and Watch never observe a partial write.
func Save(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := toml.NewEncoder(tmp).Encode(v); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
