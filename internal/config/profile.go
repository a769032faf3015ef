package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile is a reusable session preset.
type Profile struct {
	Name           string   `yaml:"name"`
	Model          string   `yaml:"model"`
	WorkDir        string   `yaml:"work_dir"`
	AllowedTools   []string `yaml:"allowed_tools"`
	PermissionMode string   `yaml:"permission_mode"`
	MaxTurns       int      `yaml:"max_turns"`
}

// LoadProfile reads a session profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}

	return &p, nil
}

// FindProfile resolves a profile by name within dir.
func FindProfile(dir, name string) (*Profile, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return LoadProfile(path)
		}
	}
	return nil, fmt.Errorf("profile not found: %s", name)
}
