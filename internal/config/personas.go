package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadPersonas reads a process-name → persona-name mapping from a YAML file:
//
//	alpha.bin: Playing Alpha
//	beta.exe: Playing Beta
func LoadPersonas(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas file: %w", err)
	}

	personas := map[string]string{}
	if err := yaml.Unmarshal(data, &personas); err != nil {
		return nil, fmt.Errorf("parse personas file %s: %w", path, err)
	}
	return personas, nil
}
