package directory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadUsers reads an ordered list of user records from a JSON or YAML file.
func LoadUsers(path string) ([]User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read user file: %w", err)
	}

	var users []User
	if err := yaml.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to parse user file: %w", err)
	}
	return users, nil
}

// LoadBans reads an ordered list of banned addresses from a JSON or YAML
// file. An empty path yields an empty list.
func LoadBans(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ban file: %w", err)
	}

	var banned []string
	if err := yaml.Unmarshal(data, &banned); err != nil {
		return nil, fmt.Errorf("failed to parse ban file: %w", err)
	}
	return banned, nil
}

// Load reads both files and builds a snapshot.
func Load(usersPath, bansPath string) (*Directory, error) {
	users, err := LoadUsers(usersPath)
	if err != nil {
		return nil, err
	}
	banned, err := LoadBans(bansPath)
	if err != nil {
		return nil, err
	}
	return New(users, banned), nil
}
