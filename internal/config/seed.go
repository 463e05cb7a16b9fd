package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedUser is one entry of the seed users file.
type SeedUser struct {
	ID    string `yaml:"id"`
	Email string `yaml:"email"`
	Admin bool   `yaml:"admin"`
}

type seedUsersYAML struct {
	Users []SeedUser `yaml:"users"`
}

// LoadSeedUsers reads a YAML file of users. Both a top-level `users:` key and
// a bare list are accepted.
func LoadSeedUsers(path string) ([]SeedUser, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("seed file not found: %s", path)
		}
		return nil, err
	}
	var doc seedUsersYAML
	if err := yaml.Unmarshal(b, &doc); err != nil || len(doc.Users) == 0 {
		var ls []SeedUser
		if lerr := yaml.Unmarshal(b, &ls); lerr != nil {
			if err != nil {
				return nil, fmt.Errorf("yaml parse: %w", err)
			}
			return nil, fmt.Errorf("yaml parse: %w", lerr)
		}
		doc.Users = ls
	}
	out := make([]SeedUser, 0, len(doc.Users))
	for _, u := range doc.Users {
		u.ID = strings.TrimSpace(u.ID)
		if u.ID == "" {
			return nil, fmt.Errorf("seed user without id in %s", path)
		}
		u.Email = strings.TrimSpace(u.Email)
		out = append(out, u)
	}
	return out, nil
}
