package config

import (
	"os"

	"github.com/goccy/go-yaml"
	"github.com/mokiat/gog"
	"github.com/pkg/errors"
)

type (
	// CharacterConfig declares one persona whose memories live in an isolated
	// namespace.
	CharacterConfig struct {
		ID      string `yaml:"id"`
		Name    string `yaml:"name"`
		Persona string `yaml:"persona"`
	}

	RosterConfig struct {
		Characters []CharacterConfig `yaml:"characters"`
	}
)

func LoadRosterFromFile(file string) (*RosterConfig, error) {
	yamlBytes, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read roster file %s", file)
	}

	var roster RosterConfig
	if err := yaml.Unmarshal(yamlBytes, &roster); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal roster file %s", file)
	}

	if len(roster.Characters) == 0 {
		return nil, errors.Errorf("roster file %s declares no characters", file)
	}
	return &roster, nil
}

// CharacterIDs returns the roster's ids in declaration order.
func (r *RosterConfig) CharacterIDs() []string {
	return gog.Map(r.Characters, func(character CharacterConfig) string {
		return character.ID
	})
}
