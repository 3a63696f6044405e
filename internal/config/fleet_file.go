package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dan246/mtx-toolkit/internal/fleet"
)

// NodeSeed represents a single managed node in the fleet file.
type NodeSeed struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	APIURL      string `yaml:"api_url"`
	RTSPURL     string `yaml:"rtsp_url,omitempty"`
	Environment string `yaml:"environment,omitempty"`
	Active      *bool  `yaml:"active,omitempty"`
}

// FleetFile is the parsed YAML structure for fleet configuration:
// nodes: [{id, name, api_url, rtsp_url, environment, active}]
type FleetFile struct {
	Nodes []NodeSeed `yaml:"nodes"`
}

// LoadFleetFile parses a YAML fleet file from the given path.
func LoadFleetFile(path string) ([]fleet.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}

	var ff FleetFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}

	if err := validateSeeds(ff.Nodes); err != nil {
		return nil, err
	}

	nodes := make([]fleet.Node, 0, len(ff.Nodes))
	for _, seed := range ff.Nodes {
		active := true
		if seed.Active != nil {
			active = *seed.Active
		}
		name := seed.Name
		if name == "" {
			name = seed.ID
		}
		nodes = append(nodes, fleet.Node{
			ID:          seed.ID,
			Name:        name,
			APIURL:      seed.APIURL,
			RTSPURL:     seed.RTSPURL,
			Environment: seed.Environment,
			Active:      active,
		})
	}
	return nodes, nil
}

func validateSeeds(seeds []NodeSeed) error {
	if len(seeds) == 0 {
		return fmt.Errorf("fleet file contains no nodes")
	}

	seen := make(map[string]bool)

	for i, seed := range seeds {
		if seed.ID == "" {
			return fmt.Errorf("node %d: id is required", i)
		}

		if seed.APIURL == "" {
			return fmt.Errorf("node %q: api_url is required", seed.ID)
		}

		if err := validateURL(seed.APIURL, "api_url"); err != nil {
			return fmt.Errorf("node %q: %w", seed.ID, err)
		}

		if seed.RTSPURL != "" {
			if err := validateURL(seed.RTSPURL, "rtsp_url"); err != nil {
				return fmt.Errorf("node %q: %w", seed.ID, err)
			}
		}

		if seen[seed.ID] {
			return fmt.Errorf("node %q: duplicate id", seed.ID)
		}
		seen[seed.ID] = true
	}

	return nil
}
