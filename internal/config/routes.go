package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/routegate/routegate/internal/domain"
)

// Tables is one loaded snapshot of the route and tenant-policy tables.
// The loader owns parsing and defaulting; consumers treat the contents as
// immutable and swap whole snapshots on reload.
type Tables struct {
	Routes   []domain.Route
	Policies map[string]domain.TenantPolicy
}

// routeSpec mirrors domain.Route with a pointer weight so an omitted
// weight (default 1) can be told apart from an explicit zero.
type routeSpec struct {
	Alias           string   `yaml:"alias"`
	Provider        string   `yaml:"provider"`
	Endpoint        string   `yaml:"endpoint"`
	Weight          *float64 `yaml:"weight"`
	Models          []string `yaml:"models"`
	CostPer1KInput  float64  `yaml:"cost_per_1k_input"`
	CostPer1KOutput float64  `yaml:"cost_per_1k_output"`
	APIKeyRef       string   `yaml:"api_key_ref"`
}

type tablesFile struct {
	Routes  []routeSpec                    `yaml:"routes"`
	Tenants map[string]domain.TenantPolicy `yaml:"tenants"`
}

// LoadTables reads and validates the route/tenant table file.
func LoadTables(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return ParseTables(data)
}

func ParseTables(data []byte) (*Tables, error) {
	var parsed tablesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}

	if len(parsed.Routes) == 0 {
		return nil, fmt.Errorf("routes file defines no routes")
	}

	routes := make([]domain.Route, 0, len(parsed.Routes))
	for i, spec := range parsed.Routes {
		if spec.Alias == "" {
			return nil, fmt.Errorf("route %d: alias is required", i)
		}
		if spec.Provider == "" {
			return nil, fmt.Errorf("route %q: provider is required", spec.Alias)
		}

		weight := 1.0
		if spec.Weight != nil {
			weight = *spec.Weight
		}

		routes = append(routes, domain.Route{
			Alias:           spec.Alias,
			Provider:        spec.Provider,
			Endpoint:        spec.Endpoint,
			Weight:          weight,
			Models:          spec.Models,
			CostPer1KInput:  spec.CostPer1KInput,
			CostPer1KOutput: spec.CostPer1KOutput,
			APIKeyRef:       spec.APIKeyRef,
		})
	}

	policies := parsed.Tenants
	if policies == nil {
		policies = make(map[string]domain.TenantPolicy)
	}
	if _, ok := policies["default"]; !ok {
		policies["default"] = domain.TenantPolicy{
			MaxOutputTokens: 4096,
			MaxRequestUSD:   1.0,
		}
	}

	return &Tables{Routes: routes, Policies: policies}, nil
}
